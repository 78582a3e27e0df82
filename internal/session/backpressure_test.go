package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapetech/hdhrbridge/internal/runner"
	"github.com/snapetech/hdhrbridge/internal/tspkt"
)

const tailPackets = 64

// lag is how far the consumer trails the newest byte in the tail.
func lag(s *Session) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	cursor := s.cursor
	if cursor < s.ring.Start() {
		cursor = s.ring.Start()
	}
	return s.ring.End() - cursor
}

func ringEnd(s *Session) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.End()
}

func TestSlowConsumerPausesAndResumes(t *testing.T) {
	chunk := tsFile(t, 8)
	cfg := testConfig(t, &fakeProber{}, shResolver{})
	cfg.TailBytes = tailPackets * tspkt.PacketSize
	m := newManager(t, cfg)

	s, err := m.Open(context.Background(), request(fmt.Sprintf("while :; do cat %s; sleep 0.01; done", chunk), nil))
	require.NoError(t, err)
	c, err := s.Attach()
	require.NoError(t, err)

	capacity := int64(tailPackets * tspkt.PacketSize)
	require.Eventually(t, func() bool { return s.Info().Paused }, 5*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, lag(s), capacity*7/8, "paused only once 7/8 of the tail is unread")
	assert.Equal(t, 1, s.Info().Pauses)

	p := make([]byte, tspkt.PacketSize)
	for lag(s) > capacity/2 {
		assert.True(t, s.Info().Paused, "still paused at lag %d", lag(s))
		n, err := c.Read(p)
		require.NoError(t, err)
		require.Equal(t, tspkt.PacketSize, n)
	}
	// Nothing reads now: once resumed the runner refills the tail and is
	// paused a second time.
	require.Eventually(t, func() bool { return s.Info().Pauses >= 2 }, 5*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, lag(s), capacity*7/8)

	require.NoError(t, c.Close())
	s.Stop("test done")
	waitDone(t, s)
}

func TestPauseFailureDropsWholePackets(t *testing.T) {
	orig := pauseRunner
	pauseRunner = func(*runner.Runner) error { return errors.New("operation not permitted") }
	t.Cleanup(func() { pauseRunner = orig })

	const total = 200
	in := tsFile(t, total)
	cfg := testConfig(t, &fakeProber{}, shResolver{})
	cfg.TailBytes = tailPackets * tspkt.PacketSize
	m := newManager(t, cfg)

	s, err := m.Open(context.Background(), request(fmt.Sprintf("cat %s; exec sleep 30", in), nil))
	require.NoError(t, err)
	c, err := s.Attach()
	require.NoError(t, err)
	require.Eventually(t, func() bool { return ringEnd(s) == total*tspkt.PacketSize }, 5*time.Second, 5*time.Millisecond)
	assert.False(t, s.Info().Paused)
	assert.Zero(t, s.Info().Pauses)

	var out []byte
	p := make([]byte, 16*tspkt.PacketSize)
	for len(out) < tailPackets*tspkt.PacketSize {
		n, err := c.Read(p)
		require.NoError(t, err)
		out = append(out, p[:n]...)
	}
	require.Len(t, out, tailPackets*tspkt.PacketSize)
	assert.True(t, tspkt.IsAligned(out))
	for i := 0; i < len(out); i += tspkt.PacketSize {
		require.Equal(t, byte(tspkt.SyncByte), out[i], "packet at %d", i)
	}
	dropped := total - tailPackets
	assert.Equal(t, byte(dropped&0x0F), out[3]&0x0F, "delivery resumes at the oldest retained packet")
	assert.EqualValues(t, dropped*tspkt.PacketSize, s.Info().SkippedBytes)

	require.NoError(t, c.Close())
	s.Stop("test done")
	waitDone(t, s)
}
