package tspkt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacerHoldsRealTimeRate(t *testing.T) {
	// 1.504 Mbps = 1000 packets/s; 300 packets beyond the burst take ~0.3 s.
	p := NewPacer(1_504_000)
	burst := p.lim.Burst()
	start := time.Now()
	require.NoError(t, p.Wait(context.Background(), burst+300*PacketSize))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 250*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestPacerHonoursContext(t *testing.T) {
	p := NewPacer(188 * 8 * 10)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.Wait(ctx, 100*PacketSize)
	assert.Error(t, err)
}

func TestPacketsPer(t *testing.T) {
	assert.Equal(t, 2659, PacketsPer(DefaultBitrate, time.Second))
	assert.Equal(t, 1, PacketsPer(1, time.Millisecond))
}

func TestBitrateMeter(t *testing.T) {
	m := NewBitrateMeter(5 * time.Second)
	t0 := time.Unix(1000, 0)
	assert.Zero(t, m.BitsPerSecond(t0))
	for i := 0; i <= 4; i++ {
		m.Observe(t0.Add(time.Duration(i)*time.Second), 125_000)
	}
	// 625 kB across 4 s.
	assert.Equal(t, int64(1_250_000), m.BitsPerSecond(t0.Add(4*time.Second)))
	// Old samples age out of the window.
	assert.Zero(t, m.BitsPerSecond(t0.Add(30*time.Second)))
}
