package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/snapetech/hdhrbridge/internal/fault"
	"github.com/snapetech/hdhrbridge/internal/tspkt"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// tsFile writes n null packets (optionally behind some junk) and returns the path.
func tsFile(t *testing.T, n int, junk string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "in.ts")
	data := append([]byte(junk), tspkt.AppendNull(nil, n)...)
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func sh(script string, args ...string) Spec {
	return Spec{
		Binary: "/bin/sh",
		Args:   append([]string{"-c", script, "sh"}, args...),
		Log:    zerolog.Nop(),
	}
}

type collected struct {
	data   []byte
	events []Event
	exit   *ExitInfo
}

// drain consumes chunks and events until the runner exits.
func drain(t *testing.T, r *Runner, timeout time.Duration) collected {
	t.Helper()
	var c collected
	chunks, events := r.Chunks(), r.Events()
	deadline := time.After(timeout)
	for chunks != nil || events != nil {
		select {
		case b, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			c.data = append(c.data, b...)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.events = append(c.events, ev)
			if ev.Type == EventExited {
				c.exit = ev.Exit
			}
		case <-deadline:
			r.Stop("test timeout")
			<-r.Done()
			t.Fatalf("runner did not finish within %s", timeout)
		}
	}
	return c
}

func types(evs []Event) []EventType {
	out := make([]EventType, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}

func TestRunner_StreamsAlignedPackets(t *testing.T) {
	f := tsFile(t, 100, "junk!")
	r, err := Start(context.Background(), sh(`cat "$1"`, f))
	require.NoError(t, err)
	assert.Greater(t, r.PID(), 0)

	c := drain(t, r, 5*time.Second)
	assert.Len(t, c.data, 100*tspkt.PacketSize)
	assert.True(t, tspkt.IsAligned(c.data))
	assert.Equal(t, []EventType{EventStarted, EventFirstBytes, EventExited}, types(c.events))
	require.NotNil(t, c.exit)
	assert.Equal(t, 0, c.exit.Code)
	assert.False(t, c.exit.Stopped)
	assert.True(t, fault.Is(c.exit.Err, fault.UpstreamUnreachable), "a live source must not end: %v", c.exit.Err)
	assert.EqualValues(t, 100*tspkt.PacketSize, c.exit.Bytes)
}

func TestRunner_MissingBinary(t *testing.T) {
	_, err := Start(context.Background(), Spec{Binary: "/nonexistent/ffmpeg", Log: zerolog.Nop()})
	assert.True(t, fault.Is(err, fault.TranscoderMissing), "got %v", err)

	_, err = Start(context.Background(), Spec{Binary: "no-such-transcoder-binary", Log: zerolog.Nop()})
	assert.True(t, fault.Is(err, fault.TranscoderMissing), "got %v", err)
}

func TestRunner_CrashOnStart(t *testing.T) {
	r, err := Start(context.Background(), sh(`exit 3`))
	require.NoError(t, err)
	c := drain(t, r, 5*time.Second)
	require.NotNil(t, c.exit)
	assert.Equal(t, 3, c.exit.Code)
	assert.True(t, fault.Is(c.exit.Err, fault.TranscoderCrashOnStart), "got %v", c.exit.Err)
}

func TestRunner_StderrClassification(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   fault.Kind
	}{
		{"forbidden", "[http @ 0x1] HTTP error 403 Forbidden", fault.UpstreamRateLimited},
		{"refused", "tcp://10.0.0.1:80: Connection refused", fault.UpstreamUnreachable},
		{"bad input", "pipe:0: Invalid data found when processing input", fault.UpstreamBadFormat},
		{"bad option", "Unrecognized option 'frobnicate'.", fault.TranscoderCrashOnStart},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Start(context.Background(), sh(`echo "$1" >&2; exit 1`, tt.stderr))
			require.NoError(t, err)
			c := drain(t, r, 5*time.Second)
			require.NotNil(t, c.exit)
			assert.Equal(t, tt.want, fault.KindOf(c.exit.Err), "got %v", c.exit.Err)
			assert.Contains(t, c.exit.StderrTail, tt.stderr)
			assert.Contains(t, r.StderrTail(), tt.stderr)
		})
	}
}

func TestRunner_StallAndStop(t *testing.T) {
	f := tsFile(t, 10, "")
	spec := sh(`cat "$1"; exec sleep 30`, f)
	spec.Stall = 150 * time.Millisecond
	r, err := Start(context.Background(), spec)
	require.NoError(t, err)

	var sawStall bool
	deadline := time.After(5 * time.Second)
	for !sawStall {
		select {
		case <-r.Chunks():
		case ev := <-r.Events():
			sawStall = ev.Type == EventStalled
		case <-deadline:
			t.Fatal("no stall event")
		}
	}
	r.Stop("stalled")
	r.Stop("again") // idempotent

	c := drain(t, r, 5*time.Second)
	require.NotNil(t, c.exit)
	assert.True(t, c.exit.Stopped)
	assert.Equal(t, "stalled", c.exit.Reason)
	assert.NoError(t, c.exit.Err)
	assert.Equal(t, "terminated", c.exit.Signal)
	assert.Equal(t, "stalled", r.ExitInfo().Reason)
}

func TestRunner_StopEscalatesToKill(t *testing.T) {
	spec := sh(`trap "" TERM; while :; do sleep 0.05; done`)
	spec.KillGrace = 200 * time.Millisecond
	r, err := Start(context.Background(), spec)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	r.Stop("admin")
	c := drain(t, r, 5*time.Second)
	require.NotNil(t, c.exit)
	assert.Equal(t, "killed", c.exit.Signal)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestRunner_PauseResume(t *testing.T) {
	f := tsFile(t, 20, "")
	spec := sh(`while :; do cat "$1"; sleep 0.02; done`, f)
	spec.Stall = 100 * time.Millisecond
	r, err := Start(context.Background(), spec)
	require.NoError(t, err)

	stopDrain := make(chan struct{})
	drained := make(chan []EventType)
	go func() {
		var seen []EventType
		for {
			select {
			case <-r.Chunks():
			case ev := <-r.Events():
				seen = append(seen, ev.Type)
			case <-stopDrain:
				drained <- seen
				return
			}
		}
	}()

	require.Eventually(t, func() bool { return r.Bytes() > 0 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, r.Pause())
	assert.True(t, r.Paused())
	time.Sleep(100 * time.Millisecond)
	frozen := r.Bytes()
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, frozen, r.Bytes(), "a paused runner must not produce output")

	require.NoError(t, r.Resume())
	assert.False(t, r.Paused())
	require.Eventually(t, func() bool { return r.Bytes() > frozen }, 2*time.Second, 5*time.Millisecond)

	close(stopDrain)
	seen := <-drained
	assert.NotContains(t, seen, EventStalled, "the stall clock is suspended while paused")

	r.Stop("done")
	c := drain(t, r, 5*time.Second)
	require.NotNil(t, c.exit)
	assert.True(t, c.exit.Stopped)
	assert.ErrorIs(t, r.Pause(), ErrNotRunning)
}

func TestRunner_ContextCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r, err := Start(ctx, sh(`exec sleep 30`))
	require.NoError(t, err)
	cancel()
	c := drain(t, r, 5*time.Second)
	require.NotNil(t, c.exit)
	assert.True(t, c.exit.Stopped)
	assert.Equal(t, "context done", c.exit.Reason)
}

func TestClassifyExit(t *testing.T) {
	assert.True(t, fault.Is(classifyExit("", 0, 100*time.Millisecond, 1, false), fault.TranscoderCrashOnStart))
	assert.True(t, fault.Is(classifyExit("", 0, 5*time.Second, 1, false), fault.UpstreamUnreachable))
	assert.True(t, fault.Is(classifyExit("", 1<<20, 5*time.Second, 0, false), fault.UpstreamUnreachable))
	assert.True(t, fault.Is(classifyExit("Server returned 404 Not Found", 0, time.Second, 1, false), fault.UpstreamUnreachable))
	assert.True(t, fault.Is(classifyExit("HTTP error 429 Too Many Requests", 0, time.Second, 1, false), fault.UpstreamRateLimited))
}

func TestClassifyExit_replacement(t *testing.T) {
	err := classifyExit("", 0, 100*time.Millisecond, 1, true)
	assert.True(t, fault.Is(err, fault.UpstreamUnreachable), "a restart that dies early blames the upstream: %v", err)

	err = classifyExit("http://up/live.ts: Input/output error\n", 0, 50*time.Millisecond, 1, true)
	assert.True(t, fault.Is(err, fault.UpstreamUnreachable))
	err = classifyExit("http://up/live.ts: Input/output error\n", 0, 50*time.Millisecond, 1, false)
	assert.True(t, fault.Is(err, fault.UpstreamUnreachable), "the marker wins on a first runner too")

	err = classifyExit("Unrecognized option 'bogus'", 0, 50*time.Millisecond, 1, true)
	assert.True(t, fault.Is(err, fault.TranscoderCrashOnStart), "bad command lines stay terminal")
}

func TestTailWriter(t *testing.T) {
	w := newTailWriter(zerolog.Nop())
	w.Write([]byte(strings.Repeat("a", StderrTailBytes)))
	w.Write([]byte("tail-end\n"))
	s := w.String()
	assert.Len(t, s, StderrTailBytes)
	assert.True(t, strings.HasSuffix(s, "tail-end\n"))
}
