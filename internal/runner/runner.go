// Package runner supervises one transcoder child process: it turns stdout
// into whole transport stream packets, watches for stalls, keeps the tail of
// stderr and reports how the process ended.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/snapetech/hdhrbridge/internal/fault"
	"github.com/snapetech/hdhrbridge/internal/metrics"
	"github.com/snapetech/hdhrbridge/internal/tspkt"
)

const (
	DefaultKillGrace = 5 * time.Second
	readSize         = 348 * tspkt.PacketSize // ~64 KiB
	chunkQueue       = 64
	eventQueue       = 16
)

// ErrNotRunning is returned by Pause and Resume after the process exited.
var ErrNotRunning = errors.New("runner not running")

// Spec is everything needed to start a runner.
type Spec struct {
	Binary    string
	Args      []string
	Env       []string      // appended to the parent environment
	Stall     time.Duration // no output for this long raises EventStalled; 0 disables
	KillGrace time.Duration // SIGTERM to SIGKILL; default 5s
	Log       zerolog.Logger

	// Replacement marks a runner started after an earlier runner of the
	// same session produced output.
	Replacement bool
}

// Runner is a live transcoder process.
type Runner struct {
	spec      Spec
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	stderr    *tailWriter

	chunks  chan []byte
	events  chan Event
	evMu    sync.Mutex
	abandon chan struct{}
	done    chan struct{}

	bytes    atomic.Int64
	lastByte atomic.Int64 // unix nanos
	paused   atomic.Bool

	stopOnce sync.Once
	mu       sync.Mutex
	stopped  bool
	reason   string
	exit     ExitInfo
}

// Start launches the transcoder in its own process group. Cancelling ctx
// stops the runner. A binary that cannot be found or executed yields a
// fault.TranscoderMissing error.
func Start(ctx context.Context, spec Spec) (*Runner, error) {
	if spec.KillGrace <= 0 {
		spec.KillGrace = DefaultKillGrace
	}
	path, err := exec.LookPath(spec.Binary)
	if err != nil {
		return nil, fault.Wrap(fault.TranscoderMissing, "runner.start", err)
	}

	cmd := exec.Command(path, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	setProcessGroup(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fault.Wrap(fault.TranscoderCrashOnStart, "runner.start", err)
	}
	r := &Runner{
		spec:    spec,
		cmd:     cmd,
		stderr:  newTailWriter(spec.Log),
		chunks:  make(chan []byte, chunkQueue),
		events:  make(chan Event, eventQueue),
		abandon: make(chan struct{}),
		done:    make(chan struct{}),
	}
	cmd.Stderr = r.stderr

	if err := cmd.Start(); err != nil {
		kind := fault.TranscoderCrashOnStart
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) || errors.Is(err, exec.ErrNotFound) {
			kind = fault.TranscoderMissing
		}
		return nil, fault.Wrap(kind, "runner.start", err)
	}
	r.pid = cmd.Process.Pid
	r.startedAt = time.Now()
	r.lastByte.Store(r.startedAt.UnixNano())
	metrics.RunnerStarts.Inc()
	spec.Log.Debug().Int("pid", r.pid).Strs("args", spec.Args).Msg("runner started")
	r.emit(Event{Type: EventStarted, At: r.startedAt})

	readDone := make(chan struct{})
	go r.read(stdout, readDone)
	go r.wait(readDone)
	if spec.Stall > 0 {
		go r.watch()
	}
	go func() {
		select {
		case <-ctx.Done():
			r.Stop("context done")
		case <-r.done:
		}
	}()
	return r, nil
}

// Chunks yields packet-aligned output. It is closed when stdout reaches EOF,
// before EventExited is delivered.
func (r *Runner) Chunks() <-chan []byte { return r.chunks }

// Events yields lifecycle events; EventExited is always the last one and
// the channel is closed after it.
func (r *Runner) Events() <-chan Event { return r.events }

// Done is closed once the process has been reaped.
func (r *Runner) Done() <-chan struct{} { return r.done }

func (r *Runner) PID() int             { return r.pid }
func (r *Runner) StartedAt() time.Time { return r.startedAt }
func (r *Runner) Bytes() int64         { return r.bytes.Load() }
func (r *Runner) Paused() bool         { return r.paused.Load() }
func (r *Runner) StderrTail() string   { return r.stderr.String() }

// ExitInfo is valid once Done is closed.
func (r *Runner) ExitInfo() ExitInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exit
}

// RSS is the resident set size of the transcoder, or 0 when unknown.
func (r *Runner) RSS() uint64 {
	p, err := process.NewProcess(int32(r.pid))
	if err != nil {
		return 0
	}
	mi, err := p.MemoryInfo()
	if err != nil || mi == nil {
		return 0
	}
	return mi.RSS
}

// Stop asks the process group to terminate and escalates to SIGKILL after
// the kill grace. Output not yet consumed is discarded. Idempotent and
// non-blocking; wait on Done for the exit.
func (r *Runner) Stop(reason string) {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.stopped = true
		r.reason = reason
		r.mu.Unlock()
		close(r.abandon)

		select {
		case <-r.done:
			return
		default:
		}
		r.spec.Log.Debug().Int("pid", r.pid).Str("reason", reason).Msg("stopping runner")
		_ = signalGroup(r.pid, syscall.SIGCONT)
		_ = signalGroup(r.pid, syscall.SIGTERM)
		go func() {
			t := time.NewTimer(r.spec.KillGrace)
			defer t.Stop()
			select {
			case <-r.done:
			case <-t.C:
				r.spec.Log.Warn().Int("pid", r.pid).Msg("runner ignored SIGTERM, killing process group")
				_ = signalGroup(r.pid, syscall.SIGKILL)
			}
		}()
	})
}

// Pause suspends the process group so a slow consumer does not lose data.
func (r *Runner) Pause() error {
	select {
	case <-r.done:
		return ErrNotRunning
	default:
	}
	if r.paused.Swap(true) {
		return nil
	}
	if err := signalGroup(r.pid, syscall.SIGSTOP); err != nil {
		r.paused.Store(false)
		return fmt.Errorf("pause: %w", err)
	}
	return nil
}

// Resume continues a paused process group. The stall clock restarts.
func (r *Runner) Resume() error {
	select {
	case <-r.done:
		return ErrNotRunning
	default:
	}
	if !r.paused.Load() {
		return nil
	}
	r.lastByte.Store(time.Now().UnixNano())
	if err := signalGroup(r.pid, syscall.SIGCONT); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	r.paused.Store(false)
	return nil
}

func (r *Runner) read(stdout io.Reader, done chan<- struct{}) {
	defer close(done)
	defer close(r.chunks)
	var al tspkt.Aligner
	buf := make([]byte, readSize)
	first := true
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			if out := al.Push(buf[:n]); len(out) > 0 {
				r.bytes.Add(int64(len(out)))
				r.lastByte.Store(time.Now().UnixNano())
				if first {
					first = false
					r.emit(Event{Type: EventFirstBytes, At: time.Now()})
				}
				select {
				case r.chunks <- out:
				case <-r.abandon:
					// Keep draining so the child never blocks on a full pipe.
				}
			}
		}
		if err != nil {
			if al.Dropped() > 0 {
				r.spec.Log.Debug().Int64("dropped", al.Dropped()).Msg("runner output resynchronised")
			}
			return
		}
	}
}

func (r *Runner) wait(readDone <-chan struct{}) {
	<-readDone
	err := r.cmd.Wait()
	ran := time.Since(r.startedAt)

	info := ExitInfo{
		Code:       -1,
		StderrTail: r.stderr.String(),
		Bytes:      r.bytes.Load(),
		Duration:   ran,
	}
	if ps := r.cmd.ProcessState; ps != nil {
		info.Code = ps.ExitCode()
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok {
			info.Signal = signalName(ws)
		}
	} else if err != nil {
		info.Err = fault.Wrap(fault.TranscoderCrashOnStart, "runner", err)
	}

	r.mu.Lock()
	info.Stopped = r.stopped
	info.Reason = r.reason
	if !info.Stopped && info.Err == nil {
		info.Err = classifyExit(info.StderrTail, info.Bytes, ran, info.Code, r.spec.Replacement)
	}
	r.exit = info
	r.mu.Unlock()

	result := "none"
	if info.Err != nil {
		result = fault.KindOf(info.Err).String()
	}
	metrics.RecordRunnerExit(result)
	r.spec.Log.Debug().
		Int("pid", r.pid).
		Int("code", info.Code).
		Str("signal", info.Signal).
		Int64("bytes", info.Bytes).
		Dur("ran", ran).
		Bool("stopped", info.Stopped).
		AnErr("fault", info.Err).
		Msg("runner exited")

	close(r.done)
	r.emit(Event{Type: EventExited, At: time.Now(), Exit: &info})
}

// watch raises EventStalled once per silent period. The clock is suspended
// while the process is paused.
func (r *Runner) watch() {
	tick := r.spec.Stall / 4
	if tick > time.Second {
		tick = time.Second
	}
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	t := time.NewTicker(tick)
	defer t.Stop()
	stalled := false
	for {
		select {
		case <-r.done:
			return
		case now := <-t.C:
			last := r.lastByte.Load()
			if r.paused.Load() {
				continue
			}
			idle := now.Sub(time.Unix(0, last))
			switch {
			case idle >= r.spec.Stall && !stalled:
				stalled = true
				r.spec.Log.Debug().Int("pid", r.pid).Dur("idle", idle).Msg("runner stalled")
				r.emit(Event{Type: EventStalled, At: now})
			case idle < r.spec.Stall:
				stalled = false
			}
		}
	}
}

// emit never blocks. One slot is reserved for EventExited, after which the
// channel is closed.
func (r *Runner) emit(ev Event) {
	r.evMu.Lock()
	defer r.evMu.Unlock()
	if ev.Type == EventExited {
		r.events <- ev
		close(r.events)
		return
	}
	select {
	case <-r.done:
		return
	default:
	}
	if len(r.events) >= cap(r.events)-1 {
		r.spec.Log.Debug().Stringer("event", ev.Type).Msg("runner event dropped")
		return
	}
	r.events <- ev
}
