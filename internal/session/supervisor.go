package session

import (
	"errors"
	"time"

	"github.com/snapetech/hdhrbridge/internal/fault"
	"github.com/snapetech/hdhrbridge/internal/httpclient"
	"github.com/snapetech/hdhrbridge/internal/metrics"
	"github.com/snapetech/hdhrbridge/internal/probe"
	"github.com/snapetech/hdhrbridge/internal/profile"
	"github.com/snapetech/hdhrbridge/internal/resilience"
	"github.com/snapetech/hdhrbridge/internal/runner"
	"github.com/snapetech/hdhrbridge/internal/tspkt"
)

// pauseRunner is swapped in tests.
var pauseRunner = (*runner.Runner).Pause

// outroDuration is how much null padding follows the PAT/PMT of a failed
// session's outro.
const outroDuration = 500 * time.Millisecond

type attemptResult struct {
	run      *runner.Runner
	resolved profile.Resolved
	desc     *probe.Descriptor
	err      error
}

// supervisor is the state owned by a session's run goroutine.
type supervisor struct {
	s *Session

	run    *runner.Runner
	prev   *runner.Runner // retired, possibly still exiting
	chunks <-chan []byte
	events <-chan runner.Event

	attempting bool
	attemptCh  chan attemptResult

	pending *resilience.Decision
	cause   error
	act     *time.Timer
	actC    <-chan time.Time

	first  *time.Timer
	firstC <-chan time.Time
	drain  *time.Timer
	drainC <-chan time.Time

	splicer     tspkt.Splicer
	spliceNext  bool
	pauseWarned bool

	finished bool
	final    State
	reason   string
}

func (s *Session) run() {
	sv := &supervisor{s: s, attemptCh: make(chan attemptResult, 1)}
	sv.loop()
}

func (sv *supervisor) loop() {
	s := sv.s
	_ = s.setState(StateProbing, "opened")

	sv.first = time.NewTimer(s.cfg.FirstBytes)
	sv.firstC = sv.first.C
	defer sv.first.Stop()
	life := time.NewTimer(s.cfg.MaxLifetime)
	defer life.Stop()
	tick := time.NewTicker(s.cfg.Tick)
	defer tick.Stop()

	sv.launch(true)
	for !sv.finished {
		select {
		case b, ok := <-sv.chunks:
			if !ok {
				sv.chunks = nil
				continue
			}
			sv.onChunk(b)
		case ev, ok := <-sv.events:
			if !ok {
				sv.events = nil
				continue
			}
			sv.onEvent(ev)
		case res := <-sv.attemptCh:
			sv.onAttempt(res)
		case <-sv.actC:
			sv.onAction()
		case <-sv.firstC:
			sv.onFirstBytesTimeout()
		case <-sv.drainC:
			sv.drainC = nil
			if !s.HasConsumer() {
				sv.close("drain grace expired")
			}
		case <-life.C:
			sv.close("max lifetime reached")
		case reason := <-s.stopCh:
			sv.close(reason)
		case ev := <-s.ctrl:
			sv.onCtrl(ev)
		case <-s.resumeCh:
			sv.resume()
		case now := <-tick.C:
			sv.onTick(now)
		}
	}
	sv.finish()
}

// launch starts a runner attempt in the background so the loop keeps
// serving ticks and stop requests while probing or queueing for an
// origin lock.
func (sv *supervisor) launch(reprobe bool) {
	s := sv.s
	s.mu.Lock()
	prevResolved := s.resolved
	s.mu.Unlock()
	old := sv.prev
	sv.attempting = true
	go func() {
		sv.attemptCh <- s.attempt(reprobe, prevResolved, old)
	}()
}

func (s *Session) attempt(reprobe bool, prev profile.Resolved, old *runner.Runner) attemptResult {
	ctx := s.ctx
	if old != nil {
		select {
		case <-old.Done():
		case <-ctx.Done():
			return attemptResult{err: ctx.Err()}
		}
	}
	res := attemptResult{resolved: prev}

	// A configured connection limit is honored from the first request on:
	// the probe runs under the same origin lock as the transcoder.
	var release func()
	defer func() {
		if res.run == nil && release != nil {
			release()
		}
	}()
	if s.req.Stream.ConnectionLimits {
		rawURL, _ := probe.SplitHeaders(s.req.Stream.URL)
		if key, err := httpclient.OriginKey(ctx, rawURL, s.cfg.LockByIP); err == nil {
			if release, err = s.cfg.Locks.Acquire(ctx, key); err != nil {
				res.err = err
				return res
			}
		}
	}

	if reprobe || prev.Dynamic || len(prev.Args) == 0 {
		timeout := s.cfg.ProbeTimeout
		if prev.Timeouts.Probe > 0 {
			timeout = prev.Timeouts.Probe
		}
		d, err := s.cfg.Prober.Probe(ctx, s.req.Stream, timeout)
		if err != nil {
			res.err = err
			return res
		}
		res.desc = d
		res.resolved = s.cfg.Resolver.Resolve(s.req.Snapshot, s.req.Channel, s.req.Stream, s.req.Kind, d)
	}

	if key := res.resolved.LockKey; key != "" && release == nil {
		rel, err := s.cfg.Locks.Acquire(ctx, key)
		if err != nil {
			res.err = err
			return res
		}
		release = rel
	}
	stall := s.traits.Stall
	if res.resolved.Timeouts.Stall > 0 {
		stall = res.resolved.Timeouts.Stall
	}
	s.mu.Lock()
	streamed := s.streamed
	s.mu.Unlock()
	r, err := runner.Start(ctx, runner.Spec{
		Binary:      s.cfg.Binary,
		Args:        res.resolved.Args,
		Stall:       stall,
		KillGrace:   s.cfg.KillGrace,
		Log:         s.log.With().Str("component", "runner").Logger(),
		Replacement: streamed,
	})
	if err != nil {
		res.err = err
		return res
	}
	if release != nil {
		// The origin lock covers the whole process lifetime.
		rel := release
		go func() {
			<-r.Done()
			rel()
		}()
	}
	res.run = r
	return res
}

func (sv *supervisor) onAttempt(res attemptResult) {
	s := sv.s
	sv.attempting = false
	if res.err != nil {
		if s.ctx.Err() != nil {
			return
		}
		sv.recover(res.err, false)
		return
	}
	r := res.run
	s.mu.Lock()
	if res.desc != nil {
		s.desc = res.desc
	}
	s.resolved = res.resolved
	s.runnerStart++
	s.pid = r.PID()
	s.cur = r
	sv.spliceNext = s.ring.End() > 0
	state := s.state
	s.mu.Unlock()

	sv.run = r
	sv.prev = nil
	sv.chunks = r.Chunks()
	sv.events = r.Events()
	if fb := res.resolved.Timeouts.FirstBytes; fb > 0 && state == StateProbing && sv.firstC != nil {
		sv.first.Reset(fb)
	}
	s.log.Debug().Int("pid", r.PID()).Str("profile", res.resolved.ProfileID).Msg("runner attached")
}

func (sv *supervisor) onChunk(b []byte) {
	s := sv.s
	if sv.spliceNext {
		sv.spliceNext = false
		sv.splicer.Arm()
		pat := tspkt.DiscontinuityPacket(0, 0)
		b = append(pat[:], b...)
	}
	b = sv.splicer.Apply(b)
	s.meter.Observe(time.Now(), len(b))

	s.mu.Lock()
	if _, err := s.ring.Write(b); err != nil {
		s.mu.Unlock()
		s.log.Error().Err(err).Int("len", len(b)).Msg("dropping unaligned chunk")
		return
	}
	s.streamed = true
	s.broadcastLocked()
	state := s.state
	s.mu.Unlock()

	switch state {
	case StateProbing:
		_ = s.setState(StateRunning, "first bytes")
		close(s.firstBytes)
		sv.first.Stop()
		sv.firstC = nil
		sv.recovered()
	case StateRecovering:
		_ = s.setState(StateRunning, "recovered")
		sv.recovered()
	case StateDraining:
		if s.engine.Recovering() {
			sv.recovered()
		}
	}
	sv.backpressure()
}

func (sv *supervisor) onEvent(ev runner.Event) {
	s := sv.s
	switch ev.Type {
	case runner.EventStalled:
		switch s.State() {
		case StateRunning, StateProbing:
			sv.recover(fault.New(fault.StalledStream, "runner", "no output for %s", s.traits.Stall), true)
		case StateDraining:
			sv.close("runner stalled while draining")
		}
	case runner.EventExited:
		info := ev.Exit
		// Chunks is closed before Exited is sent; deliver what is queued.
		if sv.chunks != nil {
			for b := range sv.chunks {
				sv.onChunk(b)
			}
		}
		sv.chunks, sv.events = nil, nil
		sv.run = nil
		s.mu.Lock()
		s.prevStderr, s.stderr = s.stderr, info.StderrTail
		s.pid = 0
		s.cur = nil
		s.paused = false
		s.mu.Unlock()
		if info.Stopped {
			return
		}
		err := info.Err
		if err == nil {
			err = fault.New(fault.UpstreamUnreachable, "runner", "transcoder exited with code %d", info.Code)
		}
		sv.recover(err, false)
	}
}

// recover hands a failure to the resilience engine and schedules what it
// decides.
func (sv *supervisor) recover(err error, alive bool) {
	s := sv.s
	switch s.State() {
	case StateDraining:
		sv.close("upstream failed while draining")
		return
	case StateRunning:
		_ = s.setState(StateRecovering, reasonOf(err))
	}

	d := s.engine.Decide(err, alive)
	s.mu.Lock()
	seq := len(s.recoveries) + 1
	s.recoveries = append(s.recoveries, recoveryEntry(seq, d, err))
	s.mu.Unlock()
	s.log.Warn().
		Int("seq", seq).
		Stringer("action", d.Action).
		Stringer("layer", d.Layer).
		Dur("delay", d.Delay).
		Dur("elapsed", s.engine.Elapsed()).
		AnErr("cause", err).
		Msg("recovery")

	if d.Action == resilience.ActionFail {
		sv.fail(d.Err)
		return
	}
	metrics.RecordRecovery(d.Layer.String())
	if d.Action != resilience.ActionWait && sv.run != nil {
		sv.retire(d.Action.String())
	}
	sv.cause = err
	sv.pending = &d
	sv.arm(d.Delay)

	bps := s.meter.BitsPerSecond(time.Now())
	if bps <= 0 {
		bps = s.cfg.NullBitrate
	}
	s.pacer.SetBitrate(bps)
	s.mu.Lock()
	s.retrying = true
	s.pacing = s.engine.Bridging()
	s.mu.Unlock()
}

func (sv *supervisor) onAction() {
	s := sv.s
	d := sv.pending
	sv.pending, sv.actC = nil, nil
	if d == nil {
		return
	}
	switch d.Action {
	case resilience.ActionWait:
		if s.engine.Recovering() {
			sv.recover(sv.cause, sv.run != nil)
		}
	case resilience.ActionRestart:
		sv.launch(false)
	case resilience.ActionResession:
		sv.launch(true)
	}
}

// recovered ends a recovery episode.
func (sv *supervisor) recovered() {
	s := sv.s
	s.engine.Running()
	if sv.pending != nil && sv.pending.Action == resilience.ActionWait {
		sv.pending = nil
		sv.disarm()
	}
	s.mu.Lock()
	s.retrying = false
	s.pacing = false
	s.mu.Unlock()
}

// retire stops the current runner without waiting for it; the next
// attempt waits for it to be reaped.
func (sv *supervisor) retire(reason string) {
	s := sv.s
	r := sv.run
	r.Stop(reason)
	sv.prev = r
	sv.run = nil
	sv.chunks, sv.events = nil, nil
	s.mu.Lock()
	s.prevStderr, s.stderr = s.stderr, r.StderrTail()
	s.pid = 0
	s.cur = nil
	s.paused = false
	s.mu.Unlock()
}

func (sv *supervisor) onFirstBytesTimeout() {
	s := sv.s
	sv.firstC = nil
	if s.State() != StateProbing {
		return
	}
	if sv.pending != nil {
		// Waiting out a recovery delay; the engine's budget decides.
		return
	}
	sv.fail(fault.New(fault.StalledStream, "session", "no output within %s", s.cfg.FirstBytes))
}

func (sv *supervisor) onCtrl(ev ctrlEvent) {
	s := sv.s
	state := s.State()
	switch ev {
	case ctrlAttach:
		if state == StateDraining && s.HasConsumer() {
			sv.drain.Stop()
			sv.drainC = nil
			_ = s.setState(StateRunning, "consumer reattached")
			if s.engine.Recovering() {
				_ = s.setState(StateRecovering, "recovery in progress")
			}
		}
	case ctrlDetach:
		if s.HasConsumer() {
			return
		}
		switch state {
		case StateInit, StateProbing:
			sv.close("client gone before first bytes")
		case StateRunning, StateRecovering:
			_ = s.setState(StateDraining, "client gone")
			sv.resume()
			grace := s.traits.DrainGrace
			if sv.drain == nil {
				sv.drain = time.NewTimer(grace)
			} else {
				sv.drain.Reset(grace)
			}
			sv.drainC = sv.drain.C
		}
	}
}

func (sv *supervisor) onTick(now time.Time) {
	s := sv.s
	s.engine.Tick()
	if !s.engine.Recovering() || !s.engine.Bridging() {
		return
	}
	s.mu.Lock()
	c := s.consumer
	if c == nil || !c.reading || s.ring.End() > s.cursor {
		s.mu.Unlock()
		return
	}
	bps := s.meter.BitsPerSecond(now)
	if bps <= 0 {
		bps = s.cfg.NullBitrate
	}
	n := tspkt.PacketsPer(bps, s.cfg.Tick)
	if _, err := s.ring.Write(tspkt.AppendNull(nil, n)); err == nil {
		s.nulls += int64(n)
		s.broadcastLocked()
	}
	s.mu.Unlock()
	metrics.NullPacketsInjected.Add(float64(n))
}

// backpressure pauses the runner when the consumer lags by most of the
// tail. If pausing fails the ring keeps evicting whole packets from the
// head instead.
func (sv *supervisor) backpressure() {
	s := sv.s
	if sv.run == nil {
		return
	}
	s.mu.Lock()
	if s.consumer == nil || s.paused {
		s.mu.Unlock()
		return
	}
	cursor := s.cursor
	if cursor < s.ring.Start() {
		cursor = s.ring.Start()
	}
	lag := s.ring.End() - cursor
	limit := int64(s.ring.Cap()) * 7 / 8
	s.mu.Unlock()
	if lag < limit {
		return
	}
	if err := pauseRunner(sv.run); err != nil {
		if !sv.pauseWarned {
			sv.pauseWarned = true
			s.log.Warn().Err(err).Msg("cannot pause runner, oldest packets will be dropped")
		}
		return
	}
	s.mu.Lock()
	s.paused = true
	s.pauses++
	s.mu.Unlock()
	s.log.Debug().Int64("lag", lag).Msg("runner paused for slow consumer")
}

func (sv *supervisor) resume() {
	s := sv.s
	s.mu.Lock()
	was := s.paused
	s.paused = false
	s.mu.Unlock()
	if was && sv.run != nil {
		if err := sv.run.Resume(); err != nil && !errors.Is(err, runner.ErrNotRunning) {
			s.log.Warn().Err(err).Msg("resume runner")
		}
	}
}

func (sv *supervisor) arm(d time.Duration) {
	if sv.act == nil {
		sv.act = time.NewTimer(d)
	} else {
		sv.act.Stop()
		sv.act.Reset(d)
	}
	sv.actC = sv.act.C
}

func (sv *supervisor) disarm() {
	if sv.act != nil {
		sv.act.Stop()
	}
	sv.actC = nil
}

func (sv *supervisor) fail(err error) {
	s := sv.s
	bps := s.meter.BitsPerSecond(time.Now())
	if bps <= 0 {
		bps = s.cfg.NullBitrate
	}
	nulls := tspkt.PacketsPer(bps, outroDuration)
	s.mu.Lock()
	s.err = err
	if _, werr := s.ring.Write(tspkt.Outro(nulls)); werr == nil {
		s.nulls += int64(nulls)
	}
	s.mu.Unlock()
	metrics.RecordFailure(fault.KindOf(err).String())
	sv.end(StateFailed, reasonOf(err))
}

func (sv *supervisor) close(reason string) { sv.end(StateClosed, reason) }

func (sv *supervisor) end(final State, reason string) {
	if sv.finished {
		return
	}
	sv.finished = true
	sv.final = final
	sv.reason = reason
}

// finish tears everything down. It runs on the supervisor goroutine after
// the loop exits, so no further transitions race with it.
func (sv *supervisor) finish() {
	s := sv.s
	_ = s.setState(sv.final, sv.reason)
	sv.disarm()
	if sv.drain != nil {
		sv.drain.Stop()
	}

	if sv.run != nil {
		sv.run.Stop(sv.reason)
	}
	s.cancel()
	if sv.attempting {
		if res := <-sv.attemptCh; res.run != nil {
			res.run.Stop(sv.reason)
			<-res.run.Done()
		}
	}
	if sv.prev != nil {
		<-sv.prev.Done()
	}
	if sv.run != nil {
		<-sv.run.Done()
		tail := sv.run.StderrTail()
		s.mu.Lock()
		s.prevStderr, s.stderr = s.stderr, tail
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.ended = true
	s.endedAt = time.Now()
	s.pacing = false
	s.retrying = false
	s.pid = 0
	s.cur = nil
	s.broadcastLocked()
	steps := append([]Step(nil), s.steps...)
	stderr := s.stderr
	delivered := s.delivered
	err := s.err
	s.mu.Unlock()

	if s.req.Slot != nil {
		s.req.Slot.Release()
	}
	if jerr := s.cfg.Journal.Write(s.record()); jerr != nil {
		s.log.Warn().Err(jerr).Msg("session journal")
	}

	ev := s.log.Info()
	if sv.final == StateFailed {
		ev = s.log.Error().Err(err).Str("fault", fault.KindOf(err).String())
	}
	ev.Stringer("state", sv.final).
		Str("reason", sv.reason).
		Strs("trajectory", trajectoryStrings(steps)).
		Str("stderr_tail", stderr).
		Int64("bytes_delivered", delivered).
		Dur("duration", time.Since(s.started)).
		Msg("session ended")
	close(s.done)
}

func reasonOf(err error) string {
	if err == nil {
		return ""
	}
	if k := fault.KindOf(err); k != fault.Unknown {
		return k.String()
	}
	return err.Error()
}
