// Package resilience decides how a session recovers from a failed or
// stalled runner. Components report faults; only the Engine chooses what
// happens next.
package resilience

import (
	"fmt"
	"time"

	"github.com/snapetech/hdhrbridge/internal/fault"
)

// Layer is a rung of the recovery ladder.
type Layer int

const (
	LayerNone Layer = iota
	LayerReconnect
	LayerRestart
	LayerResession
	LayerBridge
)

func (l Layer) String() string {
	switch l {
	case LayerNone:
		return "none"
	case LayerReconnect:
		return "reconnect"
	case LayerRestart:
		return "restart"
	case LayerResession:
		return "resession"
	case LayerBridge:
		return "bridge"
	}
	return fmt.Sprintf("layer(%d)", int(l))
}

// Action is what the session supervisor must do.
type Action int

const (
	// Wait for the live runner to reconnect in-process, then decide again.
	ActionWait Action = iota
	// Restart starts a fresh runner with the same resolved command.
	ActionRestart
	// Resession re-probes, re-resolves and starts a fresh runner.
	ActionResession
	// Fail ends the session.
	ActionFail
)

func (a Action) String() string {
	switch a {
	case ActionWait:
		return "wait"
	case ActionRestart:
		return "restart"
	case ActionResession:
		return "resession"
	case ActionFail:
		return "fail"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Decision is the engine's answer to one failure report.
type Decision struct {
	Action Action
	Layer  Layer
	Delay  time.Duration // how long to wait before acting
	Err    error         // why; for ActionFail the terminal error
}

// Engine tracks one session's recovery episode and budget. It is owned by
// the session supervisor goroutine and is not safe for concurrent use.
type Engine struct {
	policy Policy
	now    func() time.Time

	restarts   []time.Time
	resessions []time.Time

	recovering   bool
	since        time.Time
	waits        int
	attempts     int
	runningSince time.Time
}

func New(p Policy) *Engine {
	return &Engine{policy: p, now: time.Now}
}

// WithClock replaces the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) Policy() Policy { return e.policy }

// Bridging reports whether the tail replay and null fill may run.
func (e *Engine) Bridging() bool { return e.policy.MaxLayer >= LayerBridge }

// Recovering reports whether an episode is open.
func (e *Engine) Recovering() bool { return e.recovering }

// Elapsed is the time since the current episode began.
func (e *Engine) Elapsed() time.Duration {
	if !e.recovering {
		return 0
	}
	return e.now().Sub(e.since)
}

// Running marks the start of healthy output (first bytes or a completed
// recovery).
func (e *Engine) Running() {
	e.recovering = false
	e.runningSince = e.now()
}

// Tick clears the budget once output has been healthy for ResetAfter.
func (e *Engine) Tick() {
	if e.recovering || e.runningSince.IsZero() {
		return
	}
	if e.now().Sub(e.runningSince) >= e.policy.ResetAfter && (len(e.restarts) > 0 || len(e.resessions) > 0) {
		e.restarts = e.restarts[:0]
		e.resessions = e.resessions[:0]
	}
}

// Used returns the restarts and re-sessions spent inside the budget window.
func (e *Engine) Used() (restarts, resessions int) {
	e.prune()
	return len(e.restarts), len(e.resessions)
}

// Decide answers a failure report. runnerAlive says whether the current
// runner process is still up (only then can it reconnect in-process).
func (e *Engine) Decide(err error, runnerAlive bool) Decision {
	now := e.now()
	if !e.recovering {
		e.recovering = true
		e.since = now
		e.waits = 0
		e.attempts = 0
	}
	elapsed := now.Sub(e.since)
	p := e.policy
	kind := fault.KindOf(err)

	if kind.Terminal() {
		return Decision{Action: ActionFail, Err: err}
	}

	if kind == fault.UpstreamRateLimited {
		delay := p.RateLimitFloor
		if ra := fault.RetryAfterOf(err); ra > delay {
			delay = ra
		}
		switch {
		case p.MaxLayer >= LayerResession:
			return e.spend(LayerResession, delay, err)
		case p.MaxLayer >= LayerRestart:
			return e.spend(LayerRestart, delay, err)
		}
		return Decision{Action: ActionFail, Err: err}
	}

	if runnerAlive && elapsed < p.ReconnectWindow {
		d := p.Backoff(e.waits)
		e.waits++
		if rest := p.ReconnectWindow - elapsed; d > rest {
			d = rest
		}
		return Decision{Action: ActionWait, Layer: LayerReconnect, Delay: d, Err: err}
	}
	if p.MaxLayer < LayerRestart {
		if runnerAlive {
			return Decision{Action: ActionFail, Err: fault.Wrap(fault.StalledStream, "resilience", err)}
		}
		return Decision{Action: ActionFail, Err: err}
	}
	layer := LayerRestart
	if elapsed >= p.RestartWindow && p.MaxLayer >= LayerResession {
		layer = LayerResession
	}
	return e.spend(layer, p.Backoff(e.attempts), err)
}

func (e *Engine) spend(layer Layer, delay time.Duration, cause error) Decision {
	e.prune()
	now := e.now()
	switch layer {
	case LayerRestart:
		if len(e.restarts) >= e.policy.MaxRestarts {
			return e.exhausted(layer, cause)
		}
		e.restarts = append(e.restarts, now)
	case LayerResession:
		if len(e.resessions) >= e.policy.MaxResessions {
			return e.exhausted(layer, cause)
		}
		e.resessions = append(e.resessions, now)
	}
	e.attempts++
	action := ActionRestart
	if layer == LayerResession {
		action = ActionResession
	}
	return Decision{Action: action, Layer: layer, Delay: delay, Err: cause}
}

func (e *Engine) exhausted(layer Layer, cause error) Decision {
	inner := fmt.Errorf("%s budget spent", layer)
	if cause != nil {
		inner = fmt.Errorf("%s budget spent: %w", layer, cause)
	}
	err := &fault.Error{Kind: fault.BudgetExhausted, Op: "resilience", Err: inner}
	return Decision{Action: ActionFail, Layer: layer, Err: err}
}

func (e *Engine) prune() {
	cutoff := e.now().Add(-e.policy.BudgetWindow)
	e.restarts = dropBefore(e.restarts, cutoff)
	e.resessions = dropBefore(e.resessions, cutoff)
}

func dropBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}
