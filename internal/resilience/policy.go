package resilience

import (
	"time"

	"github.com/snapetech/hdhrbridge/internal/clientkind"
)

// Policy holds the recovery windows and budget. DefaultPolicy gives the
// production values; tests shrink them.
type Policy struct {
	MaxLayer Layer

	ReconnectWindow time.Duration // layer 1 until this much recovery time has elapsed
	RestartWindow   time.Duration // layer 2 until this much, then layer 3
	RateLimitFloor  time.Duration

	BackoffBase time.Duration
	BackoffMax  time.Duration

	MaxRestarts   int
	MaxResessions int
	BudgetWindow  time.Duration
	ResetAfter    time.Duration // uninterrupted RUNNING that clears the budget
}

func DefaultPolicy() Policy {
	return Policy{
		MaxLayer:        LayerBridge,
		ReconnectWindow: 5 * time.Second,
		RestartWindow:   15 * time.Second,
		RateLimitFloor:  30 * time.Second,
		BackoffBase:     250 * time.Millisecond,
		BackoffMax:      2 * time.Second,
		MaxRestarts:     3,
		MaxResessions:   2,
		BudgetWindow:    2 * time.Minute,
		ResetAfter:      5 * time.Minute,
	}
}

// PolicyFor applies the client kind's layer ceiling. resilient, when set,
// overrides it: false keeps only in-process reconnects, true enables every
// layer.
func PolicyFor(kind clientkind.Kind, resilient *bool) Policy {
	p := DefaultPolicy()
	p.MaxLayer = Layer(kind.Traits().MaxLayer)
	if resilient != nil {
		if *resilient {
			p.MaxLayer = LayerBridge
		} else {
			p.MaxLayer = LayerReconnect
		}
	}
	return p
}

// Backoff is BackoffBase·2^n capped at BackoffMax.
func (p Policy) Backoff(n int) time.Duration {
	d := p.BackoffBase
	for i := 0; i < n && d < p.BackoffMax; i++ {
		d *= 2
	}
	if d > p.BackoffMax {
		d = p.BackoffMax
	}
	return d
}
