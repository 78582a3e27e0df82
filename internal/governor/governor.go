// Package governor admits stream requests against the tuner count, an
// optional per-channel cap and host load. Its active count is what the
// emulator reports as tuners in use.
package governor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snapetech/hdhrbridge/internal/metrics"
)

// ErrRejected matches every *Rejection.
var ErrRejected = errors.New("admission rejected")

// Reason says why a request was not admitted.
type Reason string

const (
	ReasonCapacity Reason = "capacity"
	ReasonChannel  Reason = "channel"
	ReasonLoad     Reason = "load"
	ReasonTimeout  Reason = "timeout"
)

const (
	capacityRetryAfter = 10 * time.Second
	loadRetryAfter     = 30 * time.Second
)

// Rejection is returned by Admit and Check when a request is refused.
type Rejection struct {
	Reason     Reason
	RetryAfter time.Duration
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("admission rejected: %s (retry after %s)", r.Reason, r.RetryAfter)
}

func (r *Rejection) Is(target error) bool { return target == ErrRejected }

// Config sets the limits. Zero MaxPerChannel, Wait or LoadThreshold turn
// that check off.
type Config struct {
	MaxSessions   int
	MaxPerChannel int
	Wait          time.Duration // how long Admit may queue for a slot
	LoadThreshold float64       // per-CPU 1-minute load average
	Load          LoadFunc      // defaults to HostLoad
	Log           zerolog.Logger
}

// Governor is safe for concurrent use.
type Governor struct {
	cfg  Config
	load *cachedLoad

	mu         sync.Mutex
	active     int
	perChannel map[string]int
	waiters    []*waiter
}

type waiter struct {
	channel string
	ready   chan *Slot
}

// Slot is one admitted stream. Release returns it; calling Release more
// than once is harmless.
type Slot struct {
	g        *Governor
	channel  string
	acquired time.Time
	once     sync.Once
}

func (s *Slot) Channel() string       { return s.channel }
func (s *Slot) AcquiredAt() time.Time { return s.acquired }

func (s *Slot) Release() {
	s.once.Do(func() { s.g.release(s.channel) })
}

func New(cfg Config) *Governor {
	if cfg.MaxSessions < 1 {
		cfg.MaxSessions = 1
	}
	if cfg.Load == nil {
		cfg.Load = HostLoad
	}
	return &Governor{
		cfg:        cfg,
		load:       &cachedLoad{fn: cfg.Load, ttl: 5 * time.Second},
		perChannel: make(map[string]int),
	}
}

// Max is the tuner count.
func (g *Governor) Max() int { return g.cfg.MaxSessions }

// Active is the number of slots held.
func (g *Governor) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// ActiveFor is the number of slots held for channel.
func (g *Governor) ActiveFor(channel string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.perChannel[channel]
}

// Waiting is the number of queued Admit calls.
func (g *Governor) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}

// Check reports whether Admit would succeed right now without taking a
// slot. HEAD requests use it.
func (g *Governor) Check(ctx context.Context, channel string) error {
	if rej := g.checkLoad(ctx); rej != nil {
		return rej
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if reason, ok := g.admissibleLocked(channel); !ok || g.queuedAdmissibleLocked() {
		if ok {
			reason = ReasonCapacity
		}
		return &Rejection{Reason: reason, RetryAfter: capacityRetryAfter}
	}
	return nil
}

// Admit takes a slot for channel, queueing up to Config.Wait when full.
func (g *Governor) Admit(ctx context.Context, channel string) (*Slot, error) {
	if rej := g.checkLoad(ctx); rej != nil {
		metrics.RecordAdmission(string(rej.Reason))
		return nil, rej
	}

	g.mu.Lock()
	reason, ok := g.admissibleLocked(channel)
	if ok && !g.queuedAdmissibleLocked() {
		s := g.takeLocked(channel)
		g.mu.Unlock()
		metrics.RecordAdmission("admitted")
		return s, nil
	}
	if g.cfg.Wait <= 0 {
		g.mu.Unlock()
		if ok {
			reason = ReasonCapacity
		}
		metrics.RecordAdmission(string(reason))
		g.cfg.Log.Debug().Str("channel_id", channel).Str("reason", string(reason)).Msg("admission rejected")
		return nil, &Rejection{Reason: reason, RetryAfter: capacityRetryAfter}
	}
	w := &waiter{channel: channel, ready: make(chan *Slot, 1)}
	g.waiters = append(g.waiters, w)
	metrics.AdmissionWaiting.Set(float64(len(g.waiters)))
	g.mu.Unlock()

	t := time.NewTimer(g.cfg.Wait)
	defer t.Stop()
	select {
	case s := <-w.ready:
		metrics.RecordAdmission("admitted")
		return s, nil
	case <-t.C:
		if s := g.abandon(w); s != nil {
			metrics.RecordAdmission("admitted")
			return s, nil
		}
		metrics.RecordAdmission(string(ReasonTimeout))
		return nil, &Rejection{Reason: ReasonTimeout, RetryAfter: capacityRetryAfter}
	case <-ctx.Done():
		if s := g.abandon(w); s != nil {
			s.Release()
		}
		return nil, ctx.Err()
	}
}

// abandon removes w from the queue. If w was granted a slot in the
// meantime that slot is returned instead.
func (g *Governor) abandon(w *waiter) *Slot {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, x := range g.waiters {
		if x == w {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			metrics.AdmissionWaiting.Set(float64(len(g.waiters)))
			return nil
		}
	}
	return <-w.ready
}

func (g *Governor) checkLoad(ctx context.Context) *Rejection {
	if g.cfg.LoadThreshold <= 0 {
		return nil
	}
	l, err := g.load.get(ctx)
	if err != nil {
		g.cfg.Log.Debug().Err(err).Msg("load sample failed, not shedding")
		return nil
	}
	if l > g.cfg.LoadThreshold {
		g.cfg.Log.Warn().Float64("load_per_cpu", l).Float64("threshold", g.cfg.LoadThreshold).Msg("shedding load")
		return &Rejection{Reason: ReasonLoad, RetryAfter: loadRetryAfter}
	}
	return nil
}

func (g *Governor) admissibleLocked(channel string) (Reason, bool) {
	if g.active >= g.cfg.MaxSessions {
		return ReasonCapacity, false
	}
	if g.cfg.MaxPerChannel > 0 && g.perChannel[channel] >= g.cfg.MaxPerChannel {
		return ReasonChannel, false
	}
	return "", true
}

// queuedAdmissibleLocked reports whether a queued request could take a slot
// now. Waiters held back by their own channel cap do not hold up requests
// for other channels.
func (g *Governor) queuedAdmissibleLocked() bool {
	for _, w := range g.waiters {
		if _, ok := g.admissibleLocked(w.channel); ok {
			return true
		}
	}
	return false
}

func (g *Governor) takeLocked(channel string) *Slot {
	g.active++
	g.perChannel[channel]++
	metrics.TunersInUse.Set(float64(g.active))
	return &Slot{g: g, channel: channel, acquired: time.Now()}
}

func (g *Governor) release(channel string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active--
	if g.perChannel[channel]--; g.perChannel[channel] <= 0 {
		delete(g.perChannel, channel)
	}
	// Hand freed capacity to queued requests in arrival order, skipping
	// those whose channel is still at its cap.
	kept := g.waiters[:0]
	for _, w := range g.waiters {
		if _, ok := g.admissibleLocked(w.channel); ok {
			w.ready <- g.takeLocked(w.channel)
			continue
		}
		kept = append(kept, w)
	}
	for i := len(kept); i < len(g.waiters); i++ {
		g.waiters[i] = nil
	}
	g.waiters = kept
	metrics.TunersInUse.Set(float64(g.active))
	metrics.AdmissionWaiting.Set(float64(len(g.waiters)))
}
