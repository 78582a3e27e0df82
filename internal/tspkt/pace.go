package tspkt

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Pacer releases bytes at a real-time rate derived from a bitrate.
type Pacer struct {
	lim *rate.Limiter
}

// NewPacer returns a pacer for bitsPerSecond (DefaultBitrate when <= 0).
func NewPacer(bitsPerSecond int64) *Pacer {
	bps := normalizeBitrate(bitsPerSecond)
	return &Pacer{lim: rate.NewLimiter(rate.Limit(bps/8), burstFor(bps))}
}

// SetBitrate changes the pace.
func (p *Pacer) SetBitrate(bitsPerSecond int64) {
	bps := normalizeBitrate(bitsPerSecond)
	p.lim.SetLimit(rate.Limit(bps / 8))
	p.lim.SetBurst(burstFor(bps))
}

// Wait blocks until n bytes may be released.
func (p *Pacer) Wait(ctx context.Context, n int) error {
	for n > 0 {
		step := n
		if b := p.lim.Burst(); step > b {
			step = b
		}
		if err := p.lim.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// PacketsPer returns how many whole packets the bitrate carries in d, at
// least one.
func PacketsPer(bitsPerSecond int64, d time.Duration) int {
	bps := normalizeBitrate(bitsPerSecond)
	n := int(float64(bps/8) * d.Seconds() / PacketSize)
	if n < 1 {
		n = 1
	}
	return n
}

func normalizeBitrate(bps int64) int64 {
	if bps <= 0 {
		return DefaultBitrate
	}
	return bps
}

// burstFor allows roughly 100 ms of data in one go, in whole packets.
func burstFor(bps int64) int {
	b := int(bps / 8 / 10)
	b -= b % PacketSize
	if b < 8*PacketSize {
		b = 8 * PacketSize
	}
	return b
}

// BitrateMeter estimates throughput over a sliding window.
type BitrateMeter struct {
	mu      sync.Mutex
	window  time.Duration
	samples []sample
	total   int64
}

type sample struct {
	at time.Time
	n  int64
}

// NewBitrateMeter returns a meter over window (10 s when <= 0).
func NewBitrateMeter(window time.Duration) *BitrateMeter {
	if window <= 0 {
		window = 10 * time.Second
	}
	return &BitrateMeter{window: window}
}

// Observe records n bytes at now.
func (m *BitrateMeter) Observe(now time.Time, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, sample{at: now, n: int64(n)})
	m.total += int64(n)
	m.prune(now)
}

// BitsPerSecond returns the observed rate, or 0 when less than a second of
// data has been seen inside the window.
func (m *BitrateMeter) BitsPerSecond(now time.Time) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune(now)
	if len(m.samples) < 2 {
		return 0
	}
	span := now.Sub(m.samples[0].at)
	if span < time.Second {
		return 0
	}
	return int64(float64(m.total*8) / span.Seconds())
}

func (m *BitrateMeter) prune(now time.Time) {
	cut := now.Add(-m.window)
	i := 0
	for i < len(m.samples) && m.samples[i].at.Before(cut) {
		m.total -= m.samples[i].n
		i++
	}
	if i > 0 {
		m.samples = append(m.samples[:0], m.samples[i:]...)
	}
}
