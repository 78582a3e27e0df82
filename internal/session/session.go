// Package session owns live stream sessions. One supervisor goroutine per
// session serializes every state change: it starts and replaces runners,
// feeds the tail ring, asks the resilience engine what to do on failure and
// keeps the client fed with paced tail or null packets while it recovers.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snapetech/hdhrbridge/internal/catalog"
	"github.com/snapetech/hdhrbridge/internal/clientkind"
	"github.com/snapetech/hdhrbridge/internal/fault"
	"github.com/snapetech/hdhrbridge/internal/journal"
	"github.com/snapetech/hdhrbridge/internal/metrics"
	"github.com/snapetech/hdhrbridge/internal/probe"
	"github.com/snapetech/hdhrbridge/internal/profile"
	"github.com/snapetech/hdhrbridge/internal/resilience"
	"github.com/snapetech/hdhrbridge/internal/runner"
	"github.com/snapetech/hdhrbridge/internal/tspkt"
)

var (
	ErrNotFound         = errors.New("session not found")
	ErrConsumerAttached = errors.New("session already has a consumer")
	ErrClosed           = errors.New("session closed")
	ErrConsumerClosed   = errors.New("consumer closed")
)

// Releaser gives back whatever admission the session was granted.
type Releaser interface {
	Release()
}

// Request is what the dispatcher knows when it opens a session.
type Request struct {
	// ID is the session id the client asked for, typically one handed out
	// by a HEAD. It is used when it is a well-formed id not live and not in
	// the journal; otherwise a fresh one is minted.
	ID string

	Snapshot  *catalog.Snapshot
	Channel   catalog.Channel
	Stream    catalog.Stream
	Kind      clientkind.Kind
	Resilient *bool    // ?resilient= override, nil when absent
	Slot      Releaser // released when the session ends; may be nil
}

// Session is one channel being streamed to (at most) one client.
type Session struct {
	id      string
	req     Request
	cfg     *Config
	log     zerolog.Logger
	started time.Time
	traits  clientkind.Traits
	engine  *resilience.Engine

	ctx    context.Context
	cancel context.CancelFunc

	firstBytes chan struct{}
	done       chan struct{}
	stopCh     chan string
	ctrl       chan ctrlEvent
	resumeCh   chan struct{}

	pacer *tspkt.Pacer
	meter *tspkt.BitrateMeter

	// Guarded by mu. The supervisor writes ring and state; consumers read.
	mu          sync.Mutex
	state       State
	steps       []Step
	ring        *tspkt.Ring
	cursor      int64
	wake        chan struct{}
	consumer    *Consumer
	pacing      bool
	retrying    bool
	paused      bool
	pauses      int
	ended       bool
	err         error
	delivered   int64
	nulls       int64
	skipped     int64
	runnerStart int
	streamed    bool // some runner produced output
	pid         int
	cur         *runner.Runner
	stderr      string
	prevStderr  string
	resolved    profile.Resolved
	desc        *probe.Descriptor
	recoveries  []journal.Recovery
	endedAt     time.Time
}

type ctrlEvent int

const (
	ctrlAttach ctrlEvent = iota
	ctrlDetach
)

func (s *Session) ID() string                  { return s.id }
func (s *Session) ChannelID() string           { return s.req.Channel.ID }
func (s *Session) Kind() clientkind.Kind       { return s.req.Kind }
func (s *Session) StartedAt() time.Time        { return s.started }
func (s *Session) FirstBytes() <-chan struct{} { return s.firstBytes }
func (s *Session) Done() <-chan struct{}       { return s.done }

// Persistent reports whether recovery beyond in-process reconnects is on.
func (s *Session) Persistent() bool {
	return s.engine.Policy().MaxLayer >= resilience.LayerRestart
}

// Bridging reports whether the session fills recovery gaps for its client.
func (s *Session) Bridging() bool { return s.engine.Bridging() }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err is the terminal error of a FAILED session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) HasConsumer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumer != nil
}

// RetryPending reports whether the session has not produced bytes yet but
// is waiting out a recovery delay rather than failing.
func (s *Session) RetryPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retrying && s.state == StateProbing
}

func (s *Session) Trajectory() []Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Step(nil), s.steps...)
}

// Info is a point-in-time view for the admin API.
type Info struct {
	ID             string             `json:"id"`
	ChannelID      string             `json:"channel_id"`
	StreamID       string             `json:"stream_id"`
	ClientKind     clientkind.Kind    `json:"client_kind"`
	State          State              `json:"state"`
	StartedAt      time.Time          `json:"started_at"`
	HasConsumer    bool               `json:"has_consumer"`
	Persistent     bool               `json:"persistent"`
	ProfileID      string             `json:"profile_id,omitempty"`
	UpstreamURL    string             `json:"upstream_url,omitempty"`
	Dynamic        bool               `json:"dynamic"`
	RunnerPID      int                `json:"runner_pid,omitempty"`
	RunnerRSS      uint64             `json:"runner_rss,omitempty"`
	RunnerStarts   int                `json:"runner_starts"`
	BytesDelivered int64              `json:"bytes_delivered"`
	NullPackets    int64              `json:"null_packets"`
	SkippedBytes   int64              `json:"skipped_bytes"`
	Paused         bool               `json:"paused"`
	Pauses         int                `json:"pauses"`
	TailBytes      int                `json:"tail_bytes"`
	Recoveries     []journal.Recovery `json:"recoveries,omitempty"`
	Trajectory     []Step             `json:"trajectory"`
	StderrTail     string             `json:"stderr_tail,omitempty"`
	Error          string             `json:"error,omitempty"`
}

func (s *Session) Info() Info {
	s.mu.Lock()
	info := Info{
		ID:             s.id,
		ChannelID:      s.req.Channel.ID,
		StreamID:       s.req.Stream.ID,
		ClientKind:     s.req.Kind,
		State:          s.state,
		StartedAt:      s.started,
		HasConsumer:    s.consumer != nil,
		Persistent:     s.engine.Policy().MaxLayer >= resilience.LayerRestart,
		ProfileID:      s.resolved.ProfileID,
		Dynamic:        s.resolved.Dynamic,
		RunnerPID:      s.pid,
		RunnerStarts:   s.runnerStart,
		BytesDelivered: s.delivered,
		NullPackets:    s.nulls,
		SkippedBytes:   s.skipped,
		Paused:         s.paused,
		Pauses:         s.pauses,
		TailBytes:      s.ring.Len(),
		Recoveries:     append([]journal.Recovery(nil), s.recoveries...),
		Trajectory:     append([]Step(nil), s.steps...),
		StderrTail:     s.stderr,
	}
	if s.desc != nil {
		info.UpstreamURL = s.desc.FinalURL
	}
	if s.err != nil {
		info.Error = s.err.Error()
	}
	cur := s.cur
	s.mu.Unlock()
	if cur != nil && info.RunnerPID != 0 {
		info.RunnerRSS = cur.RSS()
	}
	return info
}

// Attach makes c the session's only consumer. A DRAINING session returns
// to RUNNING.
func (s *Session) Attach() (*Consumer, error) {
	s.mu.Lock()
	if s.ended || s.state.Terminal() {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.consumer != nil {
		s.mu.Unlock()
		return nil, ErrConsumerAttached
	}
	c := &Consumer{s: s, closed: make(chan struct{})}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	s.consumer = c
	s.mu.Unlock()
	s.send(ctrlAttach)
	return c, nil
}

// Stop ends the session from outside (admin stop, shutdown).
func (s *Session) Stop(reason string) {
	select {
	case s.stopCh <- reason:
	case <-s.done:
	}
}

func (s *Session) send(ev ctrlEvent) {
	select {
	case s.ctrl <- ev:
	case <-s.done:
	}
}

func (s *Session) broadcastLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// Consumer reads one client's view of the session.
type Consumer struct {
	s       *Session
	ctx     context.Context
	cancel  context.CancelFunc
	closed  chan struct{}
	once    sync.Once
	reading bool // guarded by s.mu
}

// Session returns the session c is attached to.
func (c *Consumer) Session() *Session { return c.s }

// Read delivers whole packets from the tail. It blocks until data is
// available, the session ends (io.EOF once the tail is drained) or the
// consumer is closed. p must hold at least one packet.
func (c *Consumer) Read(p []byte) (int, error) {
	if len(p) < tspkt.PacketSize {
		return 0, io.ErrShortBuffer
	}
	s := c.s
	for {
		s.mu.Lock()
		select {
		case <-c.closed:
			s.mu.Unlock()
			return 0, ErrConsumerClosed
		default:
		}
		c.reading = true
		n, next, skipped := s.ring.ReadAt(s.cursor, p)
		if n > 0 {
			s.cursor = next
			s.delivered += int64(n)
			s.skipped += skipped
			pacing := s.pacing
			resume := s.paused && s.ring.End()-s.cursor <= int64(s.ring.Cap()/2)
			s.mu.Unlock()

			metrics.BytesDelivered.Add(float64(n))
			if skipped > 0 {
				s.log.Debug().Int64("skipped", skipped).Msg("consumer fell behind the tail")
			}
			if resume {
				select {
				case s.resumeCh <- struct{}{}:
				default:
				}
			}
			if pacing {
				// Only errors when the consumer is closed; the bytes are
				// still theirs.
				_ = s.pacer.Wait(c.ctx, n)
			}
			return n, nil
		}
		if s.ended {
			s.mu.Unlock()
			return 0, io.EOF
		}
		wake := s.wake
		s.mu.Unlock()
		select {
		case <-wake:
		case <-c.closed:
			return 0, ErrConsumerClosed
		}
	}
}

// Close detaches the consumer; the session starts draining. Safe to call
// more than once.
func (c *Consumer) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.cancel()
		s := c.s
		s.mu.Lock()
		if s.consumer == c {
			s.consumer = nil
		}
		s.mu.Unlock()
		s.send(ctrlDetach)
	})
	return nil
}

func (s *Session) setState(to State, reason string) error {
	s.mu.Lock()
	from := s.state
	if !CanTransition(from, to) {
		s.mu.Unlock()
		s.log.Error().Stringer("from", from).Stringer("to", to).Str("reason", reason).Msg("illegal transition")
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	s.state = to
	s.steps = append(s.steps, Step{From: from, To: to, At: time.Now(), Reason: reason})
	s.broadcastLocked()
	s.mu.Unlock()
	metrics.RecordTransition(from.String(), to.String())
	s.log.Debug().Stringer("from", from).Stringer("to", to).Str("reason", reason).Msg("session transition")
	return nil
}

func (s *Session) record() journal.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := journal.Record{
		SessionID:      s.id,
		ChannelID:      s.req.Channel.ID,
		StreamID:       s.req.Stream.ID,
		ClientKind:     string(s.req.Kind),
		ProfileID:      s.resolved.ProfileID,
		StartedAt:      s.started,
		EndedAt:        s.endedAt,
		FinalState:     s.state.String(),
		BytesDelivered: s.delivered,
		NullPackets:    s.nulls,
		RunnerStarts:   s.runnerStart,
		Recoveries:     append([]journal.Recovery(nil), s.recoveries...),
		StderrTail:     s.stderr,
		PrevStderrTail: s.prevStderr,
	}
	if s.err != nil {
		rec.Error = s.err.Error()
		rec.FaultKind = fault.KindOf(s.err).String()
	}
	for _, st := range s.steps {
		rec.Trajectory = append(rec.Trajectory, journal.Transition{
			From: st.From.String(), To: st.To.String(), At: st.At, Reason: st.Reason,
		})
	}
	return rec
}

func recoveryEntry(seq int, d resilience.Decision, cause error) journal.Recovery {
	r := journal.Recovery{
		Seq:    seq,
		At:     time.Now(),
		Layer:  d.Layer.String(),
		Action: d.Action.String(),
		Delay:  d.Delay,
	}
	if cause != nil {
		r.Cause = cause.Error()
	}
	return r
}

// trajectoryStrings renders the trajectory compactly for the terminal log.
func trajectoryStrings(steps []Step) []string {
	out := make([]string, 0, len(steps))
	for _, st := range steps {
		v := st.To.String()
		if st.Reason != "" {
			v += "(" + st.Reason + ")"
		}
		out = append(out, v)
	}
	return out
}
