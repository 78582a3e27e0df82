package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/snapetech/hdhrbridge/internal/catalog"
	"github.com/snapetech/hdhrbridge/internal/clientkind"
	"github.com/snapetech/hdhrbridge/internal/httpclient"
	"github.com/snapetech/hdhrbridge/internal/journal"
	"github.com/snapetech/hdhrbridge/internal/metrics"
	"github.com/snapetech/hdhrbridge/internal/probe"
	"github.com/snapetech/hdhrbridge/internal/profile"
	"github.com/snapetech/hdhrbridge/internal/resilience"
	"github.com/snapetech/hdhrbridge/internal/tspkt"
)

const (
	DefaultFirstBytes  = 30 * time.Second
	DefaultMaxLifetime = 12 * time.Hour
	DefaultProbe       = 10 * time.Second
	defaultTick        = 100 * time.Millisecond
)

// Prober is the upstream probe as seen by sessions.
type Prober interface {
	Probe(ctx context.Context, s catalog.Stream, timeout time.Duration) (*probe.Descriptor, error)
}

// Resolver turns a probed stream into a runnable command.
type Resolver interface {
	Resolve(snap *catalog.Snapshot, ch catalog.Channel, s catalog.Stream, kind clientkind.Kind, d *probe.Descriptor) profile.Resolved
}

// Config wires a Manager. Zero durations take the package defaults.
type Config struct {
	Binary   string
	Prober   Prober
	Resolver Resolver
	Locks    *httpclient.OriginLocks
	Journal  *journal.Journal

	// LockByIP keys origin locks by resolved address, matching the prober.
	LockByIP bool

	TailBytes    int
	NullBitrate  int64
	FirstBytes   time.Duration
	MaxLifetime  time.Duration
	ProbeTimeout time.Duration
	KillGrace    time.Duration
	Tick         time.Duration // supervisor housekeeping interval

	// Policy and Traits default to resilience.PolicyFor and Kind.Traits.
	Policy func(kind clientkind.Kind, resilient *bool) resilience.Policy
	Traits func(kind clientkind.Kind) clientkind.Traits

	Log zerolog.Logger
}

func (c *Config) withDefaults() {
	if c.TailBytes <= 0 {
		c.TailBytes = tspkt.DefaultTailBytes
	}
	if c.NullBitrate <= 0 {
		c.NullBitrate = tspkt.DefaultBitrate
	}
	if c.FirstBytes <= 0 {
		c.FirstBytes = DefaultFirstBytes
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = DefaultMaxLifetime
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbe
	}
	if c.Tick <= 0 {
		c.Tick = defaultTick
	}
	if c.Binary == "" {
		c.Binary = "ffmpeg"
	}
	if c.Prober == nil {
		c.Prober = probe.New(probe.Options{Log: c.Log})
	}
	if c.Resolver == nil {
		c.Resolver = profile.NewResolver(c.Log)
	}
	if c.Locks == nil {
		c.Locks = httpclient.NewOriginLocks()
	}
	if c.Policy == nil {
		c.Policy = resilience.PolicyFor
	}
	if c.Traits == nil {
		c.Traits = func(k clientkind.Kind) clientkind.Traits { return k.Traits() }
	}
}

// Manager is the registry of live sessions.
type Manager struct {
	cfg Config
	log zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closing  bool
	wg       sync.WaitGroup
}

func NewManager(cfg Config) *Manager {
	cfg.withDefaults()
	return &Manager{
		cfg:      cfg,
		log:      cfg.Log,
		sessions: make(map[string]*Session),
	}
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// Open creates a session and starts its supervisor. The session runs on
// its own context; ctx only gates creation.
func (m *Manager) Open(ctx context.Context, req Request) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Kind == "" {
		req.Kind = clientkind.Generic
	}
	id := req.ID
	if !m.reusable(id) {
		id = ""
	}
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if _, live := m.sessions[id]; id == "" || live {
		id = NewID()
	}
	s := m.newSession(id, req)
	m.sessions[id] = s
	m.wg.Add(1)
	m.mu.Unlock()

	metrics.SessionsOpened.WithLabelValues(string(req.Kind)).Inc()
	metrics.SessionsActive.Inc()
	s.log.Info().Str("stream_id", req.Stream.ID).Msg("session opened")
	go func() {
		defer m.wg.Done()
		s.run()
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		metrics.SessionsActive.Dec()
	}()
	return s, nil
}

// NewID mints a session id.
func NewID() string { return ulid.Make().String() }

// reusable reports whether a client-supplied id may name a new session.
func (m *Manager) reusable(id string) bool {
	if id == "" {
		return false
	}
	if _, err := ulid.ParseStrict(id); err != nil {
		return false
	}
	_, err := m.cfg.Journal.Read(id)
	return errors.Is(err, journal.ErrNotFound)
}

func (m *Manager) newSession(id string, req Request) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	traits := m.cfg.Traits(req.Kind)
	s := &Session{
		id:         id,
		req:        req,
		cfg:        &m.cfg,
		log:        m.log.With().Str("session_id", id).Str("channel_id", req.Channel.ID).Str("client", string(req.Kind)).Logger(),
		started:    time.Now(),
		traits:     traits,
		engine:     resilience.New(m.cfg.Policy(req.Kind, req.Resilient)),
		ctx:        ctx,
		cancel:     cancel,
		firstBytes: make(chan struct{}),
		done:       make(chan struct{}),
		stopCh:     make(chan string, 1),
		ctrl:       make(chan ctrlEvent, 8),
		resumeCh:   make(chan struct{}, 1),
		pacer:      tspkt.NewPacer(m.cfg.NullBitrate),
		meter:      tspkt.NewBitrateMeter(10 * time.Second),
		ring:       tspkt.NewRing(m.cfg.TailBytes),
		wake:       make(chan struct{}),
		state:      StateInit,
	}
	return s
}

// Attach re-attaches a consumer to the session with the given id.
func (m *Manager) Attach(id string) (*Consumer, error) {
	s, ok := m.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return s.Attach()
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns live sessions, oldest first.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Stop ends a session and waits for it to finish or ctx to expire.
func (m *Manager) Stop(ctx context.Context, id, reason string) error {
	s, ok := m.Get(id)
	if !ok {
		return ErrNotFound
	}
	s.Stop(reason)
	select {
	case <-s.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops every session and refuses new ones. It returns when all
// supervisors have exited or ctx expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()
	for _, s := range m.List() {
		s.Stop("shutdown")
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(ErrClosed, ctx.Err())
	}
}
