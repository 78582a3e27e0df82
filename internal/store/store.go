// Package store reads channels, streams and processing profiles from the
// SQLite database owned by the admin side of the system. The bridge only
// ever opens it read-only and serves lookups from an in-memory snapshot.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/snapetech/hdhrbridge/internal/catalog"
)

// Source is what the HTTP layer and session manager read from.
type Source interface {
	Snapshot() *catalog.Snapshot
	ScanInProgress() bool
}

// Store is a read-only view over the database at Path.
type Store struct {
	Path    string
	Refresh time.Duration // periodic reload; 0 disables
	Settle  time.Duration // quiet period after a write before reloading

	db       *sql.DB
	log      zerolog.Logger
	snap     atomic.Pointer[catalog.Snapshot]
	scanning atomic.Bool
}

// Open opens path read-only and loads the first snapshot. A database that
// cannot be read is a startup failure.
func Open(ctx context.Context, path string, log zerolog.Logger) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("store: empty DB path")
	}
	dsn := "file:" + path + "?mode=ro&_pragma=busy_timeout(5000)&_pragma=query_only(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	db.SetMaxOpenConns(2)
	s := &Store{
		Path:    path,
		Refresh: 30 * time.Second,
		Settle:  time.Second,
		db:      db,
		log:     log,
	}
	if err := s.Reload(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Snapshot returns the most recently loaded snapshot.
func (s *Store) Snapshot() *catalog.Snapshot { return s.snap.Load() }

// ScanInProgress is true between an observed write to the database and the
// reload that follows it.
func (s *Store) ScanInProgress() bool { return s.scanning.Load() }

// Reload reads a fresh snapshot. On error the previous snapshot stays.
func (s *Store) Reload(ctx context.Context) error {
	snap, err := Load(ctx, s.db)
	if err != nil {
		return err
	}
	s.snap.Store(snap)
	s.log.Debug().
		Int("channels", len(snap.Channels)).
		Int("streams", len(snap.Streams)).
		Int("profiles", len(snap.Profiles)).
		Msg("store snapshot loaded")
	return nil
}

// Run watches the database file for external writes and reloads
// periodically until ctx is done.
func (s *Store) Run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(s.Path)); err != nil {
		return fmt.Errorf("watch store dir: %w", err)
	}
	base := filepath.Base(s.Path)
	watched := map[string]bool{base: true, base + "-wal": true, base + "-journal": true}

	var tick <-chan time.Time
	if s.Refresh > 0 {
		t := time.NewTicker(s.Refresh)
		defer t.Stop()
		tick = t.C
	}
	settle := s.Settle
	if settle <= 0 {
		settle = time.Second
	}
	quiet := time.NewTimer(settle)
	quiet.Stop()
	defer quiet.Stop()

	reload := func(reason string) {
		if err := s.Reload(ctx); err != nil {
			s.log.Warn().Err(err).Str("reason", reason).Msg("store reload failed; keeping previous snapshot")
		}
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !watched[filepath.Base(ev.Name)] || ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !s.scanning.Swap(true) {
				s.log.Info().Str("file", filepath.Base(ev.Name)).Msg("store change detected; scan in progress")
			}
			quiet.Reset(settle)
		case <-quiet.C:
			reload("change")
			s.scanning.Store(false)
		case <-tick:
			if !s.scanning.Load() {
				reload("refresh")
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn().Err(err).Msg("store watcher error")
		}
	}
}

// Static is a fixed Source, used when no database is configured and in tests.
type Static struct {
	Snap     *catalog.Snapshot
	Scanning bool
}

func (s *Static) Snapshot() *catalog.Snapshot { return s.Snap }
func (s *Static) ScanInProgress() bool        { return s.Scanning }
