// Package journal persists one brotli-compressed JSON record per finished
// session under DATA_PATH/sessions.
package journal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

const suffix = ".json.br"

// ErrNotFound is returned by Read for an unknown session id.
var ErrNotFound = errors.New("journal: not found")

// Transition is one step of a session's state trajectory.
type Transition struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Recovery is one action taken by the resilience engine.
type Recovery struct {
	Seq    int           `json:"seq"`
	At     time.Time     `json:"at"`
	Layer  string        `json:"layer"`
	Action string        `json:"action"`
	Delay  time.Duration `json:"delay_ns,omitempty"`
	Cause  string        `json:"cause,omitempty"`
}

// Record is what gets written when a session ends.
type Record struct {
	SessionID      string       `json:"session_id"`
	ChannelID      string       `json:"channel_id"`
	StreamID       string       `json:"stream_id,omitempty"`
	ClientKind     string       `json:"client_kind"`
	ProfileID      string       `json:"profile_id,omitempty"`
	StartedAt      time.Time    `json:"started_at"`
	EndedAt        time.Time    `json:"ended_at"`
	FinalState     string       `json:"final_state"`
	Error          string       `json:"error,omitempty"`
	FaultKind      string       `json:"fault_kind,omitempty"`
	BytesDelivered int64        `json:"bytes_delivered"`
	NullPackets    int64        `json:"null_packets"`
	RunnerStarts   int          `json:"runner_starts"`
	Trajectory     []Transition `json:"trajectory"`
	Recoveries     []Recovery   `json:"recoveries,omitempty"`
	StderrTail     string       `json:"stderr_tail,omitempty"`
	PrevStderrTail string       `json:"prev_stderr_tail,omitempty"`
}

// Journal writes records into dir. A zero Journal (empty dir) discards
// everything.
type Journal struct {
	dir string
}

// New returns a journal rooted at dataPath/sessions, creating it.
func New(dataPath string) (*Journal, error) {
	if dataPath == "" {
		return &Journal{}, nil
	}
	dir := filepath.Join(dataPath, "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	return &Journal{dir: dir}, nil
}

// Dir is the directory records are written to.
func (j *Journal) Dir() string { return j.dir }

func (j *Journal) path(id string) string {
	return filepath.Join(j.dir, sanitize(id)+suffix)
}

// Write stores rec atomically (temp file + rename).
func (j *Journal) Write(rec Record) error {
	if j == nil || j.dir == "" {
		return nil
	}
	if rec.SessionID == "" {
		return errors.New("journal: record without session id")
	}
	var buf bytes.Buffer
	bw := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if err := json.NewEncoder(bw).Encode(rec); err != nil {
		return fmt.Errorf("journal: encode: %w", err)
	}
	if err := bw.Close(); err != nil {
		return fmt.Errorf("journal: compress: %w", err)
	}

	tmp, err := os.CreateTemp(j.dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("journal: create temp: %w", err)
	}
	tmpName := tmp.Name()
	_, writeErr := tmp.Write(buf.Bytes())
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tmpName)
		if writeErr != nil {
			return fmt.Errorf("journal: write: %w", writeErr)
		}
		return fmt.Errorf("journal: close: %w", closeErr)
	}
	if err := os.Rename(tmpName, j.path(rec.SessionID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("journal: rename: %w", err)
	}
	return nil
}

// Read loads the record for a session id.
func (j *Journal) Read(id string) (*Record, error) {
	if j == nil || j.dir == "" {
		return nil, ErrNotFound
	}
	f, err := os.Open(j.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	defer f.Close()
	var rec Record
	if err := json.NewDecoder(brotli.NewReader(f)).Decode(&rec); err != nil && err != io.EOF {
		return nil, fmt.Errorf("journal: decode %s: %w", id, err)
	}
	return &rec, nil
}

// List returns the session ids that have a record, oldest first. ULIDs
// sort by creation time so name order is enough.
func (j *Journal) List() ([]string, error) {
	if j == nil || j.dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, suffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, suffix))
	}
	sort.Strings(ids)
	return ids, nil
}

// Prune removes records older than maxAge by modification time and
// returns how many were removed.
func (j *Journal) Prune(maxAge time.Duration, now time.Time) (int, error) {
	if j == nil || j.dir == "" || maxAge <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return 0, fmt.Errorf("journal: %w", err)
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) <= maxAge {
			continue
		}
		if os.Remove(filepath.Join(j.dir, e.Name())) == nil {
			n++
		}
	}
	return n, nil
}

func sanitize(id string) string {
	s := strings.NewReplacer("/", "_", "\\", "_", "\x00", "_", "..", "_").Replace(id)
	if s == "" {
		s = "unknown"
	}
	return s
}
