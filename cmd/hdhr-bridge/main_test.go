package main

import (
	"bytes"
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/snapetech/hdhrbridge/internal/fault"
	"github.com/snapetech/hdhrbridge/internal/journal"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "none.env")}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "hdhr-bridge dev")
}

func TestServe_missingTranscoder(t *testing.T) {
	t.Setenv("TRANSCODER_PATH", filepath.Join(t.TempDir(), "no-such-ffmpeg"))
	_, err := execute(t, "serve")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.TranscoderMissing), err)
}

func TestServe_unreadableDB(t *testing.T) {
	t.Setenv("TRANSCODER_PATH", "/bin/sh")
	t.Setenv("DB_PATH", filepath.Join(t.TempDir(), "missing.db"))
	_, err := execute(t, "serve")
	require.Error(t, err)
}

func TestServe_invalidConfig(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_STREAMS", "0")
	_, err := execute(t, "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_CONCURRENT_STREAMS")
}

func TestLineup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`
CREATE TABLE channels (id TEXT PRIMARY KEY, name TEXT, number INTEGER, enabled INTEGER, epg_id TEXT, logo TEXT);
CREATE TABLE streams (id TEXT PRIMARY KEY, channel_id TEXT, name TEXT, url TEXT, type TEXT, enabled INTEGER, profile_id TEXT, connection_limits INTEGER);
CREATE TABLE processing_profiles (id TEXT PRIMARY KEY, name TEXT, is_system INTEGER, is_default INTEGER, config TEXT);
INSERT INTO channels VALUES ('c1','CNN',101,1,NULL,NULL), ('c2','Sky News',52,1,NULL,NULL), ('c3','Off Air',9,0,NULL,NULL);
INSERT INTO streams VALUES ('s1','c1','CNN','http://a.example/live.m3u8','hls',1,NULL,0), ('s2','c2','Sky','http://b.example/live.ts','ts',1,NULL,0);
`)
	require.NoError(t, err)
	require.NoError(t, db.Close())
	t.Setenv("DB_PATH", path)

	out, err := execute(t, "lineup")
	require.NoError(t, err)
	assert.Contains(t, out, "Sky News")
	assert.Contains(t, out, "2 playable of 3 channels")
	assert.Less(t, bytes.Index([]byte(out), []byte("Sky News")), bytes.Index([]byte(out), []byte("CNN")))
}

func TestProbe_requiresURL(t *testing.T) {
	_, err := execute(t, "probe")
	require.Error(t, err)
}

func TestCheck_unreachableBridge(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	out, err := execute(t, "check", "--url", url)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/healthz")
	assert.Contains(t, out, "FAIL")
}

func TestPruneJournal_removesExpiredRecords(t *testing.T) {
	j, err := journal.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, j.Write(journal.Record{SessionID: "old", FinalState: "CLOSED"}))
	require.NoError(t, j.Write(journal.Record{SessionID: "new", FinalState: "CLOSED"}))
	stale := time.Now().Add(-journalRetention - time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(j.Dir(), "old.json.br"), stale, stale))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, pruneJournal(ctx, j))

	ids, err := j.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, ids)
}
