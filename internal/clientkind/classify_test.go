package clientkind

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyDefaults(t *testing.T) {
	c, err := NewClassifier("", zerolog.Nop())
	require.NoError(t, err)

	tests := []struct {
		name    string
		target  string
		ua      string
		headers map[string]string
		want    Kind
	}{
		{"plex server", "/stream/c1", "PlexMediaServer/1.40.0", nil, PlexLive},
		{"plex header only", "/stream/c1", "", map[string]string{"X-Plex-Product": "Plex Web"}, PlexLive},
		{"android tv", "/stream/c1", "Plex/9.0 (AndroidTV; Shield)", nil, AndroidTV},
		{"shield", "/stream/c1", "NVIDIA Shield", nil, AndroidTV},
		{"lavf recorder", "/stream/c1", "Lavf/60.3.100", nil, PlexDVR},
		{"vlc", "/stream/c1", "VLC/3.0.20 LibVLC/3.0.20", nil, VLC},
		{"browser", "/stream/c1", "Mozilla/5.0 (X11; Linux x86_64)", nil, WebBrowser},
		{"curl", "/stream/c1", "curl/8.0", nil, Generic},
		{"query override", "/stream/c1?client=android-tv", "curl/8.0", nil, AndroidTV},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.target, nil)
			r.Header.Set("User-Agent", tt.ua)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, c.Classify(r).Kind)
		})
	}
}

func TestClassifyResilientOverride(t *testing.T) {
	c, err := NewClassifier("", zerolog.Nop())
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/stream/c1?resilient=true", nil)
	res := c.Classify(r)
	require.NotNil(t, res.Resilient)
	assert.True(t, *res.Resilient)

	r = httptest.NewRequest("GET", "/stream/c1?resilient=false", nil)
	res = c.Classify(r)
	require.NotNil(t, res.Resilient)
	assert.False(t, *res.Resilient)

	r = httptest.NewRequest("GET", "/stream/c1?resilient=maybe", nil)
	assert.Nil(t, c.Classify(r).Resilient)
}

func TestParseRulesValidation(t *testing.T) {
	_, err := ParseRules([]byte("rules:\n  - kind: toaster\n    user_agent: [x]\n"))
	assert.ErrorContains(t, err, "unknown kind")

	_, err = ParseRules([]byte("rules:\n  - kind: vlc\n"))
	assert.ErrorContains(t, err, "needs user_agent")

	_, err = ParseRules([]byte("rules: []\n"))
	assert.Error(t, err)

	rules, err := ParseRules([]byte("rules:\n  - kind: Android-TV\n    user_agent: [BRAVIA]\n"))
	require.NoError(t, err)
	assert.Equal(t, AndroidTV, rules[0].Kind)
}

func TestClassifierHotReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clients.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - kind: vlc\n    user_agent: [Kodi]\n"), 0o644))

	c, err := NewClassifier(path, zerolog.Nop())
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/stream/c1", nil)
	req.Header.Set("User-Agent", "Kodi/21")
	assert.Equal(t, VLC, c.Classify(req).Kind)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - kind: android-tv\n    user_agent: [Kodi]\n"), 0o644))
	require.Eventually(t, func() bool {
		return c.Classify(req).Kind == AndroidTV
	}, 5*time.Second, 50*time.Millisecond)

	// A broken file keeps the previous table.
	require.NoError(t, os.WriteFile(path, []byte("rules: [\n"), 0o644))
	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, AndroidTV, c.Classify(req).Kind)
}

func TestTraits(t *testing.T) {
	assert.Equal(t, 10*time.Second, PlexLive.Traits().Stall)
	assert.Equal(t, 30*time.Second, PlexDVR.Traits().DrainGrace)
	assert.Equal(t, 15*time.Second, AndroidTV.Traits().Stall)
	assert.Equal(t, 60*time.Second, AndroidTV.Traits().DrainGrace)
	assert.Equal(t, 2, WebBrowser.Traits().MaxLayer)
	assert.Equal(t, 20*time.Second, Kind("unknown").Traits().Stall)
}
