package profile

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapetech/hdhrbridge/internal/catalog"
	"github.com/snapetech/hdhrbridge/internal/clientkind"
	"github.com/snapetech/hdhrbridge/internal/probe"
)

func tmpl(args ...string) catalog.Template { return catalog.Template{Args: args} }

func testSnapshot() *catalog.Snapshot {
	profiles := []catalog.Profile{
		{ID: "default", IsDefault: true, Templates: map[clientkind.Kind]catalog.Template{
			clientkind.Generic: tmpl("-i", "{URL}", "-c", "copy", "-f", "mpegts", "pipe:1"),
		}},
		{ID: "plex", Templates: map[clientkind.Kind]catalog.Template{
			clientkind.PlexLive: tmpl("-re", "-i", "{URL}", "-c:v", "libx264", "-f", "mpegts", "pipe:1"),
		}},
		{ID: "android", Templates: map[clientkind.Kind]catalog.Template{
			clientkind.AndroidTV: tmpl("-i", "{URL}", "-c:a", "aac", "-f", "mpegts", "pipe:1"),
			clientkind.Generic:   tmpl("-i", "{URL}", "-c", "copy", "-f", "mpegts", "pipe:1"),
		}},
	}
	return catalog.NewSnapshot(nil, nil, profiles)
}

func TestTemplate_ResolutionOrder(t *testing.T) {
	r := NewResolver(zerolog.Nop())
	snap := testSnapshot()
	tests := []struct {
		name        string
		chProfile   string
		stProfile   string
		kind        clientkind.Kind
		wantProfile string
		wantSource  string
		wantKey     clientkind.Kind
	}{
		{"default generic", "", "", clientkind.PlexLive, "default", SourceDefault, clientkind.Generic},
		{"channel override", "plex", "", clientkind.PlexLive, "plex", SourceChannel, clientkind.PlexLive},
		{"stream beats channel", "plex", "android", clientkind.AndroidTV, "android", SourceStream, clientkind.AndroidTV},
		{"kind missing falls to generic", "", "android", clientkind.VLC, "android", SourceStream, clientkind.Generic},
		{"no usable template in override", "plex", "", clientkind.VLC, "default", SourceDefault, clientkind.Generic},
		{"unknown profile id", "ghost", "", clientkind.Generic, "default", SourceDefault, clientkind.Generic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := catalog.Channel{ID: "c1", ProfileID: tt.chProfile}
			s := catalog.Stream{ID: "s1", ProfileID: tt.stProfile}
			_, id, source, key := r.Template(snap, ch, s, tt.kind)
			assert.Equal(t, tt.wantProfile, id)
			assert.Equal(t, tt.wantSource, source)
			assert.Equal(t, tt.wantKey, key)
		})
	}
}

func TestResolve_Builtin(t *testing.T) {
	r := NewResolver(zerolog.Nop())
	snap := catalog.NewSnapshot(nil, nil, nil)
	d := &probe.Descriptor{FinalURL: "http://up/live.ts", Kind: catalog.KindTS, OriginKey: "http://up:80"}
	got := r.Resolve(snap, catalog.Channel{ID: "c1"}, catalog.Stream{ID: "s1", URL: "http://up/live.ts"}, clientkind.Generic, d)

	assert.Equal(t, SourceBuiltin, got.Source)
	assert.Equal(t, "", got.LockKey)
	joined := strings.Join(got.Args, " ")
	assert.True(t, strings.HasPrefix(joined, "-nostdin -hide_banner -loglevel error -fflags +discardcorrupt+genpts"), joined)
	assert.Contains(t, joined, "-reconnect 1 -reconnect_streamed 1 -reconnect_at_eof 1")
	assert.Contains(t, joined, "-i http://up/live.ts -map 0:v:0? -map 0:a? -c copy")
	assert.True(t, strings.HasSuffix(joined, "-mpegts_flags "+MPEGTSFlags+" -f mpegts pipe:1"), joined)
	assert.NotContains(t, joined, "{URL}")
}

func TestResolve_HeadersAndPostInput(t *testing.T) {
	r := NewResolver(zerolog.Nop())
	snap := catalog.NewSnapshot(nil, nil, []catalog.Profile{{
		ID: "p", IsDefault: true, Templates: map[clientkind.Kind]catalog.Template{
			clientkind.Generic: {
				Args:      []string{"-i", "{URL}", "-c", "copy", "-f", "mpegts", "pipe:1"},
				PreInput:  []string{"-analyzeduration", "5000000"},
				PostInput: []string{"-map", "0"},
				Timeouts:  &catalog.Timeouts{Probe: catalog.Duration(3 * time.Second), Stall: catalog.Duration(7 * time.Second)},
			},
		},
	}})
	d := &probe.Descriptor{
		FinalURL: "https://cdn/x/index.m3u8",
		Kind:     catalog.KindHLS,
		Headers:  probe.Headers{UserAgent: "VLC/3.0", Referer: "http://portal/", Extra: map[string]string{"X-B": "2", "X-A": "1"}},
		Dynamic:  true,
	}
	got := r.Resolve(snap, catalog.Channel{}, catalog.Stream{URL: "https://origin/x"}, clientkind.PlexLive, d)

	assert.True(t, got.Dynamic)
	assert.Equal(t, 3*time.Second, got.Timeouts.Probe)
	assert.Equal(t, 7*time.Second, got.Timeouts.Stall)
	assert.Zero(t, got.Timeouts.FirstBytes)

	idx := indexOf(got.Args, "-i")
	require.Greater(t, idx, 0)
	pre := strings.Join(got.Args[:idx], " ")
	assert.Contains(t, pre, "-user_agent VLC/3.0")
	assert.Contains(t, pre, "-referer http://portal/")
	assert.Contains(t, pre, "-headers X-A: 1\r\nX-B: 2\r\n")
	assert.Contains(t, pre, "-analyzeduration 5000000")
	assert.Contains(t, pre, "-reconnect 1 -reconnect_on_network_error 1")
	assert.NotContains(t, pre, "reconnect_at_eof", "segmented inputs must not reconnect at EOF")
	assert.Equal(t, []string{"-i", "https://cdn/x/index.m3u8", "-map", "0"}, got.Args[idx:idx+4])
}

func TestResolve_ConnectionLimits(t *testing.T) {
	r := NewResolver(zerolog.Nop())
	s := catalog.Stream{ID: "s1", URL: "http://up/live.ts", ConnectionLimits: true}
	d := &probe.Descriptor{FinalURL: "http://up/live.ts", Kind: catalog.KindTS, MaxConnections: 1, OriginKey: "http://up:80"}
	got := r.Resolve(nil, catalog.Channel{}, s, clientkind.Generic, d)

	assert.Equal(t, "http://up:80", got.LockKey)
	joined := strings.Join(got.Args, " ")
	assert.Contains(t, joined, "-user_agent "+probe.DefaultUserAgent)
	assert.Contains(t, joined, "Connection: close\r\n")
	assert.Contains(t, joined, "-multiple_requests 0")
}

func TestResolve_NonHTTPKindsGetNoHTTPOptions(t *testing.T) {
	r := NewResolver(zerolog.Nop())
	d := &probe.Descriptor{FinalURL: "rtmp://live/app/key", Kind: catalog.KindRTMP, Headers: probe.Headers{UserAgent: "x"}}
	got := r.Resolve(nil, catalog.Channel{}, catalog.Stream{URL: "rtmp://live/app/key"}, clientkind.Generic, d)
	joined := strings.Join(got.Args, " ")
	assert.NotContains(t, joined, "-user_agent")
	assert.NotContains(t, joined, "-reconnect")
	assert.Contains(t, joined, "-i rtmp://live/app/key")
}

func TestResolve_WithoutDescriptor(t *testing.T) {
	r := NewResolver(zerolog.Nop())
	s := catalog.Stream{URL: "http://up/live.ts|User-Agent=Foo", Kind: catalog.KindTS}
	got := r.Resolve(nil, catalog.Channel{}, s, clientkind.Generic, nil)
	assert.Equal(t, "http://up/live.ts", got.URL)
	assert.Contains(t, strings.Join(got.Args, " "), "-user_agent Foo")
	assert.Empty(t, got.LockKey)
}

func TestForceMPEGTSAndCopy(t *testing.T) {
	r := NewResolver(zerolog.Nop())
	snap := catalog.NewSnapshot(nil, nil, []catalog.Profile{{
		ID: "p", IsDefault: true, Templates: map[clientkind.Kind]catalog.Template{
			clientkind.Generic: {
				Args:        []string{"-i", "{URL}", "-c:v", "libx264", "-preset", "fast", "-vf", "scale=1280:-2", "-f", "matroska", "out.mkv"},
				ForceMPEGTS: true,
				ForceCopy:   true,
			},
		},
	}})
	d := &probe.Descriptor{FinalURL: "udp://239.1.1.1:5000", Kind: catalog.KindUDP}
	got := r.Resolve(snap, catalog.Channel{}, catalog.Stream{}, clientkind.Generic, d)
	assert.Equal(t, []string{
		"-nostdin", "-hide_banner", "-loglevel", "error", "-fflags", "+discardcorrupt+genpts",
		"-i", "udp://239.1.1.1:5000",
		"-c", "copy",
		"-mpegts_flags", MPEGTSFlags,
		"-f", "mpegts",
		"pipe:1",
	}, got.Args)
}

func TestSubstitute_NoPlaceholder(t *testing.T) {
	got := substitute([]string{"-c", "copy", "-f", "mpegts", "pipe:1"}, "http://u", []string{"-map", "0"})
	assert.Equal(t, []string{"-i", "http://u", "-map", "0", "-c", "copy", "-f", "mpegts", "pipe:1"}, got)
}

func TestTemplateLoglevelWins(t *testing.T) {
	r := NewResolver(zerolog.Nop())
	snap := catalog.NewSnapshot(nil, nil, []catalog.Profile{{
		ID: "p", IsDefault: true, Templates: map[clientkind.Kind]catalog.Template{
			clientkind.Generic: tmpl("-loglevel", "warning", "-i", "{URL}", "-f", "mpegts", "pipe:1"),
		},
	}})
	got := r.Resolve(snap, catalog.Channel{}, catalog.Stream{URL: "rtsp://cam/1", Kind: catalog.KindRTSP}, clientkind.Generic, nil)
	assert.Equal(t, 1, strings.Count(strings.Join(got.Args, " "), "-loglevel"))
	assert.Contains(t, strings.Join(got.Args, " "), "-loglevel warning")
}

func indexOf(args []string, s string) int {
	for i, a := range args {
		if a == s {
			return i
		}
	}
	return -1
}
