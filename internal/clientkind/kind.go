// Package clientkind names the client families the bridge adapts to and
// classifies incoming stream requests into one of them.
package clientkind

import (
	"strings"
	"time"
)

// Kind is a client family.
type Kind string

const (
	PlexLive   Kind = "plex-live"
	PlexDVR    Kind = "plex-dvr"
	AndroidTV  Kind = "android-tv"
	WebBrowser Kind = "web-browser"
	VLC        Kind = "vlc"
	Generic    Kind = "generic"
)

// All lists every kind in a stable order.
func All() []Kind {
	return []Kind{PlexLive, PlexDVR, AndroidTV, WebBrowser, VLC, Generic}
}

// Parse accepts a kind name case-insensitively.
func Parse(s string) (Kind, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, k := range All() {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

func (k Kind) String() string { return string(k) }

// IsPlex reports whether the client is Plex itself (live or DVR).
func (k Kind) IsPlex() bool { return k == PlexLive || k == PlexDVR }

// Traits are the per-kind timing and recovery defaults.
type Traits struct {
	Stall      time.Duration // runner stall watchdog threshold
	DrainGrace time.Duration // how long a session waits for the client to come back
	MaxLayer   int           // highest resilience layer enabled (1-4)
}

// Traits returns the defaults for k. Unknown kinds get the generic traits.
func (k Kind) Traits() Traits {
	switch k {
	case PlexLive, PlexDVR:
		return Traits{Stall: 10 * time.Second, DrainGrace: 30 * time.Second, MaxLayer: 4}
	case AndroidTV:
		return Traits{Stall: 15 * time.Second, DrainGrace: 60 * time.Second, MaxLayer: 4}
	case WebBrowser:
		return Traits{Stall: 20 * time.Second, DrainGrace: 10 * time.Second, MaxLayer: 2}
	default:
		return Traits{Stall: 20 * time.Second, DrainGrace: 10 * time.Second, MaxLayer: 4}
	}
}
