// Package catalog is the read-only data model the streaming core consumes:
// channels, their upstream streams and processing profiles. The core never
// writes these; a Snapshot is an immutable view taken at one instant.
package catalog

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/snapetech/hdhrbridge/internal/clientkind"
)

// Channel is a tunable lineup entry.
type Channel struct {
	ID        string `json:"id"`
	Number    string `json:"number"` // display number, e.g. "101" or "5.1"
	Name      string `json:"name"`
	EPGID     string `json:"epg_id,omitempty"`
	Enabled   bool   `json:"enabled"`
	StreamID  string `json:"stream_id,omitempty"`  // associated stream, if any
	ProfileID string `json:"profile_id,omitempty"` // channel-level profile override
}

// StreamKind is the declared or probed upstream family.
type StreamKind string

const (
	KindHLS  StreamKind = "hls"
	KindDASH StreamKind = "dash"
	KindRTMP StreamKind = "rtmp"
	KindRTSP StreamKind = "rtsp"
	KindUDP  StreamKind = "udp"
	KindTS   StreamKind = "ts"
	KindHTTP StreamKind = "http"
)

// ParseStreamKind normalizes a declared kind; unknown values map to "".
func ParseStreamKind(s string) StreamKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hls", "m3u8":
		return KindHLS
	case "dash", "mpd":
		return KindDASH
	case "rtmp", "rtmps":
		return KindRTMP
	case "rtsp":
		return KindRTSP
	case "udp", "rtp", "multicast":
		return KindUDP
	case "ts", "mpegts", "mpeg-ts":
		return KindTS
	case "http", "https", "direct":
		return KindHTTP
	}
	return ""
}

// Stream is one upstream source.
type Stream struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	URL              string     `json:"url"`
	Kind             StreamKind `json:"kind,omitempty"` // hint only; the probe decides
	Enabled          bool       `json:"enabled"`
	ChannelID        string     `json:"channel_id,omitempty"`
	ProfileID        string     `json:"profile_id,omitempty"`
	ConnectionLimits bool       `json:"connection_limits,omitempty"` // at most one connection to the source
}

// Template is one command line for a client kind. Args must contain the
// {URL} placeholder (normally as "-i {URL}").
type Template struct {
	Args        []string  `json:"args"`
	ForceMPEGTS bool      `json:"force_mpegts,omitempty"`
	ForceCopy   bool      `json:"force_copy,omitempty"`
	PreInput    []string  `json:"pre_input,omitempty"`
	PostInput   []string  `json:"post_input,omitempty"`
	Timeouts    *Timeouts `json:"timeouts,omitempty"`
}

// URLPlaceholder is substituted with the resolved upstream URL.
const URLPlaceholder = "{URL}"

// Timeouts override the built-in deadlines for one template.
type Timeouts struct {
	Probe      Duration `json:"probe,omitempty"`
	FirstBytes Duration `json:"first_bytes,omitempty"`
	Stall      Duration `json:"stall,omitempty"`
}

// Duration is a time.Duration that marshals as a Go duration string.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration must be a string or seconds: %s", b)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// Profile is a named set of per-client-kind templates.
type Profile struct {
	ID        string                       `json:"id"`
	Name      string                       `json:"name"`
	IsSystem  bool                         `json:"is_system"`
	IsDefault bool                         `json:"is_default"`
	Templates map[clientkind.Kind]Template `json:"templates"`
}

// Template returns the template for kind, falling back to the generic
// entry. ok is false when neither exists.
func (p *Profile) Template(kind clientkind.Kind) (Template, bool) {
	if p == nil {
		return Template{}, false
	}
	if t, ok := p.Templates[kind]; ok {
		return t, true
	}
	t, ok := p.Templates[clientkind.Generic]
	return t, ok
}

// ParseProfileConfig decodes the JSON stored with a profile row:
// {"templates": {"generic": {...}, "plex-live": {...}}}. Unknown client
// kinds are rejected.
func ParseProfileConfig(data []byte) (map[clientkind.Kind]Template, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var raw struct {
		Templates map[string]Template `json:"templates"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	out := make(map[clientkind.Kind]Template, len(raw.Templates))
	for name, t := range raw.Templates {
		k, ok := clientkind.Parse(name)
		if !ok {
			return nil, fmt.Errorf("unknown client kind %q", name)
		}
		out[k] = t
	}
	return out, nil
}

// Snapshot is an immutable view of the store.
type Snapshot struct {
	Channels []Channel
	Streams  []Stream
	Profiles []Profile
	LoadedAt time.Time

	channelByID map[string]int
	streamByID  map[string]int
	profileByID map[string]int
}

// NewSnapshot indexes the given rows. Stream→channel associations found on
// the stream side fill in channels that lack an explicit StreamID.
func NewSnapshot(channels []Channel, streams []Stream, profiles []Profile) *Snapshot {
	channels = append([]Channel(nil), channels...)
	s := &Snapshot{
		Channels:    channels,
		Streams:     streams,
		Profiles:    profiles,
		LoadedAt:    time.Now(),
		channelByID: make(map[string]int, len(channels)),
		streamByID:  make(map[string]int, len(streams)),
		profileByID: make(map[string]int, len(profiles)),
	}
	for i, c := range channels {
		s.channelByID[c.ID] = i
	}
	for i, st := range streams {
		s.streamByID[st.ID] = i
	}
	for i, p := range profiles {
		s.profileByID[p.ID] = i
	}
	for i := range s.Channels {
		if s.Channels[i].StreamID != "" {
			continue
		}
		// Prefer an enabled stream; first row wins among equals.
		for _, st := range streams {
			if st.ChannelID != s.Channels[i].ID {
				continue
			}
			if s.Channels[i].StreamID == "" || st.Enabled {
				s.Channels[i].StreamID = st.ID
			}
			if st.Enabled {
				break
			}
		}
	}
	return s
}

// Channel looks a channel up by id.
func (s *Snapshot) Channel(id string) (Channel, bool) {
	i, ok := s.channelByID[id]
	if !ok {
		return Channel{}, false
	}
	return s.Channels[i], true
}

// ChannelByNumber looks a channel up by its display number.
func (s *Snapshot) ChannelByNumber(number string) (Channel, bool) {
	for _, c := range s.Channels {
		if c.Number == number {
			return c, true
		}
	}
	return Channel{}, false
}

// Stream looks a stream up by id.
func (s *Snapshot) Stream(id string) (Stream, bool) {
	i, ok := s.streamByID[id]
	if !ok {
		return Stream{}, false
	}
	return s.Streams[i], true
}

// StreamFor returns the enabled stream for an enabled channel.
func (s *Snapshot) StreamFor(ch Channel) (Stream, bool) {
	if !ch.Enabled || ch.StreamID == "" {
		return Stream{}, false
	}
	st, ok := s.Stream(ch.StreamID)
	if !ok || !st.Enabled || strings.TrimSpace(st.URL) == "" {
		return Stream{}, false
	}
	return st, true
}

// Profile looks a profile up by id.
func (s *Snapshot) Profile(id string) (*Profile, bool) {
	if id == "" {
		return nil, false
	}
	i, ok := s.profileByID[id]
	if !ok {
		return nil, false
	}
	return &s.Profiles[i], true
}

// DefaultProfile returns the profile flagged default, if any.
func (s *Snapshot) DefaultProfile() (*Profile, bool) {
	for i := range s.Profiles {
		if s.Profiles[i].IsDefault {
			return &s.Profiles[i], true
		}
	}
	return nil, false
}

// Lineup returns the playable channels (enabled, with an enabled stream)
// ordered by display number ascending; ties break on name then id.
func (s *Snapshot) Lineup() []Channel {
	out := make([]Channel, 0, len(s.Channels))
	for _, c := range s.Channels {
		if _, ok := s.StreamFor(c); ok {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := numberKey(out[i].Number), numberKey(out[j].Number)
		if a != b {
			return a < b
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// numberKey orders "5.1" after "5" and before "6"; non-numeric sort last.
func numberKey(n string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
	if err != nil {
		return 1e12
	}
	return f
}
