package probe

import (
	"mime"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/snapetech/hdhrbridge/internal/catalog"
)

// Headers are request headers an upstream requires. They travel with the
// stream URL as a "|Name=value&Name=value" suffix and are handed to the
// transcoder as -user_agent, -referer and -headers.
type Headers struct {
	UserAgent string            `json:"user_agent,omitempty"`
	Referer   string            `json:"referer,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`

	// closeConn disables keep-alive on probe requests.
	closeConn bool
}

// Empty reports whether no header is set.
func (h Headers) Empty() bool {
	return h.UserAgent == "" && h.Referer == "" && len(h.Extra) == 0
}

func (h Headers) clone() Headers {
	out := Headers{UserAgent: h.UserAgent, Referer: h.Referer, closeConn: h.closeConn}
	if len(h.Extra) > 0 {
		out.Extra = make(map[string]string, len(h.Extra))
		for k, v := range h.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// SplitHeaders separates a stream URL from its optional header suffix:
//
//	http://host/live.ts|User-Agent=VLC%2F3.0&Referer=http%3A%2F%2Fsite
func SplitHeaders(raw string) (string, Headers) {
	u, suffix, ok := strings.Cut(raw, "|")
	if !ok {
		return raw, Headers{}
	}
	var h Headers
	vals, err := url.ParseQuery(suffix)
	if err != nil {
		return u, h
	}
	for name, v := range vals {
		if len(v) == 0 {
			continue
		}
		switch strings.ToLower(name) {
		case "user-agent":
			h.UserAgent = v[0]
		case "referer", "referrer":
			h.Referer = v[0]
		default:
			if h.Extra == nil {
				h.Extra = make(map[string]string)
			}
			h.Extra[name] = v[0]
		}
	}
	return u, h
}

// Descriptor is the probed view of one stream.
type Descriptor struct {
	StreamID       string             `json:"stream_id"`
	URL            string             `json:"url"`
	FinalURL       string             `json:"final_url"`
	Kind           catalog.StreamKind `json:"kind"`
	Dynamic        bool               `json:"dynamic"`
	Redirects      []string           `json:"redirects,omitempty"`
	Headers        Headers            `json:"headers"`
	ContentType    string             `json:"content_type,omitempty"`
	MaxConnections int                `json:"max_connections,omitempty"` // 0 = no advisory limit
	Codecs         []string           `json:"codecs,omitempty"`
	OriginKey      string             `json:"origin_key"`
	ProbedAt       time.Time          `json:"probed_at"`
}

// ConnectionLimited reports whether the upstream allows one connection at a time.
func (d *Descriptor) ConnectionLimited() bool { return d != nil && d.MaxConnections == 1 }

// Clone returns a deep copy; probes shared through singleflight hand each
// caller its own.
func (d *Descriptor) Clone() *Descriptor {
	if d == nil {
		return nil
	}
	c := *d
	c.Redirects = append([]string(nil), d.Redirects...)
	c.Codecs = append([]string(nil), d.Codecs...)
	c.Headers = d.Headers.clone()
	return &c
}

func schemeKind(rawURL string) catalog.StreamKind {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	switch strings.ToLower(u.Scheme) {
	case "rtmp", "rtmps":
		return catalog.KindRTMP
	case "rtsp":
		return catalog.KindRTSP
	case "udp", "rtp":
		return catalog.KindUDP
	}
	return ""
}

// classifyKind decides the kind of an HTTP upstream from the response
// content type and the final URL. The declared kind only counts when
// neither carries evidence.
func classifyKind(contentType, finalURL string, declared catalog.StreamKind) catalog.StreamKind {
	mt, _, _ := mime.ParseMediaType(contentType)
	mt = strings.ToLower(mt)
	switch {
	case strings.Contains(mt, "mpegurl"):
		return catalog.KindHLS
	case mt == "application/dash+xml":
		return catalog.KindDASH
	case mt == "video/mp2t" || mt == "video/mpeg":
		return catalog.KindTS
	}
	if u, err := url.Parse(finalURL); err == nil {
		switch strings.ToLower(path.Ext(u.Path)) {
		case ".m3u8", ".m3u":
			return catalog.KindHLS
		case ".mpd":
			return catalog.KindDASH
		case ".ts", ".mts", ".m2ts":
			return catalog.KindTS
		}
	}
	if mt == "" || mt == "application/octet-stream" {
		switch declared {
		case catalog.KindHLS, catalog.KindDASH, catalog.KindTS:
			return declared
		}
	}
	return catalog.KindHTTP
}

func isHTML(contentType string) bool {
	mt, _, _ := mime.ParseMediaType(contentType)
	mt = strings.ToLower(mt)
	return mt == "text/html" || mt == "application/xhtml+xml"
}

func looksLikeHTML(b []byte) bool {
	s := strings.ToLower(strings.TrimSpace(string(b)))
	return strings.HasPrefix(s, "<!doctype html") || strings.HasPrefix(s, "<html")
}
