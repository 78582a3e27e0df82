// Package safeurl rejects upstream URLs that must never reach the transcoder
// (file://, concat:, pipe:, data: and other local or protocol-chaining
// schemes).
package safeurl

import (
	"net/url"
	"strings"
)

var streamSchemes = map[string]bool{
	"http":  true,
	"https": true,
	"rtmp":  true,
	"rtmps": true,
	"rtsp":  true,
	"udp":   true,
	"rtp":   true,
}

// IsHTTPOrHTTPS returns true if u is a valid URL with scheme http or https.
func IsHTTPOrHTTPS(u string) bool {
	s := scheme(u)
	return s == "http" || s == "https"
}

// IsStreamURL reports whether u uses a network scheme the transcoder may open.
func IsStreamURL(u string) bool {
	return streamSchemes[scheme(u)]
}

func scheme(u string) string {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return ""
	}
	return strings.ToLower(parsed.Scheme)
}
