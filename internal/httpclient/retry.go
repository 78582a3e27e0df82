package httpclient

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ParseRetryAfter parses a Retry-After value (delta seconds or HTTP-date)
// relative to now. ok is false when the header is absent or malformed.
// The result is capped at max when max > 0.
func ParseRetryAfter(s string, now time.Time, max time.Duration) (d time.Duration, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if sec, err := strconv.Atoi(s); err == nil {
		if sec < 0 {
			return 0, false
		}
		d = time.Duration(sec) * time.Second
	} else {
		t, err := http.ParseTime(s)
		if err != nil {
			return 0, false
		}
		d = t.Sub(now)
		if d < 0 {
			d = 0
		}
	}
	if max > 0 && d > max {
		d = max
	}
	return d, true
}

// RetryAfter reads the Retry-After header of resp.
func RetryAfter(resp *http.Response, max time.Duration) (time.Duration, bool) {
	if resp == nil {
		return 0, false
	}
	return ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now(), max)
}
