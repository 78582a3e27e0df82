package probe

import (
	"net/http"
	"strings"
)

// rateLimitEvidence reports whether a 403 is the upstream throttling us
// rather than a plain refusal. Cloudflare is only trusted from its Server
// header or a classic challenge page: other error pages mention it too.
func rateLimitEvidence(resp *http.Response, preview []byte, connectionLimited bool) bool {
	if connectionLimited {
		return true
	}
	if strings.TrimSpace(resp.Header.Get("Retry-After")) != "" {
		return true
	}
	if isCloudflare(resp, preview) {
		return true
	}
	body := strings.ToLower(string(preview))
	return strings.Contains(body, "rate limit") ||
		strings.Contains(body, "rate-limit") ||
		strings.Contains(body, "too many")
}

func isCloudflare(resp *http.Response, preview []byte) bool {
	if strings.EqualFold(strings.TrimSpace(resp.Header.Get("Server")), "cloudflare") {
		return true
	}
	body := strings.ToLower(string(preview))
	return strings.Contains(body, "checking your browser") ||
		strings.Contains(body, "cf-bypass") ||
		strings.Contains(body, "ray id")
}

func isRateLimitStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == 509
}
