package runner

import (
	"strings"
	"time"

	"github.com/snapetech/hdhrbridge/internal/fault"
)

// CrashWindow is how soon after start an exit without output counts as a
// crash on start.
const CrashWindow = 2 * time.Second

var stderrClasses = []struct {
	kind    fault.Kind
	markers []string
}{
	// Bad command lines never get better on retry.
	{fault.TranscoderCrashOnStart, []string{
		"unrecognized option", "option not found", "unknown encoder", "unknown decoder",
		"error splitting the argument list", "at least one output file must be specified",
	}},
	{fault.UpstreamRateLimited, []string{
		"403 forbidden", "http error 403", "429 too many requests", "http error 429", "too many requests",
	}},
	{fault.UpstreamBadFormat, []string{
		"invalid data found when processing input", "could not find codec parameters", "moov atom not found",
	}},
	{fault.UpstreamUnreachable, []string{
		"connection refused", "connection reset", "connection timed out", "timed out", "network is unreachable",
		"no route to host", "name or service not known", "failed to resolve", "temporary failure in name resolution",
		"404 not found", "http error 404", "server returned 5", "end of file", "i/o error", "input/output error", "broken pipe",
	}},
}

// classifyExit turns an unrequested exit into a fault. Markers in stderr
// win. Otherwise an early exit with no output is a crash on start, unless
// the runner replaces one that already streamed, in which case the upstream
// is blamed like any other exit.
func classifyExit(stderrTail string, bytes int64, ran time.Duration, code int, replacement bool) error {
	lower := strings.ToLower(stderrTail)
	for _, c := range stderrClasses {
		for _, m := range c.markers {
			if strings.Contains(lower, m) {
				return fault.New(c.kind, "runner", "exit code %d: %s", code, m)
			}
		}
	}
	if bytes == 0 && ran < CrashWindow && !replacement {
		return fault.New(fault.TranscoderCrashOnStart, "runner", "exit code %d after %s with no output", code, ran.Round(time.Millisecond))
	}
	if bytes == 0 {
		return fault.New(fault.UpstreamUnreachable, "runner", "exit code %d with no output", code)
	}
	return fault.New(fault.UpstreamUnreachable, "runner", "upstream ended (exit code %d)", code)
}
