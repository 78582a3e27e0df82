// Package fault defines the failure taxonomy shared by the probe, runner,
// session, resilience and governor packages. Components report faults;
// only the resilience engine decides what to do about them.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure.
type Kind int

const (
	Unknown Kind = iota
	UpstreamUnreachable
	UpstreamRateLimited
	UpstreamBadFormat
	TranscoderMissing
	TranscoderCrashOnStart
	StalledStream
	BudgetExhausted
	GovernorRejected
	ClientGone
)

var kindNames = map[Kind]string{
	Unknown:                "unknown",
	UpstreamUnreachable:    "upstream_unreachable",
	UpstreamRateLimited:    "upstream_rate_limited",
	UpstreamBadFormat:      "upstream_bad_format",
	TranscoderMissing:      "transcoder_missing",
	TranscoderCrashOnStart: "transcoder_crash_on_start",
	StalledStream:          "stalled_stream",
	BudgetExhausted:        "budget_exhausted",
	GovernorRejected:       "governor_rejected",
	ClientGone:             "client_gone",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Terminal reports whether a failure of this kind must never be retried.
func (k Kind) Terminal() bool {
	switch k {
	case UpstreamBadFormat, TranscoderMissing, TranscoderCrashOnStart, BudgetExhausted:
		return true
	}
	return false
}

// Error is a classified failure. Op names the operation that failed
// ("probe", "runner.start", ...).
type Error struct {
	Kind       Kind
	Op         string
	Err        error
	RetryAfter time.Duration // upstream hint, zero when absent
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// RetryAfterOf returns the upstream retry hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}
