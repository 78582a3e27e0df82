package runner

import (
	"fmt"
	"time"
)

// EventType names a runner lifecycle event.
type EventType int

const (
	EventStarted EventType = iota
	EventFirstBytes
	EventStalled
	EventExited
)

func (t EventType) String() string {
	switch t {
	case EventStarted:
		return "started"
	case EventFirstBytes:
		return "first-bytes"
	case EventStalled:
		return "stalled"
	case EventExited:
		return "exited"
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// Event is delivered on Runner.Events. Exit is set only for EventExited.
type Event struct {
	Type EventType
	At   time.Time
	Exit *ExitInfo
}

// ExitInfo describes how a runner ended.
type ExitInfo struct {
	Code       int    // -1 when killed by a signal
	Signal     string // empty unless killed by a signal
	StderrTail string
	Bytes      int64
	Duration   time.Duration
	Stopped    bool   // Stop was called before the exit
	Reason     string // the Stop reason
	Err        error  // classified failure; nil when Stopped
}
