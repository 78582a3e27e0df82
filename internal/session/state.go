package session

import (
	"errors"
	"fmt"
	"time"
)

// State is a session lifecycle state.
type State int

const (
	StateInit State = iota
	StateProbing
	StateRunning
	StateRecovering
	StateDraining
	StateClosed
	StateFailed
)

var stateNames = [...]string{
	StateInit:       "INIT",
	StateProbing:    "PROBING",
	StateRunning:    "RUNNING",
	StateRecovering: "RECOVERING",
	StateDraining:   "DRAINING",
	StateClosed:     "CLOSED",
	StateFailed:     "FAILED",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateClosed || s == StateFailed }

// MarshalText lets State appear by name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	st, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ParseState maps a state name back to its State.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown session state %q", name)
}

// ErrIllegalTransition is returned for an edge not in the transition table.
var ErrIllegalTransition = errors.New("illegal session transition")

var transitions = map[State][]State{
	StateInit:       {StateProbing, StateClosed},
	StateProbing:    {StateRunning, StateFailed, StateClosed},
	StateRunning:    {StateRecovering, StateDraining, StateClosed},
	StateRecovering: {StateRunning, StateDraining, StateFailed, StateClosed},
	StateDraining:   {StateRunning, StateClosed},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Step is one recorded transition.
type Step struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}
