package coord

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a Coordinator.
type State string

const (
	StateIdle       State = "IDLE"
	StateDispatched State = "DISPATCHED"
	StateCollecting State = "COLLECTING"
	StateComplete   State = "COMPLETE"
	StatePartial    State = "PARTIAL"
	StateFailed     State = "FAILED"
)

// ErrInvalidState is returned when an operation is called in a state that
// does not allow it.
var ErrInvalidState = errors.New("invalid coordinator state")

// IsTerminal reports whether no further transition is possible from s.
func IsTerminal(s State) bool {
	switch s {
	case StateComplete, StatePartial, StateFailed:
		return true
	default:
		return false
	}
}

// transition moves *cur from -> to. It mutates *cur if and only if the
// transition is valid.
func transition(cur *State, from, to State) error {
	if *cur != from {
		return fmt.Errorf("%w: expected %s, got %s", ErrInvalidState, from, *cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("%w: disallowed transition %s -> %s", ErrInvalidState, from, to)
	}
	*cur = to
	return nil
}

func isAllowedTransition(from, to State) bool {
	switch from {
	case StateIdle:
		return to == StateDispatched
	case StateDispatched:
		return to == StateCollecting || to == StateFailed
	case StateCollecting:
		return to == StateComplete || to == StatePartial || to == StateFailed
	default:
		return false
	}
}

// Policy decides what a collection timeout means.
type Policy string

const (
	// PolicyStrict fails the job when any worker is missing at timeout.
	PolicyStrict Policy = "strict"
	// PolicyTolerant finalizes with the weight that did arrive.
	PolicyTolerant Policy = "tolerant"
)

func ParsePolicy(raw string) (Policy, error) {
	switch p := Policy(raw); p {
	case PolicyStrict, PolicyTolerant:
		return p, nil
	default:
		return "", fmt.Errorf("invalid policy %q (want %q or %q)", raw, PolicyStrict, PolicyTolerant)
	}
}
