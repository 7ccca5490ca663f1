package domain

import "fmt"

// State is the lifecycle state of a job record
type State string

// transitions lists, for each state, the states it may move to.
// Terminal states have no entry.
var transitions = map[State][]State{
	StatePending:  {StateRunning},
	StateRunning:  {StateSucceeded, StateRetrying, StateFailed},
	StateRetrying: {StatePending},
}

// AllStates returns every known state in lifecycle order
func AllStates() []State {
	return []State{StatePending, StateRunning, StateSucceeded, StateRetrying, StateFailed}
}

// Valid reports whether s is a known state
func (s State) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateSucceeded, StateFailed, StateRetrying:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible from s
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

func (s State) String() string {
	return string(s)
}

// CanTransition reports whether from -> to is an edge of the job state machine
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseState converts a status string into a State
func ParseState(s string) (State, error) {
	state := State(s)
	if !state.Valid() {
		return "", fmt.Errorf("unknown job state %q", s)
	}
	return state, nil
}
