package examsession

import "fmt"

// State is a phase of the exam-taking lifecycle.
type State int

const (
	StateChecking State = iota
	StateUnavailable
	StateNotStarted
	StateResuming
	StateActive
	StateSubmitting
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateChecking:
		return "checking"
	case StateUnavailable:
		return "unavailable"
	case StateNotStarted:
		return "not_started"
	case StateResuming:
		return "resuming"
	case StateActive:
		return "active"
	case StateSubmitting:
		return "submitting"
	case StateTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var transitions = map[State][]State{
	StateChecking:   {StateUnavailable, StateNotStarted, StateResuming, StateTerminal},
	StateNotStarted: {StateActive, StateTerminal},
	StateResuming:   {StateActive},
	StateActive:     {StateSubmitting},
	StateSubmitting: {StateTerminal, StateActive},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Machine holds the current state and enforces the transition table. It is
// not safe for concurrent use; the Controller serialises access.
type Machine struct {
	state State
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Is reports whether the current state is one of states.
func (m *Machine) Is(states ...State) bool {
	for _, s := range states {
		if m.state == s {
			return true
		}
	}
	return false
}

// Transition moves to the given state. Re-entering Terminal is a no-op.
func (m *Machine) Transition(to State) (from State, err error) {
	from = m.state
	if from == StateTerminal && to == StateTerminal {
		return from, nil
	}
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	m.state = to
	return from, nil
}
