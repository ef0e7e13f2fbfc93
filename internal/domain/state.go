package domain

// State is the coarse lifecycle state of an instance.
type State string

const (
	StatePending  State = "PENDING"
	StateStarted  State = "STARTED"
	StateProgress State = "PROGRESS"
	StateRetry    State = "RETRY"
	StateSuccess  State = "SUCCESS"
	StateFailure  State = "FAILURE"
	StateRevoked  State = "REVOKED"
)

var transitions = map[State][]State{
	StatePending:  {StateStarted, StateRevoked},
	StateStarted:  {StateProgress, StateSuccess, StateFailure, StateRetry, StateRevoked},
	StateProgress: {StateSuccess, StateFailure, StateRetry, StateRevoked},
	StateRetry:    {StateStarted, StateRevoked, StateFailure},
}

// Terminal reports whether no transition may leave s.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailure || s == StateRevoked
}

// Running reports whether a handler is executing in state s.
func (s State) Running() bool {
	return s == StateStarted || s == StateProgress
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateStarted, StateProgress, StateRetry, StateSuccess, StateFailure, StateRevoked:
		return true
	}
	return false
}

// CanTransition reports whether from → to is an allowed edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
