package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownTask       = errors.New("unknown task")
	ErrDuplicateTask     = errors.New("task already registered")
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")

	ErrTimeLimitExceeded     = errors.New("hard time limit exceeded")
	ErrSoftTimeLimitExceeded = errors.New("soft time limit exceeded")
	ErrRevoked               = errors.New("revoked")
)

// TransitionError describes a rejected compare-and-swap transition.
type TransitionError struct {
	ID       string
	Expected State
	Actual   State
	To       State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("instance %s: transition %s -> %s rejected, stored state is %s", e.ID, e.Expected, e.To, e.Actual)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// CheckTransition validates a transition against the stored state.
func CheckTransition(id string, stored, from, to State) error {
	if stored != from || !CanTransition(from, to) {
		return &TransitionError{ID: id, Expected: from, Actual: stored, To: to}
	}
	return nil
}

// Unavailable wraps a transport failure as ErrBrokerUnavailable.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrBrokerUnavailable, err)
}
