// Package store defines the persistence contracts for instance records and
// schedule state, along with the mutations every adapter applies inside its
// own compare-and-swap.
package store

import (
	"context"
	"errors"
	"time"

	"workq/internal/domain"
)

// ResultStore persists instance records. Every state change is a
// compare-and-swap against the stored state.
type ResultStore interface {
	// Create stores a new record. An existing ID yields ErrAlreadyExists.
	Create(ctx context.Context, inst *domain.Instance) error
	// Transition moves id from `from` to `to` and applies u atomically. A
	// stored state other than `from` yields a *domain.TransitionError.
	Transition(ctx context.Context, id string, from, to domain.State, u domain.Update) (*domain.Instance, error)
	// UpdateProgress records progress metadata for a running instance. The
	// first report moves STARTED to PROGRESS.
	UpdateProgress(ctx context.Context, id string, p domain.Progress) (*domain.Instance, error)
	Get(ctx context.Context, id string) (*domain.Instance, error)
	// Heartbeat stamps the running instances in ids.
	Heartbeat(ctx context.Context, ids []string, at time.Time) error
	// RequestRevoke revokes a waiting instance outright and flags a running
	// one. Terminal instances are returned unchanged.
	RequestRevoke(ctx context.Context, id string) (*domain.Instance, error)
	// ListStale returns running instances whose last heartbeat is before
	// `before`.
	ListStale(ctx context.Context, before time.Time, limit int) ([]*domain.Instance, error)
	List(ctx context.Context, opts ListOpts) ([]*domain.Instance, error)
	// Purge deletes terminal records finished before `before`.
	Purge(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// ListOpts filters List. Zero values match everything.
type ListOpts struct {
	State  domain.State
	Task   string
	Queue  string
	Limit  int
	Offset int
}

// DefaultListLimit applies when ListOpts.Limit is zero.
const DefaultListLimit = 100

func (o ListOpts) Match(inst *domain.Instance) bool {
	if o.State != "" && inst.State != o.State {
		return false
	}
	if o.Task != "" && inst.Task != o.Task {
		return false
	}
	if o.Queue != "" && inst.Queue != o.Queue {
		return false
	}
	return true
}

func (o ListOpts) EffectiveLimit() int {
	if o.Limit <= 0 {
		return DefaultListLimit
	}
	return o.Limit
}

// Fire is one committed schedule occurrence.
type Fire struct {
	Schedule   string    `json:"schedule"`
	Instant    time.Time `json:"instant"`
	InstanceID string    `json:"instance_id"`
	FiredAt    time.Time `json:"fired_at"`
}

// ScheduleStore persists the last fired instant of each periodic entry.
type ScheduleStore interface {
	// LastFired returns the last committed instant for name, or ok=false
	// when the entry never fired.
	LastFired(ctx context.Context, name string) (t time.Time, ok bool, err error)
	// Advance moves name from prev (zero for never fired) to next and logs
	// the fire. It returns false when another scheduler advanced it first.
	Advance(ctx context.Context, name string, prev, next time.Time, instanceID string) (bool, error)
	// ListFired returns the most recent fires of name, newest first.
	ListFired(ctx context.Context, name string, limit int) ([]Fire, error)
}

// ErrUnchanged is returned by a Mutation that leaves the record as it is.
var ErrUnchanged = errors.New("unchanged")

// Mutation edits a record read inside an adapter's transaction. Returning
// ErrUnchanged skips the write.
type Mutation func(inst *domain.Instance, now time.Time) error

// TransitionTo validates from → to against the stored state and applies u.
func TransitionTo(from, to domain.State, u domain.Update) Mutation {
	return func(inst *domain.Instance, now time.Time) error {
		if err := domain.CheckTransition(inst.ID, inst.State, from, to); err != nil {
			return err
		}
		inst.State = to
		u.Apply(inst)
		if to.Running() {
			inst.HeartbeatAt = &now
		}
		if to.Terminal() && inst.FinishedAt == nil {
			inst.FinishedAt = &now
		}
		return nil
	}
}

// RecordProgress stores p on a running instance.
func RecordProgress(p domain.Progress) Mutation {
	return func(inst *domain.Instance, now time.Time) error {
		switch inst.State {
		case domain.StateStarted:
			inst.State = domain.StateProgress
		case domain.StateProgress:
		default:
			return &domain.TransitionError{ID: inst.ID, Expected: domain.StateStarted, Actual: inst.State, To: domain.StateProgress}
		}
		inst.Progress = &p
		inst.HeartbeatAt = &now
		return nil
	}
}

// Revoke cancels a waiting instance or flags a running one.
func Revoke() Mutation {
	return func(inst *domain.Instance, now time.Time) error {
		switch {
		case inst.State == domain.StatePending || inst.State == domain.StateRetry:
			inst.State = domain.StateRevoked
			inst.Error = &domain.ErrorInfo{Kind: domain.KindRevoked, Message: "revoked before execution"}
			inst.FinishedAt = &now
			inst.RevokeRequested = true
		case inst.State.Running():
			if inst.RevokeRequested {
				return ErrUnchanged
			}
			inst.RevokeRequested = true
		default:
			return ErrUnchanged
		}
		return nil
	}
}
