// Package task defines what a unit of deferred work looks like to the engine:
// the handler contract, the per-attempt request a handler receives, and the
// static definition a handler is registered under.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"workq/internal/backoff"
	"workq/internal/domain"
)

// Handler runs one attempt of a task. The returned value is JSON-encoded and
// stored as the instance result.
type Handler interface {
	Handle(ctx context.Context, req *Request) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, req *Request) (any, error) { return f(ctx, req) }

// Definition is an immutable registry entry.
type Definition struct {
	Name       string
	Handler    Handler
	Queue      string
	MaxRetries int
	Backoff    backoff.Policy
	HardLimit  time.Duration
	SoftLimit  time.Duration
	// RateLimit caps executions per second on one worker. Zero disables it.
	RateLimit float64
}

// Validate checks the definition's static invariants.
func (d Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("task definition: name is required")
	}
	if d.Handler == nil {
		return fmt.Errorf("task %q: handler is required", d.Name)
	}
	if d.MaxRetries < 0 {
		return fmt.Errorf("task %q: max retries must be >= 0", d.Name)
	}
	if d.HardLimit > 0 && d.SoftLimit > d.HardLimit {
		return fmt.Errorf("task %q: soft limit %s exceeds hard limit %s", d.Name, d.SoftLimit, d.HardLimit)
	}
	if d.RateLimit < 0 {
		return fmt.Errorf("task %q: rate limit must be >= 0", d.Name)
	}
	return nil
}

// ProgressFunc persists a progress report for the running attempt.
type ProgressFunc func(ctx context.Context, p domain.Progress) error

// Request is what a handler sees for one attempt.
type Request struct {
	InstanceID string
	Task       string
	Queue      string
	Args       json.RawMessage
	Attempt    int
	MaxRetries int
	Schedule   *string

	progress ProgressFunc
}

// NewRequest builds a request; progress may be nil.
func NewRequest(inst *domain.Instance, progress ProgressFunc) *Request {
	return &Request{
		InstanceID: inst.ID,
		Task:       inst.Task,
		Queue:      inst.Queue,
		Args:       inst.Args,
		Attempt:    inst.Attempt,
		MaxRetries: inst.MaxRetries,
		Schedule:   inst.Schedule,
		progress:   progress,
	}
}

// Bind decodes the request arguments into v.
func (r *Request) Bind(v any) error {
	if len(r.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Args, v); err != nil {
		return Permanent(fmt.Errorf("%w: args for %s: %v", ErrDecode, r.Task, err))
	}
	return nil
}

// Progress records current/total/status for the running attempt without
// changing its coarse state beyond PROGRESS.
func (r *Request) Progress(ctx context.Context, current, total int64, status string) error {
	if r.progress == nil {
		return nil
	}
	return r.progress(ctx, domain.Progress{Current: current, Total: total, Status: status})
}

// LastAttempt reports whether a failure of this attempt is final.
func (r *Request) LastAttempt() bool {
	return r.Attempt > r.MaxRetries
}

// ErrDecode marks failures to decode task arguments.
var ErrDecode = errors.New("decode error")

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the instance fails on this
// attempt regardless of its retry budget.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
