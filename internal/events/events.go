// Package events carries instance lifecycle transitions to observers such as
// the log and the Prometheus metrics.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"workq/internal/domain"
)

// Event is one committed state transition.
type Event struct {
	InstanceID string
	Task       string
	Queue      string
	Worker     string
	From       domain.State
	To         domain.State
	Attempt    int
	At         time.Time
	// Runtime is set on transitions that end an attempt.
	Runtime   time.Duration
	ErrorKind domain.ErrorKind
	Error     string
	// RetryIn is the backoff before the next attempt on RETRY transitions.
	RetryIn time.Duration
}

type Observer interface {
	Observe(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// Multi fans an event out to every non-nil observer in order.
type Multi []Observer

func (m Multi) Observe(e Event) {
	for _, o := range m {
		if o != nil {
			o.Observe(e)
		}
	}
}

// Discard drops every event.
var Discard Observer = ObserverFunc(func(Event) {})

// LogObserver writes each transition to Logger.
type LogObserver struct {
	Logger zerolog.Logger
}

// NewLogObserver logs through the global logger.
func NewLogObserver() LogObserver { return LogObserver{Logger: log.Logger} }

func (o LogObserver) Observe(e Event) {
	lvl := zerolog.InfoLevel
	switch e.To {
	case domain.StateStarted, domain.StateProgress:
		lvl = zerolog.DebugLevel
	case domain.StateRetry:
		lvl = zerolog.WarnLevel
	case domain.StateFailure:
		lvl = zerolog.ErrorLevel
	}
	ev := o.Logger.WithLevel(lvl).
		Str("instance_id", e.InstanceID).
		Str("task", e.Task).
		Str("queue", e.Queue).
		Str("from", string(e.From)).
		Str("to", string(e.To)).
		Int("attempt", e.Attempt)
	if e.Worker != "" {
		ev = ev.Str("worker", e.Worker)
	}
	if e.Runtime > 0 {
		ev = ev.Dur("runtime", e.Runtime)
	}
	if e.ErrorKind != "" {
		ev = ev.Str("error_kind", string(e.ErrorKind)).Str("error", e.Error)
	}
	if e.RetryIn > 0 {
		ev = ev.Dur("retry_in", e.RetryIn)
	}
	ev.Msg("instance transition")
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Observe(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// For returns the recorded events of one instance.
func (r *Recorder) For(id string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.InstanceID == id {
			out = append(out, e)
		}
	}
	return out
}
