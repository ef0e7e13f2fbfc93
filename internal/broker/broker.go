// Package broker is the narrow transport contract the engine depends on.
// Delivery is at-least-once: a message stays owned by the consumer until it is
// acknowledged or rejected, and is redelivered if the consumer disappears.
package broker

import (
	"context"
	"encoding/json"
	"time"
)

// Message is the durable envelope for one attempt of an instance.
type Message struct {
	ID         string          `json:"id" msgpack:"id"`
	Task       string          `json:"task" msgpack:"task"`
	Queue      string          `json:"queue" msgpack:"queue"`
	Args       json.RawMessage `json:"args,omitempty" msgpack:"args,omitempty"`
	Attempt    int             `json:"attempt" msgpack:"attempt"`
	MaxRetries int             `json:"max_retries" msgpack:"max_retries"`
	ETA        time.Time       `json:"eta,omitempty" msgpack:"eta,omitempty"`
	Schedule   string          `json:"schedule,omitempty" msgpack:"schedule,omitempty"`
	SentAt     time.Time       `json:"sent_at" msgpack:"sent_at"`
}

// Due reports whether the message may be delivered at now.
func (m Message) Due(now time.Time) bool {
	return m.ETA.IsZero() || !m.ETA.After(now)
}

// Delivery is a message handed to one consumer. Token is opaque to callers.
type Delivery struct {
	Message     Message
	Queue       string
	Token       string
	Redelivered bool
}

// Broker enqueues and delivers messages on named queues.
type Broker interface {
	// Enqueue stores msg durably on queue. A non-zero msg.ETA delays delivery.
	// Transport failures wrap domain.ErrBrokerUnavailable.
	Enqueue(ctx context.Context, queue string, msg Message) error
	// Dequeue returns up to max due messages. When none is ready it blocks up
	// to the adapter's poll timeout and then returns an empty slice.
	Dequeue(ctx context.Context, queue string, max int) ([]Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	// Reject returns the message to its queue, or dead-letters it when requeue
	// is false.
	Reject(ctx context.Context, d Delivery, requeue bool) error
	Close() error
}

// Recoverer is implemented by adapters that track delivery leases themselves
// and need a periodic sweep to requeue messages whose consumer went away.
type Recoverer interface {
	RecoverExpired(ctx context.Context) (int, error)
}

// Depth is a point-in-time count of the messages on one queue.
type Depth struct {
	Ready    int `json:"ready"`
	InFlight int `json:"in_flight"`
	Dead     int `json:"dead"`
}

// Inspector is implemented by adapters that can report queue depth.
type Inspector interface {
	Depth(ctx context.Context, queue string) (Depth, error)
}

// Options holds settings shared by the adapters.
type Options struct {
	PollTimeout       time.Duration
	VisibilityTimeout time.Duration
	Codec             Codec
}

func (o Options) WithDefaults() Options {
	if o.PollTimeout <= 0 {
		o.PollTimeout = time.Second
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = time.Minute
	}
	if o.Codec == nil {
		o.Codec = JSON{}
	}
	return o
}
