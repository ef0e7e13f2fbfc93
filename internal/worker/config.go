// Package worker pulls messages off the broker and runs them: one Executor
// per process settles every delivery against the result store, a Pool feeds
// it under a shared prefetch limit, and a Sweeper recovers attempts whose
// worker went away.
package worker

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"workq/internal/backoff"
	"workq/internal/broker"
	"workq/internal/events"
	"workq/internal/registry"
	"workq/internal/store"
)

const tracerName = "workq/internal/worker"

type Config struct {
	// Name identifies this worker on the instances it runs.
	Name     string
	Queues   []string
	Prefetch int

	Registry *registry.Registry
	Broker   broker.Broker
	Results  store.ResultStore
	Observer events.Observer
	// Retry governs re-enqueueing on transient broker failures.
	Retry broker.Retry
	// Backoff applies to definitions without their own policy.
	Backoff backoff.Policy

	// Default limits for definitions that set none. Grace is how long a
	// handler may keep running after its hard limit before it is abandoned.
	HardLimit time.Duration
	SoftLimit time.Duration
	Grace     time.Duration

	HeartbeatInterval time.Duration
	// VisibilityTimeout is how long a running instance may go without a
	// heartbeat before the sweeper declares its worker lost.
	VisibilityTimeout time.Duration
	SweepInterval     time.Duration
	// ShutdownTimeout bounds how long Run waits for running handlers after
	// its context ends.
	ShutdownTimeout time.Duration

	Tracer trace.Tracer
	Logger *zerolog.Logger
	Now    func() time.Time
}

// DefaultName is host-pid.
func DefaultName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = DefaultName()
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 1
	}
	if c.Observer == nil {
		c.Observer = events.Discard
	}
	if c.Retry.Attempts == 0 {
		c.Retry = broker.DefaultRetry
	}
	if c.Backoff == nil {
		c.Backoff = backoff.Default()
	}
	if c.Grace <= 0 {
		c.Grace = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = c.VisibilityTimeout / 2
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.Tracer == nil {
		c.Tracer = otel.Tracer(tracerName)
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

func (c Config) logger() zerolog.Logger {
	if c.Logger != nil {
		return *c.Logger
	}
	return log.Logger
}
