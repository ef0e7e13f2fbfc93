// Package engine is the producer-facing side of the queue: it validates and
// routes dispatch requests, records the PENDING instance and enqueues it, and
// answers status and revoke requests.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"workq/internal/broker"
	"workq/internal/domain"
	"workq/internal/events"
	"workq/internal/registry"
	"workq/internal/router"
	"workq/internal/store"
)

// DefaultQueue receives tasks that neither a routing rule nor their
// definition assigns to a queue.
const DefaultQueue = "default"

// Options adjust a single dispatch.
type Options struct {
	// Queue overrides routing.
	Queue string
	// ETA delays the first attempt until the given instant. Delay is
	// relative to dispatch time; ETA wins when both are set.
	ETA   time.Time
	Delay time.Duration
	// MaxRetries overrides the definition's retry budget.
	MaxRetries *int
	// ID fixes the instance id. Dispatching an id that is still PENDING
	// re-enqueues it instead of failing.
	ID string
	// Schedule names the periodic entry that produced the dispatch.
	Schedule string
}

type Config struct {
	Registry *registry.Registry
	Router   *router.Router
	Broker   broker.Broker
	Results  store.ResultStore
	Observer events.Observer
	Retry    broker.Retry
	Logger   *zerolog.Logger
	Now      func() time.Time
}

type Engine struct {
	registry *registry.Registry
	router   *router.Router
	broker   broker.Broker
	results  store.ResultStore
	observer events.Observer
	retry    broker.Retry
	log      zerolog.Logger
	now      func() time.Time
}

func New(cfg Config) *Engine {
	e := &Engine{
		registry: cfg.Registry,
		router:   cfg.Router,
		broker:   cfg.Broker,
		results:  cfg.Results,
		observer: cfg.Observer,
		retry:    cfg.Retry,
		log:      log.Logger,
		now:      cfg.Now,
	}
	if cfg.Logger != nil {
		e.log = *cfg.Logger
	}
	if e.observer == nil {
		e.observer = events.Discard
	}
	if e.retry.Attempts == 0 {
		e.retry = broker.DefaultRetry
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Registry returns the task catalog the engine dispatches against.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// ResolveQueue returns the queue task would be dispatched to.
func (e *Engine) ResolveQueue(task string) (string, error) {
	def, err := e.registry.Lookup(task)
	if err != nil {
		return "", err
	}
	fallback := def.Queue
	if fallback == "" {
		fallback = DefaultQueue
	}
	return e.router.Resolve(task, fallback), nil
}

func encodeArgs(args any) (json.RawMessage, error) {
	switch v := args.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(v) > 0 && !json.Valid(v) {
			return nil, errors.New("args are not valid JSON")
		}
		return v, nil
	case []byte:
		if len(v) > 0 && !json.Valid(v) {
			return nil, errors.New("args are not valid JSON")
		}
		return json.RawMessage(v), nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}
	return b, nil
}

// Dispatch records a PENDING instance of task and enqueues its first
// attempt. Unknown tasks are rejected before anything is stored.
func (e *Engine) Dispatch(ctx context.Context, task string, args any, opts Options) (string, error) {
	def, err := e.registry.Lookup(task)
	if err != nil {
		return "", err
	}
	raw, err := encodeArgs(args)
	if err != nil {
		return "", err
	}

	queue := opts.Queue
	if queue == "" {
		if queue, err = e.ResolveQueue(task); err != nil {
			return "", err
		}
	}
	maxRetries := def.MaxRetries
	if opts.MaxRetries != nil {
		if *opts.MaxRetries < 0 {
			return "", fmt.Errorf("max retries must be >= 0, got %d", *opts.MaxRetries)
		}
		maxRetries = *opts.MaxRetries
	}

	now := e.now().UTC()
	var eta *time.Time
	switch {
	case !opts.ETA.IsZero():
		t := opts.ETA.UTC()
		eta = &t
	case opts.Delay > 0:
		t := now.Add(opts.Delay)
		eta = &t
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	inst := &domain.Instance{
		ID:         id,
		Task:       task,
		Args:       raw,
		Queue:      queue,
		State:      domain.StatePending,
		MaxRetries: maxRetries,
		ETA:        eta,
		CreatedAt:  now,
	}
	if opts.Schedule != "" {
		s := opts.Schedule
		inst.Schedule = &s
	}

	if err := e.results.Create(ctx, inst); err != nil {
		if !errors.Is(err, domain.ErrAlreadyExists) || opts.ID == "" {
			return "", fmt.Errorf("create instance: %w", err)
		}
		existing, gerr := e.results.Get(ctx, id)
		if gerr != nil {
			return "", fmt.Errorf("load instance %s: %w", id, gerr)
		}
		if existing.State != domain.StatePending {
			return id, nil
		}
		inst = existing
	} else {
		e.observer.Observe(events.Event{
			InstanceID: id, Task: task, Queue: queue, To: domain.StatePending, At: now,
		})
	}

	msg := broker.Message{
		ID:         id,
		Task:       task,
		Queue:      inst.Queue,
		Args:       inst.Args,
		Attempt:    1,
		MaxRetries: inst.MaxRetries,
		SentAt:     now,
	}
	if inst.ETA != nil {
		msg.ETA = *inst.ETA
	}
	if inst.Schedule != nil {
		msg.Schedule = *inst.Schedule
	}
	if err := e.retry.Enqueue(ctx, e.broker, inst.Queue, msg); err != nil {
		e.abandon(ctx, inst, err)
		return "", fmt.Errorf("enqueue %s: %w", id, err)
	}

	e.log.Debug().Str("instance_id", id).Str("task", task).Str("queue", inst.Queue).Msg("dispatched")
	return id, nil
}

// abandon revokes an instance whose message never reached the broker so it
// does not linger as PENDING forever.
func (e *Engine) abandon(ctx context.Context, inst *domain.Instance, cause error) {
	now := e.now().UTC()
	_, err := e.results.Transition(ctx, inst.ID, domain.StatePending, domain.StateRevoked, domain.Update{
		Error:      &domain.ErrorInfo{Kind: domain.KindRevoked, Message: "enqueue failed: " + cause.Error()},
		FinishedAt: &now,
	})
	if err != nil {
		e.log.Error().Err(err).Str("instance_id", inst.ID).Msg("failed to revoke undeliverable instance")
		return
	}
	e.observer.Observe(events.Event{
		InstanceID: inst.ID, Task: inst.Task, Queue: inst.Queue,
		From: domain.StatePending, To: domain.StateRevoked, At: now,
		ErrorKind: domain.KindRevoked, Error: cause.Error(),
	})
}

func (e *Engine) Status(ctx context.Context, id string) (domain.Status, error) {
	inst, err := e.results.Get(ctx, id)
	if err != nil {
		return domain.Status{}, err
	}
	return domain.StatusOf(inst), nil
}

// List returns instance statuses, newest first.
func (e *Engine) List(ctx context.Context, opts store.ListOpts) ([]domain.Status, error) {
	insts, err := e.results.List(ctx, opts)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Status, len(insts))
	for i, inst := range insts {
		out[i] = domain.StatusOf(inst)
	}
	return out, nil
}

// Revoke cancels a waiting instance. A running instance is flagged and its
// worker cancels the handler at the next heartbeat.
func (e *Engine) Revoke(ctx context.Context, id string) (domain.Status, error) {
	before, err := e.results.Get(ctx, id)
	if err != nil {
		return domain.Status{}, err
	}
	inst, err := e.results.RequestRevoke(ctx, id)
	if err != nil {
		return domain.Status{}, err
	}
	if inst.State == domain.StateRevoked && before.State != domain.StateRevoked {
		e.observer.Observe(events.Event{
			InstanceID: id, Task: inst.Task, Queue: inst.Queue,
			From: before.State, To: domain.StateRevoked, Attempt: inst.Attempt, At: e.now().UTC(),
			ErrorKind: domain.KindRevoked,
		})
	}
	e.log.Info().Str("instance_id", id).Str("state", string(inst.State)).Bool("flagged", inst.RevokeRequested).Msg("revoke requested")
	return domain.StatusOf(inst), nil
}

// Wait polls id until it reaches a terminal state or ctx ends.
func (e *Engine) Wait(ctx context.Context, id string, every time.Duration) (domain.Status, error) {
	if every <= 0 {
		every = 100 * time.Millisecond
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		st, err := e.Status(ctx, id)
		if err != nil {
			return st, err
		}
		if st.State.Terminal() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-t.C:
		}
	}
}
