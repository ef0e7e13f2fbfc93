package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"workq/internal/backoff"
	"workq/internal/broker"
	"workq/internal/domain"
	"workq/internal/events"
	"workq/internal/task"
)

// deferDelay is how long a message for an attempt that is still starting
// waits before it is looked at again.
const deferDelay = time.Second

var errShutdown = errors.New("worker shut down")

// Executor runs single deliveries. It is safe for concurrent use; the pool
// calls Process from one goroutine per delivery.
type Executor struct {
	cfg Config
	log zerolog.Logger

	mu       sync.Mutex
	running  map[string]*attempt
	limiters map[string]*rate.Limiter
}

// attempt is the bookkeeping of one handler execution. inst is the STARTED
// snapshot; final is what the attempt was settled as.
type attempt struct {
	id       string
	inst     *domain.Instance
	def      task.Definition
	delivery broker.Delivery
	began    time.Time
	cancel   context.CancelCauseFunc
	softHit  atomic.Bool
	revoked  atomic.Bool

	mu       sync.Mutex
	progress *domain.Progress
	final    *domain.Instance
}

func NewExecutor(cfg Config) *Executor {
	cfg = cfg.withDefaults()
	return &Executor{
		cfg:      cfg,
		log:      cfg.logger().With().Str("worker", cfg.Name).Logger(),
		running:  make(map[string]*attempt),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Name is the worker name stamped on the instances this executor runs.
func (e *Executor) Name() string { return e.cfg.Name }

// Running returns the ids of the instances executing right now.
func (e *Executor) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	return ids
}

// Process settles one delivery. Duplicate and stale deliveries are
// acknowledged without running anything. Cancelling ctx asks a running
// handler to stop and puts its attempt back on the queue.
func (e *Executor) Process(ctx context.Context, d broker.Delivery) error {
	msg := d.Message
	lg := e.log.With().Str("instance_id", msg.ID).Str("task", msg.Task).Int("attempt", msg.Attempt).Logger()
	settle := context.WithoutCancel(ctx)

	inst, err := e.cfg.Results.Get(ctx, msg.ID)
	if errors.Is(err, domain.ErrNotFound) {
		inst, err = e.adopt(ctx, msg)
	}
	if err != nil {
		e.reject(settle, d, true, lg)
		return fmt.Errorf("load instance %s: %w", msg.ID, err)
	}

	def, err := e.cfg.Registry.Lookup(msg.Task)
	if err != nil {
		return e.unknownTask(settle, d, inst, lg)
	}

	switch {
	case inst.State.Terminal():
		lg.Debug().Str("state", string(inst.State)).Msg("delivery for settled instance discarded")
		return e.ack(settle, d, lg)
	case inst.State == domain.StatePending && msg.Attempt == 1,
		inst.State == domain.StateRetry && msg.Attempt == inst.Attempt+1:
		return e.run(ctx, d, inst, def, lg)
	case inst.State.Running() && msg.Attempt > inst.Attempt:
		// The retry was enqueued before the previous attempt recorded RETRY.
		next := msg
		next.ETA = e.cfg.Now().UTC().Add(deferDelay)
		if err := e.cfg.Retry.Enqueue(settle, e.cfg.Broker, d.Queue, next); err != nil {
			e.reject(settle, d, true, lg)
			return fmt.Errorf("defer %s: %w", msg.ID, err)
		}
		return e.ack(settle, d, lg)
	default:
		lg.Debug().Str("state", string(inst.State)).Int("stored_attempt", inst.Attempt).Msg("stale delivery discarded")
		return e.ack(settle, d, lg)
	}
}

// adopt records a PENDING instance for a message whose record is missing,
// e.g. one enqueued by a producer that shares only the broker.
func (e *Executor) adopt(ctx context.Context, msg broker.Message) (*domain.Instance, error) {
	inst := &domain.Instance{
		ID:         msg.ID,
		Task:       msg.Task,
		Queue:      msg.Queue,
		Args:       msg.Args,
		State:      domain.StatePending,
		MaxRetries: msg.MaxRetries,
		CreatedAt:  msg.SentAt,
	}
	if msg.Schedule != "" {
		s := msg.Schedule
		inst.Schedule = &s
	}
	if err := e.cfg.Results.Create(ctx, inst); err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
		return nil, err
	}
	return e.cfg.Results.Get(ctx, msg.ID)
}

// unknownTask finalizes an instance no handler is registered for and
// dead-letters its message.
func (e *Executor) unknownTask(ctx context.Context, d broker.Delivery, inst *domain.Instance, lg zerolog.Logger) error {
	lg.Error().Msg("no handler registered for task")
	if inst.State == domain.StatePending || inst.State == domain.StateRetry {
		attemptNo := d.Message.Attempt
		now := e.cfg.Now().UTC()
		started, err := e.cfg.Results.Transition(ctx, inst.ID, inst.State, domain.StateStarted, domain.Update{
			Attempt: &attemptNo, Worker: &e.cfg.Name, StartedAt: &now,
		})
		if err == nil {
			e.emit(started, inst.State, 0, nil, 0)
			info := &domain.ErrorInfo{Kind: domain.KindUnknownTask, Message: fmt.Sprintf("%s: %s", domain.ErrUnknownTask, inst.Task)}
			if failed, err := e.cfg.Results.Transition(ctx, inst.ID, domain.StateStarted, domain.StateFailure, domain.Update{Error: info}); err == nil {
				e.emit(failed, domain.StateStarted, 0, info, 0)
			}
		}
	}
	return e.reject(ctx, d, false, lg)
}

func (e *Executor) limiter(def task.Definition) *rate.Limiter {
	if def.RateLimit <= 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[def.Name]
	if !ok {
		l = rate.NewLimiter(rate.Limit(def.RateLimit), 1)
		e.limiters[def.Name] = l
	}
	return l
}

func (e *Executor) limits(def task.Definition) (soft, hard time.Duration) {
	soft, hard = def.SoftLimit, def.HardLimit
	if soft <= 0 {
		soft = e.cfg.SoftLimit
	}
	if hard <= 0 {
		hard = e.cfg.HardLimit
	}
	return soft, hard
}

func (e *Executor) policy(def task.Definition) backoff.Policy {
	if def.Backoff != nil {
		return def.Backoff
	}
	return e.cfg.Backoff
}

// run claims the attempt with a compare-and-swap to STARTED and executes it.
func (e *Executor) run(ctx context.Context, d broker.Delivery, inst *domain.Instance, def task.Definition, lg zerolog.Logger) error {
	settle := context.WithoutCancel(ctx)
	if l := e.limiter(def); l != nil {
		if err := l.Wait(ctx); err != nil {
			e.reject(settle, d, true, lg)
			return fmt.Errorf("rate limit %s: %w", def.Name, err)
		}
	}

	from := inst.State
	attemptNo := d.Message.Attempt
	now := e.cfg.Now().UTC()
	started, err := e.cfg.Results.Transition(settle, inst.ID, from, domain.StateStarted, domain.Update{
		Attempt: &attemptNo, Worker: &e.cfg.Name, StartedAt: &now,
	})
	if errors.Is(err, domain.ErrInvalidTransition) {
		lg.Debug().Err(err).Msg("duplicate delivery discarded")
		return e.ack(settle, d, lg)
	}
	if err != nil {
		e.reject(settle, d, true, lg)
		return fmt.Errorf("start %s: %w", inst.ID, err)
	}
	e.emit(started, from, 0, nil, 0)

	a := &attempt{id: started.ID, inst: started, def: def, delivery: d, began: now}
	return e.execute(ctx, a, lg)
}

type outcome struct {
	result any
	err    error
}

func (e *Executor) execute(ctx context.Context, a *attempt, lg zerolog.Logger) error {
	settle := context.WithoutCancel(ctx)
	spanCtx, span := e.cfg.Tracer.Start(settle, "workq.task.execute",
		trace.WithAttributes(
			attribute.String("workq.instance.id", a.inst.ID),
			attribute.String("workq.task", a.inst.Task),
			attribute.String("workq.queue", a.inst.Queue),
			attribute.Int("workq.attempt", a.inst.Attempt),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	hctx, cancel := context.WithCancelCause(spanCtx)
	defer cancel(nil)
	a.cancel = cancel
	e.track(a)
	defer e.untrack(a.id)

	soft, hard := e.limits(a.def)
	if soft > 0 {
		t := time.AfterFunc(soft, func() {
			a.softHit.Store(true)
			cancel(domain.ErrSoftTimeLimitExceeded)
		})
		defer t.Stop()
	}
	var hardC <-chan time.Time
	if hard > 0 {
		t := time.NewTimer(hard)
		defer t.Stop()
		hardC = t.C
	}

	done := make(chan outcome, 1)
	req := task.NewRequest(a.inst, e.progressFunc(a))
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		res, err := a.def.Handler.Handle(hctx, req)
		done <- outcome{result: res, err: err}
	}()

	var err error
	select {
	case out := <-done:
		err = e.finish(settle, a, hctx, out, lg)
	case <-hardC:
		cancel(domain.ErrTimeLimitExceeded)
		e.await(done, lg, "hard time limit")
		err = e.fail(settle, a, &domain.ErrorInfo{Kind: domain.KindTimeLimit, Message: fmt.Sprintf("%s after %s", domain.ErrTimeLimitExceeded, hard)}, lg)
	case <-ctx.Done():
		cancel(errShutdown)
		if out, ok := e.await(done, lg, "shutdown"); ok {
			err = e.finish(settle, a, hctx, out, lg)
		} else {
			err = e.requeue(settle, a, lg)
		}
	}
	if msg, failed := a.failure(); failed {
		span.SetStatus(codes.Error, msg)
	} else if err == nil {
		span.SetStatus(codes.Ok, "")
	}
	return err
}

// await gives an interrupted handler the grace period to return.
func (e *Executor) await(done <-chan outcome, lg zerolog.Logger, why string) (outcome, bool) {
	t := time.NewTimer(e.cfg.Grace)
	defer t.Stop()
	select {
	case out := <-done:
		return out, true
	case <-t.C:
		lg.Warn().Str("reason", why).Dur("grace", e.cfg.Grace).Msg("handler did not return in time, abandoning it")
		return outcome{}, false
	}
}

// failure describes the recorded error of a settled attempt.
func (a *attempt) failure() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.final == nil || a.final.State == domain.StateSuccess || a.final.Error == nil {
		return "", false
	}
	return string(a.final.Error.Kind) + ": " + a.final.Error.Message, true
}

// finish records the outcome of a handler that returned.
func (e *Executor) finish(ctx context.Context, a *attempt, hctx context.Context, out outcome, lg zerolog.Logger) error {
	if out.err == nil {
		return e.succeed(ctx, a, out.result, lg)
	}

	cause := context.Cause(hctx)
	switch {
	case a.revoked.Load() || errors.Is(cause, domain.ErrRevoked):
		return e.revoked(ctx, a, lg)
	case errors.Is(cause, errShutdown):
		return e.requeue(ctx, a, lg)
	}

	kind := domain.KindHandler
	switch {
	case errors.Is(out.err, task.ErrDecode):
		kind = domain.KindDecode
	case a.softHit.Load() && (errors.Is(out.err, domain.ErrSoftTimeLimitExceeded) || errors.Is(out.err, context.Canceled)):
		kind = domain.KindSoftTimeLimit
	}
	info := &domain.ErrorInfo{Kind: kind, Message: out.err.Error()}
	if task.IsPermanent(out.err) || a.inst.Attempt > a.inst.MaxRetries {
		return e.fail(ctx, a, info, lg)
	}
	return e.retry(ctx, a, info, lg)
}

func (e *Executor) succeed(ctx context.Context, a *attempt, result any, lg zerolog.Logger) error {
	var raw json.RawMessage
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return e.fail(ctx, a, &domain.ErrorInfo{Kind: domain.KindHandler, Message: "encode result: " + err.Error()}, lg)
		}
		raw = b
	}
	u := domain.Update{Result: raw}
	if raw == nil {
		u.Result = json.RawMessage("null")
	}
	if a.softHit.Load() {
		p := domain.Progress{}
		a.mu.Lock()
		if a.progress != nil {
			p = *a.progress
		}
		a.mu.Unlock()
		p.SoftLimitExceeded = true
		u.Progress = &p
	}
	return e.settle(ctx, a, domain.StateSuccess, u, nil, 0, lg)
}

func (e *Executor) fail(ctx context.Context, a *attempt, info *domain.ErrorInfo, lg zerolog.Logger) error {
	return e.settle(ctx, a, domain.StateFailure, domain.Update{Error: info}, info, 0, lg)
}

func (e *Executor) revoked(ctx context.Context, a *attempt, lg zerolog.Logger) error {
	info := &domain.ErrorInfo{Kind: domain.KindRevoked, Message: "revoked while running"}
	return e.settle(ctx, a, domain.StateRevoked, domain.Update{Error: info}, info, 0, lg)
}

// retry enqueues the next attempt and then records RETRY. If the enqueue
// fails the instance stays running and the sweeper retries it once its
// heartbeat goes stale.
func (e *Executor) retry(ctx context.Context, a *attempt, info *domain.ErrorInfo, lg zerolog.Logger) error {
	delay := e.policy(a.def).Delay(a.inst.Attempt)
	eta := e.cfg.Now().UTC().Add(delay)
	next := a.delivery.Message
	next.Attempt = a.inst.Attempt + 1
	next.ETA = eta
	next.SentAt = e.cfg.Now().UTC()
	if err := e.cfg.Retry.Enqueue(ctx, e.cfg.Broker, a.delivery.Queue, next); err != nil {
		e.reject(ctx, a.delivery, true, lg)
		return fmt.Errorf("enqueue retry of %s: %w", a.inst.ID, err)
	}
	return e.settle(ctx, a, domain.StateRetry, domain.Update{Error: info, ETA: &eta}, info, delay, lg)
}

// requeue puts the interrupted attempt back on the queue unchanged and rolls
// the stored attempt counter back so the redelivery is accepted.
func (e *Executor) requeue(ctx context.Context, a *attempt, lg zerolog.Logger) error {
	next := a.delivery.Message
	next.ETA = time.Time{}
	next.SentAt = e.cfg.Now().UTC()
	if err := e.cfg.Retry.Enqueue(ctx, e.cfg.Broker, a.delivery.Queue, next); err != nil {
		e.reject(ctx, a.delivery, true, lg)
		return fmt.Errorf("requeue %s: %w", a.inst.ID, err)
	}
	prev := a.inst.Attempt - 1
	info := &domain.ErrorInfo{Kind: domain.KindWorkerLost, Message: errShutdown.Error()}
	return e.settle(ctx, a, domain.StateRetry, domain.Update{Attempt: &prev, Error: info}, info, 0, lg)
}

// settle moves the attempt out of its running state and acknowledges the
// delivery. A lost compare-and-swap means another party already settled the
// instance; the delivery is acknowledged all the same.
func (e *Executor) settle(ctx context.Context, a *attempt, to domain.State, u domain.Update, info *domain.ErrorInfo, retryIn time.Duration, lg zerolog.Logger) error {
	from := domain.StateStarted
	a.mu.Lock()
	if a.progress != nil {
		from = domain.StateProgress
	}
	a.mu.Unlock()

	inst, err := e.cfg.Results.Transition(ctx, a.id, from, to, u)
	var te *domain.TransitionError
	if errors.As(err, &te) && te.Actual.Running() && te.Actual != from {
		from = te.Actual
		inst, err = e.cfg.Results.Transition(ctx, a.id, from, to, u)
	}
	switch {
	case errors.Is(err, domain.ErrInvalidTransition):
		lg.Warn().Err(err).Str("to", string(to)).Msg("instance settled elsewhere, outcome discarded")
	case err != nil:
		e.reject(ctx, a.delivery, true, lg)
		return fmt.Errorf("record %s for %s: %w", to, a.inst.ID, err)
	default:
		a.mu.Lock()
		a.final = inst
		a.mu.Unlock()
		e.emit(inst, from, e.cfg.Now().Sub(a.began), info, retryIn)
	}
	return e.ack(ctx, a.delivery, lg)
}

func (e *Executor) progressFunc(a *attempt) task.ProgressFunc {
	return func(ctx context.Context, p domain.Progress) error {
		inst, err := e.cfg.Results.UpdateProgress(context.WithoutCancel(ctx), a.id, p)
		if err != nil {
			return err
		}
		a.mu.Lock()
		first := a.progress == nil
		a.progress = &p
		a.mu.Unlock()
		if first {
			e.emit(inst, domain.StateStarted, e.cfg.Now().Sub(a.began), nil, 0)
		}
		return nil
	}
}

func (e *Executor) track(a *attempt) {
	e.mu.Lock()
	e.running[a.id] = a
	e.mu.Unlock()
}

func (e *Executor) untrack(id string) {
	e.mu.Lock()
	delete(e.running, id)
	e.mu.Unlock()
}

// Beat stamps a heartbeat on every running instance and cancels the ones
// that were revoked since the last beat.
func (e *Executor) Beat(ctx context.Context) error {
	e.mu.Lock()
	running := make([]*attempt, 0, len(e.running))
	ids := make([]string, 0, len(e.running))
	for id, a := range e.running {
		running = append(running, a)
		ids = append(ids, id)
	}
	e.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}
	if err := e.cfg.Results.Heartbeat(ctx, ids, e.cfg.Now().UTC()); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	for _, a := range running {
		inst, err := e.cfg.Results.Get(ctx, a.id)
		if err != nil {
			e.log.Warn().Err(err).Str("instance_id", a.id).Msg("revoke check failed")
			continue
		}
		if inst.RevokeRequested {
			e.log.Info().Str("instance_id", inst.ID).Msg("cancelling revoked instance")
			a.revoked.Store(true)
			a.cancel(domain.ErrRevoked)
		}
	}
	return nil
}

func (e *Executor) emit(inst *domain.Instance, from domain.State, runtime time.Duration, info *domain.ErrorInfo, retryIn time.Duration) {
	ev := events.Event{
		InstanceID: inst.ID,
		Task:       inst.Task,
		Queue:      inst.Queue,
		Worker:     e.cfg.Name,
		From:       from,
		To:         inst.State,
		Attempt:    inst.Attempt,
		At:         e.cfg.Now().UTC(),
		Runtime:    runtime,
		RetryIn:    retryIn,
	}
	if info != nil {
		ev.ErrorKind = info.Kind
		ev.Error = info.Message
	}
	e.cfg.Observer.Observe(ev)
}

func (e *Executor) ack(ctx context.Context, d broker.Delivery, lg zerolog.Logger) error {
	if err := e.cfg.Broker.Ack(ctx, d); err != nil {
		lg.Warn().Err(err).Msg("ack failed")
		return fmt.Errorf("ack %s: %w", d.Message.ID, err)
	}
	return nil
}

func (e *Executor) reject(ctx context.Context, d broker.Delivery, requeue bool, lg zerolog.Logger) error {
	if err := e.cfg.Broker.Reject(ctx, d, requeue); err != nil {
		lg.Warn().Err(err).Bool("requeue", requeue).Msg("reject failed")
		return fmt.Errorf("reject %s: %w", d.Message.ID, err)
	}
	return nil
}
