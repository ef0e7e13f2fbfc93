package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"workq/internal/broker"
	"workq/internal/domain"
	"workq/internal/events"
)

// sweepBatch bounds the stale instances handled per sweep.
const sweepBatch = 100

// Sweeper recovers work whose worker disappeared: expired broker leases are
// requeued and running instances without a recent heartbeat are retried or
// failed with WorkerLost.
type Sweeper struct {
	cfg Config
	log zerolog.Logger
}

func NewSweeper(cfg Config) *Sweeper {
	cfg = cfg.withDefaults()
	return &Sweeper{cfg: cfg, log: cfg.logger().With().Str("component", "sweeper").Logger()}
}

// Sweep runs one recovery pass and returns the number of instances it
// settled.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if r, ok := s.cfg.Broker.(broker.Recoverer); ok {
		n, err := r.RecoverExpired(ctx)
		if err != nil {
			s.log.Warn().Err(err).Msg("recover expired leases")
		} else if n > 0 {
			s.log.Info().Int("messages", n).Msg("requeued expired deliveries")
		}
	}

	now := s.cfg.Now().UTC()
	stale, err := s.cfg.Results.ListStale(ctx, now.Add(-s.cfg.VisibilityTimeout), sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list stale instances: %w", err)
	}
	settled := 0
	var errs []error
	for _, inst := range stale {
		ok, err := s.recover(ctx, inst)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			settled++
		}
	}
	return settled, errors.Join(errs...)
}

func (s *Sweeper) recover(ctx context.Context, inst *domain.Instance) (bool, error) {
	lg := s.log.With().Str("instance_id", inst.ID).Str("task", inst.Task).Int("attempt", inst.Attempt).Logger()
	seen := inst.UpdatedAt
	if inst.HeartbeatAt != nil {
		seen = *inst.HeartbeatAt
	}
	info := &domain.ErrorInfo{
		Kind:    domain.KindWorkerLost,
		Message: fmt.Sprintf("worker %q stopped heartbeating at %s", inst.Worker, seen.Format(time.RFC3339)),
	}

	to := domain.StateFailure
	u := domain.Update{Error: info}
	if inst.Attempt <= inst.MaxRetries {
		now := s.cfg.Now().UTC()
		msg := broker.Message{
			ID:         inst.ID,
			Task:       inst.Task,
			Queue:      inst.Queue,
			Args:       inst.Args,
			Attempt:    inst.Attempt + 1,
			MaxRetries: inst.MaxRetries,
			SentAt:     now,
		}
		if inst.Schedule != nil {
			msg.Schedule = *inst.Schedule
		}
		if err := s.cfg.Retry.Enqueue(ctx, s.cfg.Broker, inst.Queue, msg); err != nil {
			return false, fmt.Errorf("enqueue recovery of %s: %w", inst.ID, err)
		}
		to = domain.StateRetry
		u.ETA = &now
	}

	out, err := s.cfg.Results.Transition(ctx, inst.ID, inst.State, to, u)
	if errors.Is(err, domain.ErrInvalidTransition) {
		lg.Debug().Err(err).Msg("stale instance moved on before the sweep")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("recover %s: %w", inst.ID, err)
	}
	lg.Warn().Str("state", string(to)).Str("worker", inst.Worker).Msg("worker lost")
	s.cfg.Observer.Observe(events.Event{
		InstanceID: out.ID,
		Task:       out.Task,
		Queue:      out.Queue,
		Worker:     inst.Worker,
		From:       inst.State,
		To:         out.State,
		Attempt:    out.Attempt,
		At:         s.cfg.Now().UTC(),
		ErrorKind:  info.Kind,
		Error:      info.Message,
	})
	return true, nil
}
