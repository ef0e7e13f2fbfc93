package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"workq/internal/backoff"
)

// dequeueBackoff spaces out polls while the broker keeps failing.
var dequeueBackoff = backoff.NewExponential(100*time.Millisecond, 5*time.Second)

// Pool consumes the configured queues with at most Prefetch deliveries in
// flight across all of them.
type Pool struct {
	cfg     Config
	exec    *Executor
	sweeper *Sweeper
	sem     *semaphore.Weighted
	log     zerolog.Logger
}

func NewPool(cfg Config) (*Pool, error) {
	cfg = cfg.withDefaults()
	if len(cfg.Queues) == 0 {
		return nil, errors.New("worker: at least one queue is required")
	}
	if cfg.Broker == nil || cfg.Results == nil || cfg.Registry == nil {
		return nil, errors.New("worker: broker, results and registry are required")
	}
	return &Pool{
		cfg:     cfg,
		exec:    NewExecutor(cfg),
		sweeper: NewSweeper(cfg),
		sem:     semaphore.NewWeighted(int64(cfg.Prefetch)),
		log:     cfg.logger().With().Str("worker", cfg.Name).Logger(),
	}, nil
}

func (p *Pool) Executor() *Executor { return p.exec }

// Run consumes until ctx ends, then waits up to ShutdownTimeout for running
// handlers. Handlers still running after that are interrupted and their
// attempts requeued.
func (p *Pool) Run(ctx context.Context) error {
	execCtx, stopExec := context.WithCancel(context.WithoutCancel(ctx))
	defer stopExec()
	var inflight sync.WaitGroup

	p.log.Info().Strs("queues", p.cfg.Queues).Int("prefetch", p.cfg.Prefetch).Msg("worker started")
	g, gctx := errgroup.WithContext(ctx)
	for _, q := range p.cfg.Queues {
		g.Go(func() error { return p.consume(gctx, execCtx, q, &inflight) })
	}
	g.Go(func() error {
		return p.tick(gctx, "heartbeat", p.cfg.HeartbeatInterval, p.exec.Beat)
	})
	g.Go(func() error {
		return p.tick(gctx, "sweep", p.cfg.SweepInterval, func(ctx context.Context) error {
			_, err := p.sweeper.Sweep(ctx)
			return err
		})
	})
	err := g.Wait()

	drained := make(chan struct{})
	go func() {
		inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(p.cfg.ShutdownTimeout):
		p.log.Warn().Int("running", len(p.exec.Running())).Msg("shutdown timeout reached, interrupting handlers")
		stopExec()
		<-drained
	}
	p.log.Info().Msg("worker stopped")
	return err
}

func (p *Pool) consume(ctx, execCtx context.Context, queue string, inflight *sync.WaitGroup) error {
	lg := p.log.With().Str("queue", queue).Logger()
	failures := 0
	for {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		n := 1
		for n < p.cfg.Prefetch && p.sem.TryAcquire(1) {
			n++
		}
		ds, err := p.cfg.Broker.Dequeue(ctx, queue, n)
		if unused := n - len(ds); unused > 0 {
			p.sem.Release(int64(unused))
		}
		for _, d := range ds {
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				defer p.sem.Release(1)
				if err := p.exec.Process(execCtx, d); err != nil {
					lg.Error().Err(err).Str("instance_id", d.Message.ID).Msg("delivery not settled")
				}
			}()
		}
		if err == nil {
			failures = 0
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		failures++
		delay := dequeueBackoff.Delay(failures)
		lg.Error().Err(err).Dur("retry_in", delay).Msg("dequeue failed")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// tick calls fn every d until ctx ends. Errors are logged, not returned.
func (p *Pool) tick(ctx context.Context, name string, d time.Duration, fn func(context.Context) error) error {
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := fn(ctx); err != nil {
				p.log.Warn().Err(err).Str("job", name).Msg("periodic worker job failed")
			}
		}
	}
}
