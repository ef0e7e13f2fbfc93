// Package app assembles the component graph described by a config.Config.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"workq/internal/api"
	"workq/internal/backoff"
	"workq/internal/broker"
	"workq/internal/config"
	"workq/internal/engine"
	"workq/internal/events"
	"workq/internal/metrics"
	"workq/internal/registry"
	"workq/internal/router"
	"workq/internal/scheduler"
	"workq/internal/store"
	"workq/internal/task"
	"workq/internal/worker"
)

// Backend is a result store that also keeps schedule state.
type Backend interface {
	store.ResultStore
	store.ScheduleStore
}

type App struct {
	Config   *config.Config
	Registry *registry.Registry
	Router   *router.Router
	Broker   broker.Broker
	Store    Backend
	Engine   *engine.Engine
	Metrics  *metrics.Metrics
	Prom     *prometheus.Registry
	Observer events.Observer

	checks  map[string]api.Check
	conns   map[string]*sql.DB
	closers []func() error
	log     zerolog.Logger
}

// Option customises New.
type Option func(*options)

type options struct {
	defs []task.Definition
}

// WithTasks registers application task definitions next to the built-ins.
func WithTasks(defs ...task.Definition) Option {
	return func(o *options) { o.defs = append(o.defs, defs...) }
}

// New opens the store and broker named by cfg and builds the engine.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *App, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{
		Config:   cfg,
		Registry: registry.New(),
		Prom:     prometheus.NewRegistry(),
		checks:   map[string]api.Check{},
		conns:    map[string]*sql.DB{},
		log:      log.With().Str("component", "app").Logger(),
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.Router, err = router.New(cfg.Routes); err != nil {
		return nil, err
	}
	if err = a.openStore(ctx); err != nil {
		return nil, err
	}
	if err = a.openBroker(ctx); err != nil {
		return nil, err
	}

	defs, err := builtins(cfg, a.Store)
	if err != nil {
		return nil, err
	}
	for _, def := range append(defs, o.defs...) {
		if err = a.Registry.Register(def); err != nil {
			return nil, err
		}
	}

	a.Prom.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Prom)
	if in, ok := a.Broker.(broker.Inspector); ok {
		if err = metrics.RegisterQueueDepth(a.Prom, in, a.Queues); err != nil {
			return nil, fmt.Errorf("register queue depth: %w", err)
		}
	}
	a.Observer = events.Multi{events.LogObserver{Logger: log.With().Str("component", "events").Logger()}, a.Metrics}

	engineLog := log.With().Str("component", "engine").Logger()
	a.Engine = engine.New(engine.Config{
		Registry: a.Registry,
		Router:   a.Router,
		Broker:   a.Broker,
		Results:  a.Store,
		Observer: a.Observer,
		Logger:   &engineLog,
	})
	return a, nil
}

// Queues lists every queue a dispatch could land on: configured worker
// queues, routing destinations and each task's resolved queue.
func (a *App) Queues() []string {
	seen := map[string]struct{}{}
	add := func(q string) {
		if q != "" {
			seen[q] = struct{}{}
		}
	}
	for _, q := range a.Config.Worker.Queues {
		add(q)
	}
	for _, q := range a.Router.Queues() {
		add(q)
	}
	for _, name := range a.Registry.Names() {
		if q, err := a.Engine.ResolveQueue(name); err == nil {
			add(q)
		}
	}
	if len(seen) == 0 {
		add(engine.DefaultQueue)
	}
	out := make([]string, 0, len(seen))
	for q := range seen {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}

// Worker builds a pool consuming queues, or the configured queues when
// none are given. With neither it consumes every known queue.
func (a *App) Worker(name string, queues []string) (*worker.Pool, error) {
	wc := a.Config.Worker
	if len(queues) == 0 {
		queues = wc.Queues
	}
	if len(queues) == 0 {
		queues = a.Queues()
	}
	if name == "" {
		name = wc.Name
	}
	if name == "" {
		name = worker.DefaultName()
	}
	lg := log.With().Str("component", "worker").Str("worker", name).Logger()
	return worker.NewPool(worker.Config{
		Name:              name,
		Queues:            queues,
		Prefetch:          wc.Prefetch,
		Registry:          a.Registry,
		Broker:            a.Broker,
		Results:           a.Store,
		Observer:          a.Observer,
		Backoff:           backoff.NewExponential(a.Config.Backoff.Base, a.Config.Backoff.Cap),
		HardLimit:         wc.HardLimit,
		SoftLimit:         wc.SoftLimit,
		Grace:             wc.Grace,
		HeartbeatInterval: wc.HeartbeatInterval,
		VisibilityTimeout: wc.VisibilityTimeout,
		SweepInterval:     wc.SweepInterval,
		ShutdownTimeout:   wc.ShutdownTimeout,
		Logger:            &lg,
	})
}

// Scheduler builds the periodic scheduler from the configured entries.
func (a *App) Scheduler() (*scheduler.Scheduler, error) {
	entries, err := Entries(a.Config)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if _, err := a.Registry.Lookup(e.Task); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", e.Name, err)
		}
	}
	lg := log.With().Str("component", "scheduler").Logger()
	return scheduler.New(scheduler.Config{
		Entries:    entries,
		Dispatcher: a.Engine,
		Store:      a.Store,
		Tick:       a.Config.Scheduler.Tick,
		Missed:     scheduler.MissedPolicy(a.Config.Scheduler.MissedPolicy),
		MaxCatchup: a.Config.Scheduler.MaxCatchup,
		Recorder:   a.Metrics,
		Logger:     &lg,
	})
}

// Entries converts the configured schedules into scheduler entries.
func Entries(cfg *config.Config) ([]scheduler.Entry, error) {
	loc := cfg.Location()
	out := make([]scheduler.Entry, 0, len(cfg.Schedules))
	for _, s := range cfg.Schedules {
		args, err := s.RawArgs()
		if err != nil {
			return nil, fmt.Errorf("schedule %s args: %w", s.Name, err)
		}
		var tr scheduler.Trigger
		switch {
		case s.Every > 0:
			tr = scheduler.Interval{Every: s.Every}
		case s.Cron != "":
			tr, err = scheduler.ParseCron(s.Cron, loc)
		default:
			tr, err = scheduler.NewCrontab(s.Minute, s.Hour, s.DayOfWeek, s.DayOfMonth, s.MonthOfYear, loc)
		}
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", s.Name, err)
		}
		out = append(out, scheduler.Entry{
			Name: s.Name, Task: s.Task, Args: args, Queue: s.Queue, Trigger: tr, Disabled: s.Disabled,
		})
	}
	return out, nil
}

// Handler builds the HTTP API. sched may be nil.
func (a *App) Handler(sched api.Schedules, debug bool) http.Handler {
	lg := log.With().Str("component", "api").Logger()
	return api.NewServer(api.Config{
		Engine:    a.Engine,
		Registry:  a.Registry,
		Schedules: sched,
		Gatherer:  a.Prom,
		Requests:  a.Metrics,
		Checks:    a.checks,
		Debug:     debug,
		Logger:    &lg,
	})
}

// Close releases the broker and the database handles in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
