package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"workq/internal/broker"
	brokermem "workq/internal/broker/memory"
	"workq/internal/domain"
	"workq/internal/engine"
	"workq/internal/events"
	"workq/internal/registry"
	storemem "workq/internal/store/memory"
	"workq/internal/task"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fixture struct {
	broker  *brokermem.Broker
	results *storemem.Store
	events  *events.Recorder
	engine  *engine.Engine
	exec    *Executor
	cfg     Config
}

// newFixture wires an executor and an engine over in-memory adapters. cfg
// supplies limits, clock and tracer; the adapters are filled in here.
func newFixture(t *testing.T, cfg Config, defs ...task.Definition) *fixture {
	t.Helper()
	reg := registry.New()
	for _, d := range defs {
		reg.MustRegister(d)
	}
	f := &fixture{
		broker:  brokermem.New(broker.Options{PollTimeout: 20 * time.Millisecond}),
		results: storemem.New(),
		events:  &events.Recorder{},
	}
	if cfg.Now != nil {
		f.broker.SetClock(cfg.Now)
	}
	cfg.Name = "test-worker"
	cfg.Queues = []string{engine.DefaultQueue}
	cfg.Registry = reg
	cfg.Broker = f.broker
	cfg.Results = f.results
	cfg.Observer = f.events
	if cfg.Grace == 0 {
		cfg.Grace = 50 * time.Millisecond
	}
	f.cfg = cfg
	f.exec = NewExecutor(cfg)
	f.engine = engine.New(engine.Config{
		Registry: reg,
		Broker:   f.broker,
		Results:  f.results,
		Observer: f.events,
		Now:      cfg.Now,
	})
	t.Cleanup(func() { f.broker.Close() })
	return f
}

func (f *fixture) dispatch(t *testing.T, name string, args any) string {
	t.Helper()
	id, err := f.engine.Dispatch(context.Background(), name, args, engine.Options{})
	require.NoError(t, err)
	return id
}

func (f *fixture) next(t *testing.T) broker.Delivery {
	t.Helper()
	ds, err := f.broker.Dequeue(context.Background(), engine.DefaultQueue, 1)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	return ds[0]
}

func (f *fixture) instance(t *testing.T, id string) *domain.Instance {
	t.Helper()
	inst, err := f.results.Get(context.Background(), id)
	require.NoError(t, err)
	return inst
}

func (f *fixture) transitions(id string, to domain.State) int {
	n := 0
	for _, e := range f.events.For(id) {
		if e.To == to {
			n++
		}
	}
	return n
}

func def(name string, maxRetries int, h task.HandlerFunc) task.Definition {
	return task.Definition{Name: name, MaxRetries: maxRetries, Handler: h}
}

// waitState polls the store until id reaches state.
func (f *fixture) waitState(t *testing.T, id string, state domain.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		inst, err := f.results.Get(context.Background(), id)
		return err == nil && inst.State == state
	}, 2*time.Second, 5*time.Millisecond)
}
