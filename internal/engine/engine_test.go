package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workq/internal/backoff"
	"workq/internal/broker"
	brokermem "workq/internal/broker/memory"
	"workq/internal/domain"
	"workq/internal/events"
	"workq/internal/registry"
	"workq/internal/router"
	"workq/internal/store"
	storemem "workq/internal/store/memory"
	"workq/internal/task"
)

type fixture struct {
	engine  *Engine
	broker  *brokermem.Broker
	results *storemem.Store
	events  *events.Recorder
}

func noop(context.Context, *task.Request) (any, error) { return nil, nil }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := registry.New()
	reg.MustRegister(task.Definition{Name: "reports.generate", Queue: "reports_default", MaxRetries: 3, Handler: task.HandlerFunc(noop)})
	reg.MustRegister(task.Definition{Name: "reports.export", Queue: "reports_default", Handler: task.HandlerFunc(noop)})
	reg.MustRegister(task.Definition{Name: "mail.send", Handler: task.HandlerFunc(noop)})

	rt, err := router.New([]router.Rule{
		{Pattern: "reports.*", Queue: "reports_queue"},
		{Pattern: "reports.generate", Queue: "priority_queue"},
	})
	require.NoError(t, err)

	f := &fixture{
		broker:  brokermem.New(broker.Options{PollTimeout: 10 * time.Millisecond}),
		results: storemem.New(),
		events:  &events.Recorder{},
	}
	f.engine = New(Config{
		Registry: reg,
		Router:   rt,
		Broker:   f.broker,
		Results:  f.results,
		Observer: f.events,
		Retry:    broker.Retry{Attempts: 2, Backoff: backoff.Constant{Interval: time.Millisecond}},
	})
	return f
}

func TestDispatchRoutesAndRecordsPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.engine.Dispatch(ctx, "reports.generate", map[string]int{"user": 7}, Options{})
	require.NoError(t, err)

	st, err := f.engine.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, st.State)
	assert.Equal(t, "priority_queue", st.Queue)

	pending := f.broker.Pending("priority_queue")
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)
	assert.Equal(t, 1, pending[0].Attempt)
	assert.Equal(t, 3, pending[0].MaxRetries)
	assert.JSONEq(t, `{"user":7}`, string(pending[0].Args))

	evs := f.events.For(id)
	require.Len(t, evs, 1)
	assert.Equal(t, domain.StatePending, evs[0].To)
}

func TestDispatchQueueResolution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.engine.Dispatch(ctx, "reports.export", nil, Options{})
	require.NoError(t, err)
	st, _ := f.engine.Status(ctx, id)
	assert.Equal(t, "reports_queue", st.Queue)

	id, err = f.engine.Dispatch(ctx, "mail.send", nil, Options{})
	require.NoError(t, err)
	st, _ = f.engine.Status(ctx, id)
	assert.Equal(t, DefaultQueue, st.Queue)

	id, err = f.engine.Dispatch(ctx, "reports.generate", nil, Options{Queue: "manual"})
	require.NoError(t, err)
	st, _ = f.engine.Status(ctx, id)
	assert.Equal(t, "manual", st.Queue)
}

func TestDispatchUnknownTaskStoresNothing(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Dispatch(context.Background(), "unknown.task", nil, Options{})
	assert.ErrorIs(t, err, domain.ErrUnknownTask)

	all, err := f.results.List(context.Background(), store.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Zero(t, f.broker.Len(DefaultQueue))
}

func TestDispatchOptions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)
	f.engine.now = func() time.Time { return now }

	zero := 0
	id, err := f.engine.Dispatch(ctx, "mail.send", nil, Options{Delay: time.Minute, MaxRetries: &zero, Schedule: "hourly"})
	require.NoError(t, err)
	msg := f.broker.Pending(DefaultQueue)[0]
	assert.Equal(t, now.Add(time.Minute), msg.ETA)
	assert.Equal(t, 0, msg.MaxRetries)
	assert.Equal(t, "hourly", msg.Schedule)

	inst, err := f.results.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, inst.Schedule)
	assert.Equal(t, "hourly", *inst.Schedule)

	neg := -1
	_, err = f.engine.Dispatch(ctx, "mail.send", nil, Options{MaxRetries: &neg})
	assert.Error(t, err)

	_, err = f.engine.Dispatch(ctx, "mail.send", []byte(`{bad`), Options{})
	assert.Error(t, err)
}

func TestDispatchFixedIDIsIdempotentWhilePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.engine.Dispatch(ctx, "mail.send", nil, Options{ID: "fixed"})
	require.NoError(t, err)
	assert.Equal(t, "fixed", id)
	_, err = f.engine.Dispatch(ctx, "mail.send", nil, Options{ID: "fixed"})
	require.NoError(t, err)
	assert.Equal(t, 2, f.broker.Len(DefaultQueue), "pending instance is re-enqueued")

	_, err = f.results.Transition(ctx, "fixed", domain.StatePending, domain.StateRevoked, domain.Update{})
	require.NoError(t, err)
	_, err = f.engine.Dispatch(ctx, "mail.send", nil, Options{ID: "fixed"})
	require.NoError(t, err)
	assert.Equal(t, 2, f.broker.Len(DefaultQueue), "settled instance is left alone")
}

func TestDispatchRecoversPendingInstanceWithoutMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created := time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC)
	require.NoError(t, f.results.Create(ctx, &domain.Instance{
		ID: "stranded", Task: "mail.send", Queue: DefaultQueue, State: domain.StatePending, CreatedAt: created,
	}))
	assert.Equal(t, 0, f.broker.Len(DefaultQueue))

	id, err := f.engine.Dispatch(ctx, "mail.send", nil, Options{ID: "stranded"})
	require.NoError(t, err)
	assert.Equal(t, "stranded", id)

	pending := f.broker.Pending(DefaultQueue)
	require.Len(t, pending, 1)
	assert.Equal(t, "stranded", pending[0].ID)
	assert.Equal(t, 1, pending[0].Attempt)

	st, err := f.engine.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, st.State)
	assert.True(t, created.Equal(st.Created))
}

func TestDispatchBrokerDownRevokesInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.broker.Close())

	_, err := f.engine.Dispatch(ctx, "mail.send", nil, Options{ID: "lost"})
	assert.ErrorIs(t, err, domain.ErrBrokerUnavailable)

	inst, err := f.results.Get(ctx, "lost")
	require.NoError(t, err)
	assert.Equal(t, domain.StateRevoked, inst.State)
}

func TestRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.engine.Dispatch(ctx, "mail.send", nil, Options{})
	require.NoError(t, err)
	st, err := f.engine.Revoke(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRevoked, st.State)

	evs := f.events.For(id)
	require.Len(t, evs, 2)
	assert.Equal(t, domain.StatePending, evs[1].From)
	assert.Equal(t, domain.StateRevoked, evs[1].To)

	_, err = f.engine.Revoke(ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestWaitReturnsTerminalStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.engine.Dispatch(ctx, "mail.send", nil, Options{})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		one := 1
		f.results.Transition(ctx, id, domain.StatePending, domain.StateStarted, domain.Update{Attempt: &one})
		f.results.Transition(ctx, id, domain.StateStarted, domain.StateSuccess, domain.Update{Result: []byte(`"ok"`)})
	}()

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	st, err := f.engine.Wait(wctx, id, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSuccess, st.State)
	assert.JSONEq(t, `"ok"`, string(st.Result))
}
