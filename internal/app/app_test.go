package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workq/internal/config"
	"workq/internal/domain"
	"workq/internal/engine"
	"workq/internal/handlers/maintenance"
	"workq/internal/scheduler"
)

func load(t *testing.T, body string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "workq.yaml")
	body = "store:\n  driver: memory\n" + body
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	cfg, err := config.Load(config.New(), config.Source{File: path, EnvFile: filepath.Join(dir, "none.env")})
	require.NoError(t, err)
	return cfg
}

const memoryApp = `
broker:
  driver: memory
  poll_timeout: 20ms
worker:
  heartbeat_interval: 50ms
  grace: 100ms
  shutdown_timeout: 1s
routes:
  - pattern: "ops.*"
    queue: ops
tasks:
  - name: ops.echo
    handler: shell
    command: echo
    args: ["hello"]
  - name: hooks.notify
    handler: http
    url: http://localhost:1/hook
    queue: hooks
schedules:
  - name: nightly
    task: ops.echo
    minute: "30"
    hour: "2"
  - name: often
    task: ops.echo
    every: 10m
  - name: hourly
    task: hooks.notify
    cron: "@hourly"
`

func TestNewBuildsRegistry(t *testing.T) {
	a, err := New(context.Background(), load(t, memoryApp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.Equal(t, []string{"hooks.notify", "ops.echo", maintenance.PurgeResults}, a.Registry.Names())
	assert.Equal(t, []string{engine.DefaultQueue, "hooks", "ops"}, a.Queues())

	q, err := a.Engine.ResolveQueue("ops.echo")
	require.NoError(t, err)
	assert.Equal(t, "ops", q)
}

func TestEntries(t *testing.T) {
	entries, err := Entries(load(t, memoryApp))
	require.NoError(t, err)
	require.Len(t, entries, 3)

	from := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 10, 15, 2, 30, 0, 0, time.UTC), entries[0].Trigger.Next(from))
	assert.Equal(t, scheduler.Interval{Every: 10 * time.Minute}, entries[1].Trigger)
	assert.Equal(t, from.Add(time.Hour), entries[2].Trigger.Next(from))
}

func TestSchedulerRejectsUnknownTask(t *testing.T) {
	a, err := New(context.Background(), load(t, `
broker:
  driver: memory
schedules:
  - name: ghost
    task: nope.missing
    every: 1m
`))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	_, err = a.Scheduler()
	assert.ErrorIs(t, err, domain.ErrUnknownTask)
}

func TestWorkerRunsConfiguredShellTask(t *testing.T) {
	a, err := New(context.Background(), load(t, memoryApp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	pool, err := a.Worker("test", nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	id, err := a.Engine.Dispatch(context.Background(), "ops.echo", nil, engine.Options{})
	require.NoError(t, err)

	wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer wcancel()
	st, err := a.Engine.Wait(wctx, id, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, domain.StateSuccess, st.State, "%+v", st.Error)

	var out struct {
		Output string `json:"output"`
	}
	require.NoError(t, json.Unmarshal(st.Result, &out))
	assert.Equal(t, "hello\n", out.Output)
	assert.Equal(t, "test", st.Worker)
}

func TestSQLiteStoreAndBrokerShareDatabase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workq.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  driver: sqlite\n  path: "+filepath.Join(dir, "q.db")+"\n"), 0o600))
	cfg, err := config.Load(config.New(), config.Source{File: path, EnvFile: filepath.Join(dir, "none.env")})
	require.NoError(t, err)

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	assert.Len(t, a.conns, 1)

	id, err := a.Engine.Dispatch(context.Background(), maintenance.PurgeResults, nil, engine.Options{})
	require.NoError(t, err)
	st, err := a.Engine.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, st.State)
	assert.Equal(t, engine.DefaultQueue, st.Queue)
	for name, check := range a.checks {
		assert.NoError(t, check(context.Background()), name)
	}
}

func TestUnknownDriversFail(t *testing.T) {
	cfg := load(t, "broker:\n  driver: memory\n")
	cfg.Broker.Driver = "kafka"
	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestNewClosesStoreWhenBrokerFails(t *testing.T) {
	cfg := load(t, "broker:\n  driver: memory\n")
	cfg.Store.Driver = "sqlite"
	cfg.Store.Path = filepath.Join(t.TempDir(), "q.db")
	cfg.Broker.Driver = "kafka"

	var (
		a   *App
		err error
	)
	require.NotPanics(t, func() { a, err = New(context.Background(), cfg) })
	assert.Nil(t, a)
	assert.ErrorContains(t, err, "kafka")
}
