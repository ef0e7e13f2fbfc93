package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workq/internal/backoff"
	"workq/internal/broker"
	brokermem "workq/internal/broker/memory"
	"workq/internal/domain"
	"workq/internal/engine"
	"workq/internal/metrics"
	"workq/internal/registry"
	"workq/internal/router"
	"workq/internal/scheduler"
	storemem "workq/internal/store/memory"
	"workq/internal/task"
)

type fixture struct {
	srv     *httptest.Server
	engine  *engine.Engine
	broker  *brokermem.Broker
	results *storemem.Store
	sched   *scheduler.Scheduler
	now     time.Time
}

func noop(context.Context, *task.Request) (any, error) { return nil, nil }

func newFixture(t *testing.T, checks map[string]Check) *fixture {
	t.Helper()
	reg := registry.New()
	reg.MustRegister(task.Definition{Name: "reports.generate", MaxRetries: 3, HardLimit: time.Minute, SoftLimit: 50 * time.Second, Handler: task.HandlerFunc(noop)})
	reg.MustRegister(task.Definition{Name: "mail.send", Queue: "notifications", Handler: task.HandlerFunc(noop)})
	rt, err := router.New([]router.Rule{{Pattern: "reports.*", Queue: "reports"}})
	require.NoError(t, err)

	f := &fixture{
		broker:  brokermem.New(broker.Options{PollTimeout: 10 * time.Millisecond}),
		results: storemem.New(),
		now:     time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC),
	}
	f.engine = engine.New(engine.Config{
		Registry: reg,
		Router:   rt,
		Broker:   f.broker,
		Results:  f.results,
		Retry:    broker.Retry{Attempts: 1, Backoff: backoff.Constant{Interval: time.Millisecond}},
	})
	f.sched, err = scheduler.New(scheduler.Config{
		Entries: []scheduler.Entry{{
			Name: "digest", Task: "mail.send", Trigger: scheduler.Interval{Every: time.Minute},
		}},
		Dispatcher: f.engine,
		Store:      f.results,
		Now:        func() time.Time { return f.now },
	})
	require.NoError(t, err)

	promReg := prometheus.NewRegistry()
	f.srv = httptest.NewServer(NewServer(Config{
		Engine:    f.engine,
		Registry:  reg,
		Schedules: f.sched,
		Gatherer:  promReg,
		Requests:  metrics.New(promReg),
		Checks:    checks,
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, b
}

func decode[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(b, &v), string(b))
	return v
}

func TestSubmitTask(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodPost, "/api/tasks", `{"task":"reports.generate","args":{"user":7},"countdown":30}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	out := decode[submitResp](t, body)
	require.NotEmpty(t, out.ID)
	assert.Equal(t, "reports", out.Queue)

	pending := f.broker.Pending("reports")
	require.Len(t, pending, 1)
	assert.Equal(t, out.ID, pending[0].ID)
	assert.JSONEq(t, `{"user":7}`, string(pending[0].Args))
	assert.False(t, pending[0].ETA.IsZero())
}

func TestSubmitTaskRejects(t *testing.T) {
	f := newFixture(t, nil)
	cases := map[string]struct {
		body string
		code int
	}{
		"bad json":         {`{"task":`, http.StatusBadRequest},
		"missing task":     {`{"args":{}}`, http.StatusBadRequest},
		"negative retries": {`{"task":"mail.send","max_retries":-1}`, http.StatusBadRequest},
		"negative delay":   {`{"task":"mail.send","countdown":-5}`, http.StatusBadRequest},
		"unknown task":     {`{"task":"nope.missing"}`, http.StatusUnprocessableEntity},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPost, "/api/tasks", tc.body)
			assert.Equal(t, tc.code, resp.StatusCode, string(body))
			assert.Contains(t, decode[map[string]string](t, body), "error")
		})
	}
	assert.Empty(t, f.broker.Pending("reports"))
	assert.Empty(t, f.broker.Pending("notifications"))
}

func TestSubmitTaskBrokerDown(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.broker.Close())

	resp, body := f.do(t, http.MethodPost, "/api/tasks", `{"task":"mail.send"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, string(body))
}

func TestGetAndListTasks(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a, err := f.engine.Dispatch(ctx, "reports.generate", nil, engine.Options{})
	require.NoError(t, err)
	_, err = f.engine.Dispatch(ctx, "mail.send", nil, engine.Options{})
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodGet, "/api/tasks/"+a, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decode[domain.Status](t, body)
	assert.Equal(t, a, st.ID)
	assert.Equal(t, domain.StatePending, st.State)

	resp, _ = f.do(t, http.MethodGet, "/api/tasks/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/tasks?queue=notifications", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]domain.Status](t, body)
	require.Len(t, list, 1)
	assert.Equal(t, "mail.send", list[0].Task)

	resp, body = f.do(t, http.MethodGet, "/api/tasks?state=PENDING&limit=10", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]domain.Status](t, body), 2)

	resp, _ = f.do(t, http.MethodGet, "/api/tasks?state=DONE", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/api/tasks?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRevokeTask(t *testing.T) {
	f := newFixture(t, nil)
	id, err := f.engine.Dispatch(context.Background(), "mail.send", nil, engine.Options{})
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodPost, "/api/tasks/"+id+"/revoke", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	st := decode[domain.Status](t, body)
	assert.Equal(t, domain.StateRevoked, st.State)
	require.NotNil(t, st.Error)
	assert.Equal(t, domain.KindRevoked, st.Error.Kind)

	resp, _ = f.do(t, http.MethodPost, "/api/tasks/missing/revoke", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRegisteredTasks(t *testing.T) {
	f := newFixture(t, nil)
	resp, body := f.do(t, http.MethodGet, "/api/tasks/registered", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	tasks := decode[[]registeredTask](t, body)
	require.Len(t, tasks, 2)
	assert.Equal(t, registeredTask{Name: "mail.send", Queue: "notifications"}, tasks[0])
	assert.Equal(t, registeredTask{Name: "reports.generate", Queue: "reports", MaxRetries: 3, HardLimit: "1m0s", SoftLimit: "50s"}, tasks[1])
}

func TestSchedules(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodGet, "/api/schedules", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := decode[[]scheduler.EntryStatus](t, body)
	require.Len(t, entries, 1)
	assert.Equal(t, "digest", entries[0].Name)
	assert.Equal(t, "every 1m0s", entries[0].Trigger)
	require.NotNil(t, entries[0].NextFire)
	assert.Equal(t, f.now.Add(time.Minute), entries[0].NextFire.UTC())

	fired, err := f.sched.Tick(context.Background(), f.now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, fired)

	resp, body = f.do(t, http.MethodGet, "/api/schedules/digest/history", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	fires := decode[[]map[string]any](t, body)
	require.Len(t, fires, 1)
	assert.Equal(t, scheduler.InstanceID("digest", f.now.Add(time.Minute)), fires[0]["instance_id"])
}

func TestHealthAndMetrics(t *testing.T) {
	healthy := newFixture(t, map[string]Check{"store": func(context.Context) error { return nil }})
	resp, body := healthy.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","checks":{"store":"ok"}}`, string(body))

	resp, body = healthy.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `workq_http_requests_total{code="200",method="GET"} 1`)

	broken := newFixture(t, map[string]Check{"broker": func(context.Context) error { return errors.New("connection refused") }})
	resp, body = broken.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.JSONEq(t, `{"status":"degraded","checks":{"broker":"connection refused"}}`, string(body))
}
