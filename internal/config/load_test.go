package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeFile writes a config file into a temp dir and returns its path.
func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func noEnvFile(t *testing.T) Source {
	return Source{EnvFile: filepath.Join(t.TempDir(), "missing.env")}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(New(), noEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "workq.db", cfg.Store.Path)
	assert.Equal(t, "sqlite", cfg.Broker.Driver)
	assert.Equal(t, "json", cfg.Broker.Serializer)
	assert.Equal(t, time.Second, cfg.Broker.PollTimeout)
	assert.Equal(t, 4, cfg.Worker.Prefetch)
	assert.Equal(t, 30*time.Minute, cfg.Worker.HardLimit)
	assert.Equal(t, 25*time.Minute, cfg.Worker.SoftLimit)
	assert.Equal(t, 5*time.Second, cfg.Worker.Grace)
	assert.Equal(t, time.Second, cfg.Backoff.Base)
	assert.Equal(t, time.Minute, cfg.Backoff.Cap)
	assert.Equal(t, time.Second, cfg.Scheduler.Tick)
	assert.Equal(t, "skip", cfg.Scheduler.MissedPolicy)
	assert.Equal(t, time.UTC, cfg.Location())
	assert.Equal(t, 24*time.Hour, cfg.Results.TTL)
	assert.Empty(t, cfg.Schedules)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("WORKQ_HTTP_ADDR", ":9090")
	t.Setenv("WORKQ_LOG_LEVEL", "debug")
	t.Setenv("WORKQ_BROKER_DRIVER", "redis")
	t.Setenv("WORKQ_BROKER_URL", "redis://localhost:6379/0")
	t.Setenv("WORKQ_WORKER_PREFETCH", "8")
	t.Setenv("WORKQ_WORKER_QUEUES", "reports,mail")
	t.Setenv("WORKQ_WORKER_SOFT_LIMIT", "90s")
	t.Setenv("WORKQ_WORKER_HARD_LIMIT", "2m")

	cfg, err := Load(New(), noEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "redis", cfg.Broker.Driver)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Broker.URL)
	assert.Equal(t, 8, cfg.Worker.Prefetch)
	assert.Equal(t, []string{"reports", "mail"}, cfg.Worker.Queues)
	assert.Equal(t, 90*time.Second, cfg.Worker.SoftLimit)
	assert.Equal(t, 2*time.Minute, cfg.Worker.HardLimit)
}

func TestLoadEnvFile(t *testing.T) {
	// godotenv never overrides variables that are already set.
	t.Setenv("WORKQ_HTTP_ADDR", ":7000")
	path := writeFile(t, ".env", "WORKQ_HTTP_ADDR=:7001\nWORKQ_SCHEDULER_TIMEZONE=Europe/Berlin\n")
	t.Cleanup(func() { os.Unsetenv("WORKQ_SCHEDULER_TIMEZONE") })

	cfg, err := Load(New(), Source{EnvFile: path})
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.HTTP.Addr)
	assert.Equal(t, "Europe/Berlin", cfg.Scheduler.Timezone)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, "workq.yaml", `
worker:
  queues: [default, reports]
  hard_limit: 10m
  soft_limit: 9m
routes:
  - pattern: "reports.*"
    queue: reports
tasks:
  - name: ops.disk_usage
    handler: shell
    command: df
    args: ["-h"]
    max_retries: 2
schedules:
  - name: nightly-report
    task: reports.generate
    minute: "30"
    hour: "2"
    day_of_week: mon-fri
    args:
      format: pdf
  - name: heartbeat
    task: ops.disk_usage
    every: 5m
  - name: weekly
    task: ops.disk_usage
    cron: "0 6 * * 1"
    disabled: true
`)
	cfg, err := Load(New(), Source{File: path, EnvFile: filepath.Join(t.TempDir(), "none")})
	require.NoError(t, err)

	assert.Equal(t, []string{"default", "reports"}, cfg.Worker.Queues)
	assert.Equal(t, 10*time.Minute, cfg.Worker.HardLimit)
	require.Len(t, cfg.Routes, 1)
	assert.Equal(t, "reports.*", cfg.Routes[0].Pattern)
	assert.Equal(t, "reports", cfg.Routes[0].Queue)

	require.Len(t, cfg.Tasks, 1)
	assert.Equal(t, "shell", cfg.Tasks[0].Handler)
	assert.Equal(t, []string{"-h"}, cfg.Tasks[0].Args)
	assert.Equal(t, 2, cfg.Tasks[0].MaxRetries)

	require.Len(t, cfg.Schedules, 3)
	nightly := cfg.Schedules[0]
	assert.True(t, nightly.HasCrontab())
	assert.Equal(t, "mon-fri", nightly.DayOfWeek)
	raw, err := nightly.RawArgs()
	require.NoError(t, err)
	assert.JSONEq(t, `{"format":"pdf"}`, string(raw))
	assert.Equal(t, 5*time.Minute, cfg.Schedules[1].Every)
	assert.True(t, cfg.Schedules[2].Disabled)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown store driver": "store:\n  driver: mongo\n",
		"postgres without url": "store:\n  driver: postgres\n",
		"amqp without url":     "broker:\n  driver: amqp\n",
		"unknown serializer":   "broker:\n  serializer: xml\n",
		"zero prefetch":        "worker:\n  prefetch: 0\n",
		"soft above hard":      "worker:\n  hard_limit: 1m\n  soft_limit: 2m\n",
		"cap below base":       "backoff:\n  base: 10s\n  cap: 1s\n",
		"heartbeat too slow":   "worker:\n  heartbeat_interval: 1m\n  visibility_timeout: 1m\n",
		"bad timezone":         "scheduler:\n  timezone: Mars/Olympus\n",
		"bad missed policy":    "scheduler:\n  missed_policy: replay\n",
		"unknown handler":      "tasks:\n  - name: x\n    handler: python\n",
		"duplicate task":       "tasks:\n  - {name: x, handler: shell}\n  - {name: x, handler: http}\n",
		"schedule two kinds":   "schedules:\n  - {name: a, task: t, every: 1m, cron: '* * * * *'}\n",
		"schedule no kind":     "schedules:\n  - {name: a, task: t}\n",
		"duplicate schedule":   "schedules:\n  - {name: a, task: t, every: 1m}\n  - {name: a, task: t, every: 2m}\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, "workq.yaml", body)
			_, err := Load(New(), Source{File: path, EnvFile: filepath.Join(t.TempDir(), "none")})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "config validation failed")
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(New(), Source{File: filepath.Join(t.TempDir(), "absent.yaml"), EnvFile: filepath.Join(t.TempDir(), "none")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}
