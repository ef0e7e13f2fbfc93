// Package config loads workq settings from an optional YAML file, a .env
// file and WORKQ_-prefixed environment variables, in increasing precedence.
package config

import (
	"encoding/json"
	"time"

	"workq/internal/router"
)

type Config struct {
	Log       LogConfig        `mapstructure:"log"`
	HTTP      HTTPConfig       `mapstructure:"http"`
	Store     StoreConfig      `mapstructure:"store"`
	Broker    BrokerConfig     `mapstructure:"broker"`
	Worker    WorkerConfig     `mapstructure:"worker"`
	Backoff   BackoffConfig    `mapstructure:"backoff"`
	Scheduler SchedulerConfig  `mapstructure:"scheduler"`
	Results   ResultsConfig    `mapstructure:"results"`
	Routes    []router.Rule    `mapstructure:"routes" validate:"dive"`
	Tasks     []TaskConfig     `mapstructure:"tasks" validate:"dive"`
	Schedules []ScheduleConfig `mapstructure:"schedules" validate:"dive"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=console json"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

type StoreConfig struct {
	Driver   string `mapstructure:"driver" validate:"oneof=sqlite postgres memory"`
	Path     string `mapstructure:"path" validate:"required_if=Driver sqlite"`
	URL      string `mapstructure:"url" validate:"required_if=Driver postgres"`
	MaxConns int32  `mapstructure:"max_conns" validate:"gte=0"`
}

type BrokerConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=sqlite redis amqp memory"`
	// URL is a redis:// or amqp:// address. The sqlite broker shares the
	// store database unless Path is set.
	URL               string        `mapstructure:"url" validate:"required_if=Driver redis,required_if=Driver amqp"`
	Path              string        `mapstructure:"path"`
	Prefix            string        `mapstructure:"prefix"`
	Serializer        string        `mapstructure:"serializer" validate:"oneof=json msgpack"`
	PollTimeout       time.Duration `mapstructure:"poll_timeout" validate:"gt=0"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" validate:"gt=0"`
}

type WorkerConfig struct {
	Name              string        `mapstructure:"name"`
	Queues            []string      `mapstructure:"queues"`
	Prefetch          int           `mapstructure:"prefetch" validate:"gte=1"`
	HardLimit         time.Duration `mapstructure:"hard_limit" validate:"gte=0"`
	SoftLimit         time.Duration `mapstructure:"soft_limit" validate:"gte=0"`
	Grace             time.Duration `mapstructure:"grace" validate:"gte=0"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" validate:"gt=0"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval" validate:"gte=0"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" validate:"gte=0"`
}

type BackoffConfig struct {
	Base time.Duration `mapstructure:"base" validate:"gt=0"`
	Cap  time.Duration `mapstructure:"cap" validate:"gtefield=Base"`
}

type SchedulerConfig struct {
	Tick         time.Duration `mapstructure:"tick" validate:"gt=0"`
	Timezone     string        `mapstructure:"timezone" validate:"required"`
	MissedPolicy string        `mapstructure:"missed_policy" validate:"oneof=skip catchup"`
	MaxCatchup   int           `mapstructure:"max_catchup" validate:"gte=0"`
}

type ResultsConfig struct {
	// TTL is how long terminal instances are kept. Zero keeps them forever.
	TTL time.Duration `mapstructure:"ttl" validate:"gte=0"`
}

// TaskConfig declares a task backed by one of the built-in handlers.
type TaskConfig struct {
	Name       string        `mapstructure:"name" validate:"required"`
	Handler    string        `mapstructure:"handler" validate:"oneof=shell http"`
	Queue      string        `mapstructure:"queue"`
	MaxRetries int           `mapstructure:"max_retries" validate:"gte=0"`
	HardLimit  time.Duration `mapstructure:"hard_limit" validate:"gte=0"`
	SoftLimit  time.Duration `mapstructure:"soft_limit" validate:"gte=0"`
	RateLimit  float64       `mapstructure:"rate_limit" validate:"gte=0"`
	// Command and Args are the shell defaults; URL and Method the http ones.
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	URL     string   `mapstructure:"url"`
	Method  string   `mapstructure:"method"`
}

// ScheduleConfig declares a periodic entry. Exactly one of Every, Cron or
// the crontab fields describes when it fires.
type ScheduleConfig struct {
	Name        string         `mapstructure:"name" validate:"required"`
	Task        string         `mapstructure:"task" validate:"required"`
	Args        map[string]any `mapstructure:"args"`
	Queue       string         `mapstructure:"queue"`
	Every       time.Duration  `mapstructure:"every" validate:"gte=0"`
	Cron        string         `mapstructure:"cron"`
	Minute      string         `mapstructure:"minute"`
	Hour        string         `mapstructure:"hour"`
	DayOfWeek   string         `mapstructure:"day_of_week"`
	DayOfMonth  string         `mapstructure:"day_of_month"`
	MonthOfYear string         `mapstructure:"month_of_year"`
	Disabled    bool           `mapstructure:"disabled"`
}

// HasCrontab reports whether any crontab field is set.
func (s ScheduleConfig) HasCrontab() bool {
	return s.Minute != "" || s.Hour != "" || s.DayOfWeek != "" || s.DayOfMonth != "" || s.MonthOfYear != ""
}

// RawArgs returns Args as JSON, or nil when there are none.
func (s ScheduleConfig) RawArgs() (json.RawMessage, error) {
	if len(s.Args) == 0 {
		return nil, nil
	}
	return json.Marshal(s.Args)
}
