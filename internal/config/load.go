package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. WORKQ_BROKER_URL.
const EnvPrefix = "WORKQ"

// Source says where to read configuration from. Empty fields fall back to
// workq.yaml in the working directory and .env.
type Source struct {
	File    string
	EnvFile string
}

// Defaults registers every key with its default so environment variables
// can override keys that no file mentions.
func Defaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("http.addr", ":8080")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "workq.db")
	v.SetDefault("store.url", "")
	v.SetDefault("store.max_conns", 10)

	v.SetDefault("broker.driver", "sqlite")
	v.SetDefault("broker.url", "")
	v.SetDefault("broker.path", "")
	v.SetDefault("broker.prefix", "workq")
	v.SetDefault("broker.serializer", "json")
	v.SetDefault("broker.poll_timeout", time.Second)
	v.SetDefault("broker.visibility_timeout", 60*time.Second)

	v.SetDefault("worker.name", "")
	v.SetDefault("worker.queues", []string{})
	v.SetDefault("worker.prefetch", 4)
	v.SetDefault("worker.hard_limit", 30*time.Minute)
	v.SetDefault("worker.soft_limit", 25*time.Minute)
	v.SetDefault("worker.grace", 5*time.Second)
	v.SetDefault("worker.heartbeat_interval", 10*time.Second)
	v.SetDefault("worker.visibility_timeout", 60*time.Second)
	v.SetDefault("worker.sweep_interval", 30*time.Second)
	v.SetDefault("worker.shutdown_timeout", 30*time.Second)

	v.SetDefault("backoff.base", time.Second)
	v.SetDefault("backoff.cap", 60*time.Second)

	v.SetDefault("scheduler.tick", time.Second)
	v.SetDefault("scheduler.timezone", "UTC")
	v.SetDefault("scheduler.missed_policy", "skip")
	v.SetDefault("scheduler.max_catchup", 100)

	v.SetDefault("results.ttl", 24*time.Hour)
}

// New returns a viper instance with defaults and environment overrides.
func New() *viper.Viper {
	v := viper.New()
	Defaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads src into v and returns the validated configuration.
func Load(v *viper.Viper, src Source) (*Config, error) {
	envFile := src.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	if src.File != "" {
		v.SetConfigFile(src.File)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", src.File, err)
		}
	} else {
		v.SetConfigName("workq")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the rules that span fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("config validation failed: scheduler.timezone: %w", err)
	}
	if c.Worker.HardLimit > 0 && c.Worker.SoftLimit > c.Worker.HardLimit {
		return fmt.Errorf("config validation failed: worker.soft_limit %s exceeds worker.hard_limit %s", c.Worker.SoftLimit, c.Worker.HardLimit)
	}
	if c.Worker.HeartbeatInterval >= c.Worker.VisibilityTimeout {
		return fmt.Errorf("config validation failed: worker.heartbeat_interval %s must be shorter than worker.visibility_timeout %s", c.Worker.HeartbeatInterval, c.Worker.VisibilityTimeout)
	}

	names := make(map[string]struct{})
	for _, t := range c.Tasks {
		if _, dup := names[t.Name]; dup {
			return fmt.Errorf("config validation failed: task %q declared twice", t.Name)
		}
		names[t.Name] = struct{}{}
		if t.HardLimit > 0 && t.SoftLimit > t.HardLimit {
			return fmt.Errorf("config validation failed: task %q: soft_limit exceeds hard_limit", t.Name)
		}
	}

	entries := make(map[string]struct{})
	for _, s := range c.Schedules {
		if _, dup := entries[s.Name]; dup {
			return fmt.Errorf("config validation failed: schedule %q declared twice", s.Name)
		}
		entries[s.Name] = struct{}{}
		kinds := 0
		if s.Every > 0 {
			kinds++
		}
		if s.Cron != "" {
			kinds++
		}
		if s.HasCrontab() {
			kinds++
		}
		if kinds != 1 {
			return fmt.Errorf("config validation failed: schedule %q needs exactly one of every, cron or crontab fields", s.Name)
		}
	}
	return nil
}

// Location returns the scheduler timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
