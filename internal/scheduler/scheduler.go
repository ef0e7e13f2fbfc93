// Package scheduler fires periodic entries. Every occurrence is committed to
// the schedule store with a compare-and-swap before it is dispatched, so a
// restart or a second scheduler never fires the same occurrence twice.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"workq/internal/engine"
	"workq/internal/store"
)

// MissedPolicy decides what happens to occurrences that elapsed while no
// scheduler was ticking.
type MissedPolicy string

const (
	// MissSkip fires only the most recent elapsed occurrence and logs the
	// older ones as missed.
	MissSkip MissedPolicy = "skip"
	// MissCatchup fires every elapsed occurrence, oldest first, up to
	// Config.MaxCatchup.
	MissCatchup MissedPolicy = "catchup"
)

// namespace seeds the deterministic ids of scheduled instances.
var namespace = uuid.MustParse("6f0f3c1e-4b7d-5a52-9a51-3d8c0e6b2a17")

// InstanceID is the id dispatched for the occurrence of entry at instant.
func InstanceID(entry string, instant time.Time) string {
	return uuid.NewSHA1(namespace, []byte(entry+"@"+instant.UTC().Format(time.RFC3339Nano))).String()
}

// Entry is one periodic job.
type Entry struct {
	Name     string
	Task     string
	Args     json.RawMessage
	Queue    string
	Trigger  Trigger
	Disabled bool
}

// Dispatcher is the part of the engine the scheduler needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, task string, args any, opts engine.Options) (string, error)
}

// Recorder counts fired and missed occurrences.
type Recorder interface {
	Fired(entry string)
	Missed(entry string, n int)
}

type Config struct {
	Entries    []Entry
	Dispatcher Dispatcher
	Store      store.ScheduleStore
	Tick       time.Duration
	Missed     MissedPolicy
	MaxCatchup int
	Recorder   Recorder
	Logger     *zerolog.Logger
	Now        func() time.Time
}

type Scheduler struct {
	entries    []Entry
	dispatcher Dispatcher
	store      store.ScheduleStore
	tick       time.Duration
	missed     MissedPolicy
	maxCatchup int
	recorder   Recorder
	log        zerolog.Logger
	now        func() time.Time
	// since is the baseline for entries that never fired.
	since time.Time
}

func New(cfg Config) (*Scheduler, error) {
	if cfg.Dispatcher == nil || cfg.Store == nil {
		return nil, errors.New("scheduler: dispatcher and store are required")
	}
	seen := make(map[string]struct{}, len(cfg.Entries))
	for _, e := range cfg.Entries {
		if e.Name == "" || e.Task == "" {
			return nil, fmt.Errorf("schedule entry %q: name and task are required", e.Name)
		}
		if e.Trigger == nil {
			return nil, fmt.Errorf("schedule entry %q: trigger is required", e.Name)
		}
		if _, dup := seen[e.Name]; dup {
			return nil, fmt.Errorf("schedule entry %q: duplicate name", e.Name)
		}
		seen[e.Name] = struct{}{}
	}
	s := &Scheduler{
		entries:    append([]Entry(nil), cfg.Entries...),
		dispatcher: cfg.Dispatcher,
		store:      cfg.Store,
		tick:       cfg.Tick,
		missed:     cfg.Missed,
		maxCatchup: cfg.MaxCatchup,
		recorder:   cfg.Recorder,
		log:        log.Logger,
		now:        cfg.Now,
	}
	if cfg.Logger != nil {
		s.log = *cfg.Logger
	}
	if s.tick <= 0 {
		s.tick = time.Second
	}
	switch s.missed {
	case "":
		s.missed = MissSkip
	case MissSkip, MissCatchup:
	default:
		return nil, fmt.Errorf("scheduler: unknown missed policy %q", cfg.Missed)
	}
	if s.maxCatchup <= 0 {
		s.maxCatchup = 100
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.since = s.now().UTC()
	return s, nil
}

// Run ticks until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.tick)
	defer t.Stop()

	s.log.Info().Dur("tick", s.tick).Int("entries", len(s.entries)).Str("missed_policy", string(s.missed)).Msg("scheduler started")
	for {
		if _, err := s.Tick(ctx, s.now()); err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Msg("scheduler tick failed")
		}
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler stopped")
			return nil
		case <-t.C:
		}
	}
}

// Tick fires every occurrence that is due at now and returns how many
// instances it dispatched.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	fired := 0
	var errs []error
	for _, e := range s.entries {
		if e.Disabled {
			continue
		}
		n, err := s.fire(ctx, e, now)
		fired += n
		if err != nil {
			errs = append(errs, fmt.Errorf("entry %s: %w", e.Name, err))
		}
	}
	return fired, errors.Join(errs...)
}

func (s *Scheduler) fire(ctx context.Context, e Entry, now time.Time) (int, error) {
	lg := s.log.With().Str("schedule", e.Name).Str("task", e.Task).Logger()
	last, ok, err := s.store.LastFired(ctx, e.Name)
	if err != nil {
		return 0, fmt.Errorf("load last fired: %w", err)
	}
	after := s.since
	if ok {
		after = last
	}

	keep := 1
	if s.missed == MissCatchup {
		keep = s.maxCatchup
	}
	due, total := occurrences(e.Trigger, after, now, keep)
	if len(due) == 0 {
		return 0, nil
	}
	if missed := total - len(due); missed > 0 {
		lg.Warn().Int("missed", missed).Time("fire_at", due[0]).Msg("schedule occurrences missed")
		if s.recorder != nil {
			s.recorder.Missed(e.Name, missed)
		}
	}

	prev := time.Time{}
	if ok {
		prev = last
	}
	fired := 0
	for _, instant := range due {
		id := InstanceID(e.Name, instant)
		won, err := s.store.Advance(ctx, e.Name, prev, instant, id)
		if err != nil {
			return fired, fmt.Errorf("advance to %s: %w", instant.Format(time.RFC3339), err)
		}
		if !won {
			lg.Debug().Time("instant", instant).Msg("occurrence claimed by another scheduler")
			return fired, nil
		}
		prev = instant

		var args any
		if len(e.Args) > 0 {
			args = e.Args
		}
		if _, err := s.dispatcher.Dispatch(ctx, e.Task, args, engine.Options{ID: id, Queue: e.Queue, Schedule: e.Name}); err != nil {
			// The occurrence is committed; a failed dispatch is a miss, never a
			// second fire.
			lg.Error().Err(err).Time("instant", instant).Str("instance_id", id).Msg("scheduled dispatch failed")
			continue
		}
		fired++
		if s.recorder != nil {
			s.recorder.Fired(e.Name)
		}
		lg.Info().Time("instant", instant).Str("instance_id", id).Msg("schedule fired")
	}
	return fired, nil
}

// occurrences returns the latest keep occurrences in (after, now], oldest
// first, and how many occurrences that range holds in total.
func occurrences(tr Trigger, after, now time.Time, keep int) ([]time.Time, int) {
	if iv, ok := tr.(Interval); ok {
		latest, total := iv.between(after, now)
		if total == 0 {
			return nil, 0
		}
		n := min(total, keep)
		out := make([]time.Time, n)
		for i := range out {
			out[i] = latest.Add(-time.Duration(n-1-i) * iv.Every)
		}
		return out, total
	}

	var out []time.Time
	total := 0
	for t := tr.Next(after); !t.IsZero() && !t.After(now); t = tr.Next(t) {
		total++
		out = append(out, t)
		if len(out) > keep {
			out = out[1:]
		}
	}
	return out, total
}

// EntryStatus is the operator view of one entry.
type EntryStatus struct {
	Name      string     `json:"name"`
	Task      string     `json:"task"`
	Queue     string     `json:"queue,omitempty"`
	Trigger   string     `json:"trigger"`
	Enabled   bool       `json:"enabled"`
	LastFired *time.Time `json:"last_fired,omitempty"`
	NextFire  *time.Time `json:"next_fire,omitempty"`
}

// Entries reports every entry with its last and next occurrence.
func (s *Scheduler) Entries(ctx context.Context) ([]EntryStatus, error) {
	now := s.now().UTC()
	out := make([]EntryStatus, 0, len(s.entries))
	for _, e := range s.entries {
		st := EntryStatus{Name: e.Name, Task: e.Task, Queue: e.Queue, Trigger: e.Trigger.String(), Enabled: !e.Disabled}
		last, ok, err := s.store.LastFired(ctx, e.Name)
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", e.Name, err)
		}
		from := now
		if ok {
			l := last
			st.LastFired = &l
			if l.After(from) {
				from = l
			}
		}
		if next := e.Trigger.Next(from); !next.IsZero() && !e.Disabled {
			st.NextFire = &next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// History returns the recent fires of entry, newest first.
func (s *Scheduler) History(ctx context.Context, entry string, limit int) ([]store.Fire, error) {
	return s.store.ListFired(ctx, entry, limit)
}
