// Package memory keeps instance records and schedule state in process memory.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"workq/internal/domain"
	"workq/internal/store"
)

var (
	_ store.ResultStore   = (*Store)(nil)
	_ store.ScheduleStore = (*Store)(nil)
)

type Store struct {
	mu        sync.RWMutex
	now       func() time.Time
	instances map[string]*domain.Instance
	last      map[string]time.Time
	fires     map[string][]store.Fire
}

func New() *Store {
	return &Store{
		now:       time.Now,
		instances: make(map[string]*domain.Instance),
		last:      make(map[string]time.Time),
		fires:     make(map[string][]store.Fire),
	}
}

// SetClock replaces the time source; tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Store) Create(_ context.Context, inst *domain.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.ID]; ok {
		return domain.ErrAlreadyExists
	}
	c := inst.Clone()
	now := s.now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.instances[c.ID] = c
	return nil
}

func (s *Store) mutate(id string, m store.Mutation) (*domain.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.instances[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	next := cur.Clone()
	now := s.now().UTC()
	if err := m(next, now); err != nil {
		if errors.Is(err, store.ErrUnchanged) {
			return cur.Clone(), nil
		}
		return nil, err
	}
	next.UpdatedAt = now
	s.instances[id] = next
	return next.Clone(), nil
}

func (s *Store) Transition(_ context.Context, id string, from, to domain.State, u domain.Update) (*domain.Instance, error) {
	return s.mutate(id, store.TransitionTo(from, to, u))
}

func (s *Store) UpdateProgress(_ context.Context, id string, p domain.Progress) (*domain.Instance, error) {
	return s.mutate(id, store.RecordProgress(p))
}

func (s *Store) RequestRevoke(_ context.Context, id string) (*domain.Instance, error) {
	return s.mutate(id, store.Revoke())
}

func (s *Store) Get(_ context.Context, id string) (*domain.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return inst.Clone(), nil
}

func (s *Store) Heartbeat(_ context.Context, ids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	at = at.UTC()
	for _, id := range ids {
		if inst, ok := s.instances[id]; ok && inst.State.Running() {
			inst.HeartbeatAt = &at
		}
	}
	return nil
}

func (s *Store) ListStale(_ context.Context, before time.Time, limit int) ([]*domain.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Instance
	for _, inst := range s.instances {
		if !inst.State.Running() {
			continue
		}
		seen := inst.UpdatedAt
		if inst.HeartbeatAt != nil {
			seen = *inst.HeartbeatAt
		}
		if seen.Before(before) {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) List(_ context.Context, opts store.ListOpts) ([]*domain.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Instance
	for _, inst := range s.instances {
		if opts.Match(inst) {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if opts.Offset >= len(out) {
		return nil, nil
	}
	out = out[opts.Offset:]
	if limit := opts.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Purge(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, inst := range s.instances {
		if inst.State.Terminal() && inst.FinishedAt != nil && inst.FinishedAt.Before(before) {
			delete(s.instances, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) LastFired(_ context.Context, name string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.last[name]
	return t, ok, nil
}

func (s *Store) Advance(_ context.Context, name string, prev, next time.Time, instanceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.last[name]
	if ok != !prev.IsZero() || (ok && !cur.Equal(prev)) {
		return false, nil
	}
	if ok && !next.After(cur) {
		return false, nil
	}
	s.last[name] = next.UTC()
	s.fires[name] = append(s.fires[name], store.Fire{
		Schedule:   name,
		Instant:    next.UTC(),
		InstanceID: instanceID,
		FiredAt:    s.now().UTC(),
	})
	return true, nil
}

func (s *Store) ListFired(_ context.Context, name string, limit int) ([]store.Fire, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fires := s.fires[name]
	out := make([]store.Fire, 0, len(fires))
	for i := len(fires) - 1; i >= 0; i-- {
		out = append(out, fires[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Close() error { return nil }
