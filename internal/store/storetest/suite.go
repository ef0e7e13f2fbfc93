// Package storetest is a conformance suite shared by the store adapters.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workq/internal/domain"
	"workq/internal/store"
)

var base = time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC)

func pending(id string) *domain.Instance {
	return &domain.Instance{
		ID:         id,
		Task:       "reports.generate",
		Args:       json.RawMessage(`{"user":7}`),
		Queue:      "priority_queue",
		State:      domain.StatePending,
		MaxRetries: 3,
	}
}

func intp(n int) *int { return &n }

// RunResults exercises the ResultStore contract against stores built by f.
func RunResults(t *testing.T, f func(t *testing.T) store.ResultStore) {
	ctx := context.Background()

	t.Run("CreateGet", func(t *testing.T) {
		s := f(t)
		inst := pending("a")
		sched := "nightly"
		eta := base.Add(time.Hour)
		inst.Schedule = &sched
		inst.ETA = &eta
		require.NoError(t, s.Create(ctx, inst))

		got, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "reports.generate", got.Task)
		assert.Equal(t, "priority_queue", got.Queue)
		assert.Equal(t, domain.StatePending, got.State)
		assert.Equal(t, 3, got.MaxRetries)
		assert.JSONEq(t, `{"user":7}`, string(got.Args))
		require.NotNil(t, got.Schedule)
		assert.Equal(t, "nightly", *got.Schedule)
		require.NotNil(t, got.ETA)
		assert.True(t, eta.Equal(*got.ETA))
		assert.False(t, got.CreatedAt.IsZero())
	})

	t.Run("DuplicateCreate", func(t *testing.T) {
		s := f(t)
		require.NoError(t, s.Create(ctx, pending("dup")))
		assert.ErrorIs(t, s.Create(ctx, pending("dup")), domain.ErrAlreadyExists)
	})

	t.Run("Missing", func(t *testing.T) {
		s := f(t)
		_, err := s.Get(ctx, "nope")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = s.Transition(ctx, "nope", domain.StatePending, domain.StateStarted, domain.Update{})
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = s.RequestRevoke(ctx, "nope")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("Lifecycle", func(t *testing.T) {
		s := f(t)
		require.NoError(t, s.Create(ctx, pending("l")))

		worker := "w-1"
		started := base
		inst, err := s.Transition(ctx, "l", domain.StatePending, domain.StateStarted, domain.Update{
			Attempt: intp(1), Worker: &worker, StartedAt: &started,
		})
		require.NoError(t, err)
		assert.Equal(t, domain.StateStarted, inst.State)
		assert.Equal(t, 1, inst.Attempt)
		assert.Equal(t, "w-1", inst.Worker)
		require.NotNil(t, inst.HeartbeatAt)

		inst, err = s.UpdateProgress(ctx, "l", domain.Progress{Current: 1, Total: 4, Status: "rendering"})
		require.NoError(t, err)
		assert.Equal(t, domain.StateProgress, inst.State)

		inst, err = s.UpdateProgress(ctx, "l", domain.Progress{Current: 3, Total: 4})
		require.NoError(t, err)
		assert.Equal(t, domain.StateProgress, inst.State)
		assert.Equal(t, int64(3), inst.Progress.Current)

		inst, err = s.Transition(ctx, "l", domain.StateProgress, domain.StateSuccess, domain.Update{
			Result: json.RawMessage(`{"pages":12}`),
		})
		require.NoError(t, err)
		assert.Equal(t, domain.StateSuccess, inst.State)
		require.NotNil(t, inst.FinishedAt)

		got, err := s.Get(ctx, "l")
		require.NoError(t, err)
		assert.JSONEq(t, `{"pages":12}`, string(got.Result))
		require.NotNil(t, got.StartedAt)
		assert.True(t, started.Equal(*got.StartedAt))
		require.NotNil(t, got.Progress)
		assert.Equal(t, int64(4), got.Progress.Total)
	})

	t.Run("TerminalStateIsFinal", func(t *testing.T) {
		s := f(t)
		require.NoError(t, s.Create(ctx, pending("t")))
		_, err := s.Transition(ctx, "t", domain.StatePending, domain.StateStarted, domain.Update{Attempt: intp(1)})
		require.NoError(t, err)
		_, err = s.Transition(ctx, "t", domain.StateStarted, domain.StateFailure, domain.Update{
			Error: &domain.ErrorInfo{Kind: domain.KindHandler, Message: "boom"},
		})
		require.NoError(t, err)

		for _, to := range []domain.State{domain.StateStarted, domain.StateSuccess, domain.StateRetry, domain.StateRevoked} {
			_, err := s.Transition(ctx, "t", domain.StateStarted, to, domain.Update{})
			var te *domain.TransitionError
			require.True(t, errors.As(err, &te), "to %s", to)
			assert.Equal(t, domain.StateFailure, te.Actual)

			_, err = s.Transition(ctx, "t", domain.StateFailure, to, domain.Update{})
			assert.ErrorIs(t, err, domain.ErrInvalidTransition)
		}
		_, err = s.UpdateProgress(ctx, "t", domain.Progress{Current: 1})
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)

		got, err := s.Get(ctx, "t")
		require.NoError(t, err)
		assert.Equal(t, domain.StateFailure, got.State)
		assert.Equal(t, domain.KindHandler, got.Error.Kind)
		assert.Equal(t, "boom", got.Error.Message)
	})

	t.Run("ConcurrentCompareAndSwap", func(t *testing.T) {
		s := f(t)
		require.NoError(t, s.Create(ctx, pending("c")))

		race := func(from, to domain.State) int {
			var wg sync.WaitGroup
			var mu sync.Mutex
			won := 0
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := s.Transition(ctx, "c", from, to, domain.Update{Attempt: intp(1)})
					if err == nil {
						mu.Lock()
						won++
						mu.Unlock()
						return
					}
					assert.ErrorIs(t, err, domain.ErrInvalidTransition)
				}()
			}
			wg.Wait()
			return won
		}
		assert.Equal(t, 1, race(domain.StatePending, domain.StateStarted))
		assert.Equal(t, 1, race(domain.StateStarted, domain.StateSuccess))
	})

	t.Run("Revoke", func(t *testing.T) {
		s := f(t)
		require.NoError(t, s.Create(ctx, pending("wait")))
		inst, err := s.RequestRevoke(ctx, "wait")
		require.NoError(t, err)
		assert.Equal(t, domain.StateRevoked, inst.State)
		require.NotNil(t, inst.FinishedAt)

		require.NoError(t, s.Create(ctx, pending("run")))
		_, err = s.Transition(ctx, "run", domain.StatePending, domain.StateStarted, domain.Update{Attempt: intp(1)})
		require.NoError(t, err)
		inst, err = s.RequestRevoke(ctx, "run")
		require.NoError(t, err)
		assert.Equal(t, domain.StateStarted, inst.State)
		assert.True(t, inst.RevokeRequested)

		inst, err = s.RequestRevoke(ctx, "run")
		require.NoError(t, err)
		assert.True(t, inst.RevokeRequested)

		inst, err = s.RequestRevoke(ctx, "wait")
		require.NoError(t, err)
		assert.Equal(t, domain.StateRevoked, inst.State)
	})

	t.Run("HeartbeatAndStale", func(t *testing.T) {
		s := f(t)
		for _, id := range []string{"h1", "h2", "h3"} {
			require.NoError(t, s.Create(ctx, pending(id)))
		}
		for _, id := range []string{"h1", "h2"} {
			_, err := s.Transition(ctx, id, domain.StatePending, domain.StateStarted, domain.Update{Attempt: intp(1)})
			require.NoError(t, err)
		}
		old := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
		require.NoError(t, s.Heartbeat(ctx, []string{"h1", "h2", "h3"}, old))
		require.NoError(t, s.Heartbeat(ctx, []string{"h2"}, time.Now()))
		require.NoError(t, s.Heartbeat(ctx, nil, time.Now()))

		stale, err := s.ListStale(ctx, time.Now().Add(-time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, "h1", stale[0].ID)
		require.NotNil(t, stale[0].HeartbeatAt)
		assert.True(t, old.Equal(*stale[0].HeartbeatAt))

		h3, err := s.Get(ctx, "h3")
		require.NoError(t, err)
		assert.Nil(t, h3.HeartbeatAt, "pending instances take no heartbeat")
	})

	t.Run("ListFilters", func(t *testing.T) {
		s := f(t)
		for i := 0; i < 5; i++ {
			inst := pending(fmt.Sprintf("i%d", i))
			inst.CreatedAt = base.Add(time.Duration(i) * time.Second)
			if i%2 == 1 {
				inst.Task = "reports.export"
				inst.Queue = "reports_queue"
			}
			require.NoError(t, s.Create(ctx, inst))
		}
		all, err := s.List(ctx, store.ListOpts{})
		require.NoError(t, err)
		require.Len(t, all, 5)
		assert.Equal(t, "i4", all[0].ID, "newest first")

		exports, err := s.List(ctx, store.ListOpts{Task: "reports.export"})
		require.NoError(t, err)
		assert.Len(t, exports, 2)

		byQueue, err := s.List(ctx, store.ListOpts{Queue: "priority_queue", Limit: 2})
		require.NoError(t, err)
		require.Len(t, byQueue, 2)
		assert.Equal(t, "i4", byQueue[0].ID)
		assert.Equal(t, "i2", byQueue[1].ID)

		page, err := s.List(ctx, store.ListOpts{Limit: 2, Offset: 4})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "i0", page[0].ID)

		none, err := s.List(ctx, store.ListOpts{State: domain.StateSuccess})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("Purge", func(t *testing.T) {
		s := f(t)
		require.NoError(t, s.Create(ctx, pending("old")))
		require.NoError(t, s.Create(ctx, pending("live")))
		_, err := s.RequestRevoke(ctx, "old")
		require.NoError(t, err)

		n, err := s.Purge(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = s.Purge(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = s.Get(ctx, "old")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = s.Get(ctx, "live")
		assert.NoError(t, err)
	})
}

// RunSchedules exercises the ScheduleStore contract.
func RunSchedules(t *testing.T, f func(t *testing.T) store.ScheduleStore) {
	ctx := context.Background()
	t1, t2, t3 := base, base.Add(time.Minute), base.Add(2*time.Minute)

	t.Run("AdvanceIsCompareAndSwap", func(t *testing.T) {
		s := f(t)
		_, ok, err := s.LastFired(ctx, "beat")
		require.NoError(t, err)
		assert.False(t, ok)

		won, err := s.Advance(ctx, "beat", time.Time{}, t1, "id-1")
		require.NoError(t, err)
		assert.True(t, won)

		won, err = s.Advance(ctx, "beat", time.Time{}, t1, "id-1")
		require.NoError(t, err)
		assert.False(t, won, "second first-fire loses")

		won, err = s.Advance(ctx, "beat", t1, t2, "id-2")
		require.NoError(t, err)
		assert.True(t, won)

		won, err = s.Advance(ctx, "beat", t1, t3, "id-3")
		require.NoError(t, err)
		assert.False(t, won, "stale prev loses")

		last, ok, err := s.LastFired(ctx, "beat")
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, t2.Equal(last))

		fires, err := s.ListFired(ctx, "beat", 10)
		require.NoError(t, err)
		require.Len(t, fires, 2)
		assert.True(t, t2.Equal(fires[0].Instant))
		assert.Equal(t, "id-2", fires[0].InstanceID)
		assert.Equal(t, "id-1", fires[1].InstanceID)

		limited, err := s.ListFired(ctx, "beat", 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run("ConcurrentAdvance", func(t *testing.T) {
		s := f(t)
		var wg sync.WaitGroup
		var mu sync.Mutex
		won := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := s.Advance(ctx, "race", time.Time{}, t1, fmt.Sprintf("id-%d", i))
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					won++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, won)

		fires, err := s.ListFired(ctx, "race", 0)
		require.NoError(t, err)
		assert.Len(t, fires, 1)
	})

	t.Run("EntriesAreIndependent", func(t *testing.T) {
		s := f(t)
		ok, err := s.Advance(ctx, "a", time.Time{}, t1, "a1")
		require.NoError(t, err)
		require.True(t, ok)
		_, ok, err = s.LastFired(ctx, "b")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
