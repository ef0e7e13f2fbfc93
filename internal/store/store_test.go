package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workq/internal/domain"
)

var now = time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

func TestTransitionTo(t *testing.T) {
	inst := &domain.Instance{ID: "a", State: domain.StatePending}
	attempt := 1
	require.NoError(t, TransitionTo(domain.StatePending, domain.StateStarted, domain.Update{Attempt: &attempt})(inst, now))
	assert.Equal(t, domain.StateStarted, inst.State)
	assert.Equal(t, 1, inst.Attempt)
	require.NotNil(t, inst.HeartbeatAt)

	err := TransitionTo(domain.StatePending, domain.StateStarted, domain.Update{})(inst, now)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	require.NoError(t, TransitionTo(domain.StateStarted, domain.StateSuccess, domain.Update{})(inst, now))
	require.NotNil(t, inst.FinishedAt)
	assert.Equal(t, now, *inst.FinishedAt)
}

func TestRecordProgress(t *testing.T) {
	inst := &domain.Instance{ID: "a", State: domain.StateStarted}
	require.NoError(t, RecordProgress(domain.Progress{Current: 1, Total: 3})(inst, now))
	assert.Equal(t, domain.StateProgress, inst.State)
	require.NoError(t, RecordProgress(domain.Progress{Current: 2, Total: 3})(inst, now))
	assert.Equal(t, int64(2), inst.Progress.Current)

	done := &domain.Instance{ID: "b", State: domain.StateSuccess}
	assert.ErrorIs(t, RecordProgress(domain.Progress{})(done, now), domain.ErrInvalidTransition)
}

func TestRevoke(t *testing.T) {
	pending := &domain.Instance{ID: "p", State: domain.StatePending}
	require.NoError(t, Revoke()(pending, now))
	assert.Equal(t, domain.StateRevoked, pending.State)
	assert.Equal(t, domain.KindRevoked, pending.Error.Kind)

	running := &domain.Instance{ID: "r", State: domain.StateProgress}
	require.NoError(t, Revoke()(running, now))
	assert.Equal(t, domain.StateProgress, running.State)
	assert.True(t, running.RevokeRequested)
	assert.ErrorIs(t, Revoke()(running, now), ErrUnchanged)

	done := &domain.Instance{ID: "d", State: domain.StateFailure}
	assert.ErrorIs(t, Revoke()(done, now), ErrUnchanged)
}

func TestListOpts(t *testing.T) {
	inst := &domain.Instance{State: domain.StateSuccess, Task: "a.b", Queue: "q"}
	assert.True(t, ListOpts{}.Match(inst))
	assert.True(t, ListOpts{State: domain.StateSuccess, Queue: "q"}.Match(inst))
	assert.False(t, ListOpts{Task: "other"}.Match(inst))
	assert.Equal(t, DefaultListLimit, ListOpts{}.EffectiveLimit())
	assert.Equal(t, 5, ListOpts{Limit: 5}.EffectiveLimit())
}
