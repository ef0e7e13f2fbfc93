package shell

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workq/internal/domain"
	"workq/internal/task"
)

func request(t *testing.T, args any) *task.Request {
	t.Helper()
	var raw json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		require.NoError(t, err)
		raw = b
	}
	return task.NewRequest(&domain.Instance{ID: "i-1", Task: "ops.shell", Args: raw, Attempt: 1}, nil)
}

func TestShellCapturesOutput(t *testing.T) {
	out, err := Shell{}.Handle(context.Background(), request(t, Cmd{Command: "sh", Args: []string{"-c", "echo hello"}}))
	require.NoError(t, err)
	res := out.(Result)
	assert.Equal(t, "sh", res.Command)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello\n", res.Output)
}

func TestShellDefaults(t *testing.T) {
	h := Shell{Defaults: Cmd{Command: "echo", Args: []string{"default"}}}

	out, err := h.Handle(context.Background(), request(t, nil))
	require.NoError(t, err)
	assert.Equal(t, "default\n", out.(Result).Output)

	out, err = h.Handle(context.Background(), request(t, map[string]any{"args": []string{"override"}}))
	require.NoError(t, err)
	assert.Equal(t, "override\n", out.(Result).Output)
}

func TestShellNonZeroExitIsRetryable(t *testing.T) {
	_, err := Shell{}.Handle(context.Background(), request(t, Cmd{Command: "sh", Args: []string{"-c", "echo boom; exit 3"}}))
	require.Error(t, err)
	assert.False(t, task.IsPermanent(err))
	assert.Contains(t, err.Error(), "exited 3")
	assert.Contains(t, err.Error(), "boom")
}

func TestShellPermanentErrors(t *testing.T) {
	_, err := Shell{}.Handle(context.Background(), request(t, nil))
	assert.True(t, task.IsPermanent(err))

	_, err = Shell{}.Handle(context.Background(), request(t, Cmd{Command: "/nonexistent/workq-binary"}))
	assert.True(t, task.IsPermanent(err))

	req := task.NewRequest(&domain.Instance{ID: "i-2", Task: "ops.shell", Args: json.RawMessage(`[1,2]`)}, nil)
	_, err = Shell{}.Handle(context.Background(), req)
	assert.ErrorIs(t, err, task.ErrDecode)
}

func TestShellStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	time.AfterFunc(50*time.Millisecond, func() { cancel(domain.ErrSoftTimeLimitExceeded) })

	start := time.Now()
	_, err := Shell{}.Handle(ctx, request(t, Cmd{Command: "sleep", Args: []string{"5"}}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrSoftTimeLimitExceeded))
	assert.Less(t, time.Since(start), 3*time.Second)
}
