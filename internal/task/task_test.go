package task

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workq/internal/domain"
)

func noop(context.Context, *Request) (any, error) { return nil, nil }

func TestDefinitionValidate(t *testing.T) {
	ok := Definition{Name: "a", Handler: HandlerFunc(noop), HardLimit: 5 * time.Second, SoftLimit: 2 * time.Second}
	require.NoError(t, ok.Validate())

	bad := ok
	bad.SoftLimit = 10 * time.Second
	assert.Error(t, bad.Validate())

	bad = ok
	bad.Handler = nil
	assert.Error(t, bad.Validate())

	bad = ok
	bad.MaxRetries = -1
	assert.Error(t, bad.Validate())
}

func TestRequestBindAndProgress(t *testing.T) {
	var got domain.Progress
	inst := &domain.Instance{ID: "i1", Task: "docs.ocr", Args: []byte(`{"path":"/tmp/a.pdf"}`), Attempt: 2, MaxRetries: 1}
	req := NewRequest(inst, func(_ context.Context, p domain.Progress) error {
		got = p
		return nil
	})

	var args struct {
		Path string `json:"path"`
	}
	require.NoError(t, req.Bind(&args))
	assert.Equal(t, "/tmp/a.pdf", args.Path)

	require.NoError(t, req.Progress(context.Background(), 50, 100, "extracting"))
	assert.Equal(t, domain.Progress{Current: 50, Total: 100, Status: "extracting"}, got)
	assert.True(t, req.LastAttempt())
}

func TestBindFailureIsPermanent(t *testing.T) {
	req := NewRequest(&domain.Instance{ID: "i", Task: "t", Args: []byte(`{"n":`)}, nil)
	var v struct{ N int }
	err := req.Bind(&v)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecode)
	assert.True(t, IsPermanent(err))
}

func TestPermanent(t *testing.T) {
	assert.NoError(t, Permanent(nil))
	base := errors.New("gone")
	err := fmt.Errorf("wrapped: %w", Permanent(base))
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
}
