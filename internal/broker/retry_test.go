package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"workq/internal/backoff"
	"workq/internal/domain"
)

type flaky struct {
	Broker
	fails int
	calls int
	err   error
}

func (f *flaky) Enqueue(context.Context, string, Message) error {
	f.calls++
	if f.calls <= f.fails {
		return f.err
	}
	return nil
}

func TestRetryEnqueue(t *testing.T) {
	r := Retry{Attempts: 3, Backoff: backoff.Constant{Interval: time.Millisecond}}

	ok := &flaky{fails: 2, err: domain.Unavailable("test", errors.New("down"))}
	assert.NoError(t, r.Enqueue(context.Background(), ok, "q", Message{}))
	assert.Equal(t, 3, ok.calls)

	down := &flaky{fails: 5, err: domain.Unavailable("test", errors.New("down"))}
	err := r.Enqueue(context.Background(), down, "q", Message{})
	assert.ErrorIs(t, err, domain.ErrBrokerUnavailable)
	assert.Equal(t, 3, down.calls)

	bad := &flaky{fails: 5, err: errors.New("encode")}
	assert.Error(t, r.Enqueue(context.Background(), bad, "q", Message{}))
	assert.Equal(t, 1, bad.calls, "non-transport errors are not retried")
}
