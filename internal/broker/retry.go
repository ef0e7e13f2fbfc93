package broker

import (
	"context"
	"errors"
	"time"

	"workq/internal/backoff"
	"workq/internal/domain"
)

// Retry re-attempts Enqueue calls that fail with domain.ErrBrokerUnavailable.
type Retry struct {
	Attempts int
	Backoff  backoff.Policy
}

// DefaultRetry makes three attempts 100ms and 200ms apart.
var DefaultRetry = Retry{Attempts: 3, Backoff: backoff.NewExponential(100*time.Millisecond, time.Second)}

// Enqueue calls b.Enqueue until it succeeds, fails with a non-transport
// error, runs out of attempts, or ctx ends.
func (r Retry) Enqueue(ctx context.Context, b Broker, queue string, msg Message) error {
	attempts := max(r.Attempts, 1)
	var err error
	for i := 1; i <= attempts; i++ {
		err = b.Enqueue(ctx, queue, msg)
		if err == nil || !errors.Is(err, domain.ErrBrokerUnavailable) || i == attempts {
			return err
		}
		delay := time.Duration(0)
		if r.Backoff != nil {
			delay = r.Backoff.Delay(i)
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
	}
	return err
}
