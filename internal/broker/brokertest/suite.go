// Package brokertest is a conformance suite shared by the broker adapters.
package brokertest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workq/internal/broker"
)

// Factory builds a fresh, empty broker for one subtest.
type Factory func(t *testing.T, opts broker.Options) broker.Broker

const (
	poll       = 100 * time.Millisecond
	visibility = 200 * time.Millisecond
)

// Run exercises the delivery contract against the broker built by f.
func Run(t *testing.T, f Factory) {
	opts := broker.Options{PollTimeout: poll, VisibilityTimeout: visibility}

	t.Run("EnqueueDequeueAck", func(t *testing.T) {
		b := f(t, opts)
		ctx := context.Background()
		require.NoError(t, b.Enqueue(ctx, "q", msg("a", 1)))

		ds := dequeueWithin(t, b, "q", 1, time.Second)
		require.Len(t, ds, 1)
		assert.Equal(t, "a", ds[0].Message.ID)
		assert.Equal(t, "q", ds[0].Queue)
		assert.JSONEq(t, `{"n":1}`, string(ds[0].Message.Args))
		require.NoError(t, b.Ack(ctx, ds[0]))

		empty, err := b.Dequeue(ctx, "q", 1)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("EmptyDequeueReturnsAfterPollTimeout", func(t *testing.T) {
		b := f(t, opts)
		start := time.Now()
		ds, err := b.Dequeue(context.Background(), "idle", 4)
		require.NoError(t, err)
		assert.Empty(t, ds)
		assert.Less(t, time.Since(start), poll+time.Second)
	})

	t.Run("QueuesAreIsolated", func(t *testing.T) {
		b := f(t, opts)
		ctx := context.Background()
		require.NoError(t, b.Enqueue(ctx, "one", msg("a", 1)))
		ds, err := b.Dequeue(ctx, "two", 1)
		require.NoError(t, err)
		assert.Empty(t, ds)
		ds = dequeueWithin(t, b, "one", 1, time.Second)
		require.Len(t, ds, 1)
		require.NoError(t, b.Ack(ctx, ds[0]))
	})

	t.Run("BatchRespectsMax", func(t *testing.T) {
		b := f(t, opts)
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			require.NoError(t, b.Enqueue(ctx, "q", msg(fmt.Sprintf("m%d", i), i)))
		}
		got := 0
		deadline := time.Now().Add(2 * time.Second)
		for got < 5 && time.Now().Before(deadline) {
			ds, err := b.Dequeue(ctx, "q", 2)
			require.NoError(t, err)
			assert.LessOrEqual(t, len(ds), 2)
			for _, d := range ds {
				require.NoError(t, b.Ack(ctx, d))
			}
			got += len(ds)
		}
		assert.Equal(t, 5, got)
	})

	t.Run("ETADelaysDelivery", func(t *testing.T) {
		b := f(t, opts)
		ctx := context.Background()
		m := msg("later", 1)
		m.ETA = time.Now().Add(1500 * time.Millisecond)
		require.NoError(t, b.Enqueue(ctx, "q", m))

		ds, err := b.Dequeue(ctx, "q", 1)
		require.NoError(t, err)
		assert.Empty(t, ds, "message delivered before its ETA")

		ds = dequeueWithin(t, b, "q", 1, 5*time.Second)
		require.Len(t, ds, 1)
		assert.False(t, time.Now().Before(m.ETA.Add(-50*time.Millisecond)))
		require.NoError(t, b.Ack(ctx, ds[0]))
	})

	t.Run("RejectRequeue", func(t *testing.T) {
		b := f(t, opts)
		ctx := context.Background()
		require.NoError(t, b.Enqueue(ctx, "q", msg("r", 1)))
		ds := dequeueWithin(t, b, "q", 1, time.Second)
		require.Len(t, ds, 1)
		require.NoError(t, b.Reject(ctx, ds[0], true))

		again := dequeueWithin(t, b, "q", 1, 2*time.Second)
		require.Len(t, again, 1)
		assert.Equal(t, "r", again[0].Message.ID)
		require.NoError(t, b.Ack(ctx, again[0]))
	})

	t.Run("RejectDeadLetters", func(t *testing.T) {
		b := f(t, opts)
		ctx := context.Background()
		require.NoError(t, b.Enqueue(ctx, "q", msg("d", 1)))
		ds := dequeueWithin(t, b, "q", 1, time.Second)
		require.Len(t, ds, 1)
		require.NoError(t, b.Reject(ctx, ds[0], false))

		ds, err := b.Dequeue(ctx, "q", 1)
		require.NoError(t, err)
		assert.Empty(t, ds)
	})

	t.Run("UnackedIsRedeliveredAfterVisibilityTimeout", func(t *testing.T) {
		b := f(t, opts)
		rec, ok := b.(broker.Recoverer)
		if !ok {
			t.Skip("adapter relies on transport-level redelivery")
		}
		ctx := context.Background()
		require.NoError(t, b.Enqueue(ctx, "q", msg("lost", 1)))
		ds := dequeueWithin(t, b, "q", 1, time.Second)
		require.Len(t, ds, 1)

		// The consumer "crashes": no ack, no reject.
		n, err := rec.RecoverExpired(ctx)
		require.NoError(t, err)
		assert.Zero(t, n, "lease still valid")

		time.Sleep(visibility + 100*time.Millisecond)
		n, err = rec.RecoverExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		again := dequeueWithin(t, b, "q", 1, time.Second)
		require.Len(t, again, 1)
		assert.Equal(t, "lost", again[0].Message.ID)
		assert.True(t, again[0].Redelivered)
		require.NoError(t, b.Ack(ctx, again[0]))
	})

	t.Run("DequeueHonoursContext", func(t *testing.T) {
		b := f(t, broker.Options{PollTimeout: 5 * time.Second, VisibilityTimeout: visibility})
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		start := time.Now()
		ds, _ := b.Dequeue(ctx, "q", 1)
		assert.Empty(t, ds)
		assert.Less(t, time.Since(start), 4*time.Second)
	})
}

func msg(id string, n int) broker.Message {
	return broker.Message{
		ID:         id,
		Task:       "test.task",
		Args:       []byte(fmt.Sprintf(`{"n":%d}`, n)),
		Attempt:    1,
		MaxRetries: 3,
	}
}

func dequeueWithin(t *testing.T, b broker.Broker, queue string, max int, within time.Duration) []broker.Delivery {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		ds, err := b.Dequeue(context.Background(), queue, max)
		require.NoError(t, err)
		if len(ds) > 0 {
			return ds
		}
	}
	return nil
}
