package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workq/internal/broker"
	"workq/internal/broker/brokertest"
)

func newBroker(t *testing.T, opts broker.Options) (*Broker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, opts), mr
}

func TestConformance(t *testing.T) {
	brokertest.Run(t, func(t *testing.T, opts broker.Options) broker.Broker {
		b, _ := newBroker(t, opts)
		return b
	})
}

func TestDelayedLivesInSortedSet(t *testing.T) {
	b, mr := newBroker(t, broker.Options{PollTimeout: 10 * time.Millisecond})
	ctx := context.Background()
	base := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return base }

	require.NoError(t, b.Enqueue(ctx, "q", broker.Message{ID: "later", Task: "t", ETA: base.Add(time.Minute)}))
	members, err := mr.ZMembers("workq:q:q:delayed")
	require.NoError(t, err)
	assert.Len(t, members, 1)

	ds, err := b.Dequeue(ctx, "q", 1)
	require.NoError(t, err)
	assert.Empty(t, ds)

	b.now = func() time.Time { return base.Add(time.Minute) }
	ds, err = b.Dequeue(ctx, "q", 1)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, "later", ds[0].Message.ID)
	d, err := b.Depth(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, broker.Depth{InFlight: 1}, d)
}

func TestDepthAndPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()
	b := New(client, broker.Options{PollTimeout: 10 * time.Millisecond}, WithPrefix("test"))
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "q", broker.Message{ID: "a"}))
	require.NoError(t, b.Enqueue(ctx, "q", broker.Message{ID: "b"}))
	assert.True(t, mr.Exists("test:q:q"))

	ds, err := b.Dequeue(ctx, "q", 1)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	require.NoError(t, b.Reject(ctx, ds[0], false))

	d, err := b.Depth(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, broker.Depth{Ready: 1, Dead: 1}, d)
}

func TestAckAfterRecoveryIsNoop(t *testing.T) {
	b, _ := newBroker(t, broker.Options{PollTimeout: 10 * time.Millisecond, VisibilityTimeout: time.Second})
	ctx := context.Background()
	base := time.Now()
	b.now = func() time.Time { return base }
	require.NoError(t, b.Enqueue(ctx, "q", broker.Message{ID: "a"}))
	first, err := b.Dequeue(ctx, "q", 1)
	require.NoError(t, err)
	require.Len(t, first, 1)

	b.now = func() time.Time { return base.Add(2 * time.Second) }
	n, err := b.RecoverExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	second, err := b.Dequeue(ctx, "q", 1)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.True(t, second[0].Redelivered)

	// The first consumer finally acks; the second lease must survive.
	require.NoError(t, b.Ack(ctx, first[0]))
	d, err := b.Depth(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 1, d.InFlight)
}
