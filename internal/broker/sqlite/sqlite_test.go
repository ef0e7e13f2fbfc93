package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workq/internal/broker"
	"workq/internal/broker/brokertest"
	"workq/internal/db"
	"workq/internal/domain"
)

func newBroker(t *testing.T, opts broker.Options) *Broker {
	t.Helper()
	conn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "broker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.MigrateSQLite(conn))
	return New(conn, opts)
}

func TestConformance(t *testing.T) {
	brokertest.Run(t, func(t *testing.T, opts broker.Options) broker.Broker {
		return newBroker(t, opts)
	})
}

func TestConformanceMsgpack(t *testing.T) {
	brokertest.Run(t, func(t *testing.T, opts broker.Options) broker.Broker {
		opts.Codec = broker.Msgpack{}
		return newBroker(t, opts)
	})
}

func TestStaleTokenCannotSettle(t *testing.T) {
	b := newBroker(t, broker.Options{})
	ctx := context.Background()
	require.NoError(t, b.Enqueue(ctx, "q", broker.Message{ID: "x", Task: "t", Attempt: 1}))

	ds, err := b.Dequeue(ctx, "q", 1)
	require.NoError(t, err)
	require.Len(t, ds, 1)

	stale := ds[0]
	stale.Token = token(mustID(t, stale.Token), 1)
	require.NoError(t, b.Ack(ctx, stale))

	d, err := b.Depth(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, broker.Depth{InFlight: 1}, d)

	require.NoError(t, b.Reject(ctx, ds[0], false))
	d, err = b.Depth(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, broker.Depth{Dead: 1}, d)
}

func TestMalformedToken(t *testing.T) {
	b := newBroker(t, broker.Options{})
	err := b.Ack(context.Background(), broker.Delivery{Token: "nope"})
	assert.Error(t, err)
}

func TestClosedIsUnavailable(t *testing.T) {
	b := newBroker(t, broker.Options{})
	require.NoError(t, b.Close())
	err := b.Enqueue(context.Background(), "q", broker.Message{ID: "x"})
	assert.ErrorIs(t, err, domain.ErrBrokerUnavailable)
}

func mustID(t *testing.T, tok string) int64 {
	t.Helper()
	id, _, err := parseToken(tok)
	require.NoError(t, err)
	return id
}
