package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAndMigrateSQLite(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "workq.db"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, MigrateSQLite(db))
	require.NoError(t, MigrateSQLite(db), "migrations are idempotent")

	for _, table := range []string{"instances", "schedules", "schedule_fires", "messages"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, table)
	}
}

func TestNanosRoundTrip(t *testing.T) {
	ts := time.Date(2026, 10, 14, 8, 0, 0, 123, time.FixedZone("BRT", -3*3600))
	assert.True(t, ts.Equal(FromNanos(Nanos(ts))))
	assert.Nil(t, FromNullNanos(NanosPtr(nil)))
	got := FromNullNanos(NanosPtr(&ts))
	require.NotNil(t, got)
	assert.True(t, ts.Equal(*got))
}
