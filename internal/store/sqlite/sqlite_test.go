package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"workq/internal/db"
	"workq/internal/store"
	"workq/internal/store/storetest"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	conn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.MigrateSQLite(conn))
	return New(conn)
}

func TestResults(t *testing.T) {
	storetest.RunResults(t, func(t *testing.T) store.ResultStore { return newStore(t) })
}

func TestSchedules(t *testing.T) {
	storetest.RunSchedules(t, func(t *testing.T) store.ScheduleStore { return newStore(t) })
}

func TestPlaceholders(t *testing.T) {
	require.Equal(t, "?", placeholders(1))
	require.Equal(t, "?,?,?", placeholders(3))
}
