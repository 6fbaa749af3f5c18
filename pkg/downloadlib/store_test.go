package downloadlib

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStoreEnqueueAcquireDone(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Enqueue("/tmp/a", "http://example/a", "http", 100))
	require.NoError(t, store.Enqueue("/tmp/a", "http://example/a-dup", "http", 999)) // no-op

	rec, err := store.Acquire()
	require.NoError(t, err)
	require.Equal(t, "/tmp/a", rec.DstPath)
	require.Equal(t, StateActive, rec.State)

	_, err = store.Acquire()
	require.True(t, errors.Is(err, sql.ErrNoRows))

	require.NoError(t, store.UpdateProgress("/tmp/a", 50))
	got, err := store.Get("/tmp/a")
	require.NoError(t, err)
	require.Equal(t, int64(50), got.Received)

	require.NoError(t, store.MarkDone("/tmp/a"))
	got, err = store.Get("/tmp/a")
	require.NoError(t, err)
	require.Equal(t, StateDone, got.State)
}

func TestStoreAcquireRelease(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Enqueue("/tmp/c", "http://example/c", "http", 0))
	rec, err := store.Acquire()
	require.NoError(t, err)
	require.Equal(t, StateActive, rec.State)

	require.NoError(t, store.Release("/tmp/c"))
	got, err := store.Get("/tmp/c")
	require.NoError(t, err)
	require.Equal(t, StatePending, got.State)

	// Released means re-acquirable.
	rec, err = store.Acquire()
	require.NoError(t, err)
	require.Equal(t, "/tmp/c", rec.DstPath)
}

func TestStoreReapStale(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Enqueue("/tmp/b", "http://example/b", "http", 0))
	_, err = store.Acquire()
	require.NoError(t, err)

	// Force the row to look stale.
	_, err = store.db.Exec(`UPDATE downloads SET updated_at=? WHERE dst_path=?`,
		time.Now().Add(-48*time.Hour).Unix(), "/tmp/b")
	require.NoError(t, err)

	require.NoError(t, store.reapStale(24*time.Hour))
	got, err := store.Get("/tmp/b")
	require.NoError(t, err)
	require.Equal(t, StatePending, got.State)
}
