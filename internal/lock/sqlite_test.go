package lock

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, ttl time.Duration) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "locks.db"), ttl)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAcquireAndRelease(t *testing.T) {
	store := newTestStore(t, time.Minute)
	ctx := context.Background()

	lease, err := store.Acquire(ctx, "full-migration", "worker-1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "full-migration", lease.LockID)
	assert.Equal(t, "worker-1", lease.HolderID)
	assert.True(t, lease.ExpiresAt.After(time.Now()))

	require.NoError(t, store.Release(ctx, lease))

	// Released lock is immediately available.
	again, err := store.Acquire(ctx, "full-migration", "worker-2", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "worker-2", again.HolderID)
}

func TestAcquireIsExclusive(t *testing.T) {
	store := newTestStore(t, time.Minute)
	ctx := context.Background()

	_, err := store.Acquire(ctx, "full-migration", "worker-1", time.Second)
	require.NoError(t, err)

	_, err = store.Acquire(ctx, "full-migration", "worker-2", 300*time.Millisecond)
	require.Error(t, err)

	var held *HeldError
	require.True(t, errors.As(err, &held))
	assert.Equal(t, "worker-1", held.HolderID)
	assert.Equal(t, "full-migration", held.LockID)
}

func TestDifferentSubjectsDoNotContend(t *testing.T) {
	store := newTestStore(t, time.Minute)
	ctx := context.Background()

	_, err := store.Acquire(ctx, "subject-a", "worker-1", time.Second)
	require.NoError(t, err)

	_, err = store.Acquire(ctx, "subject-b", "worker-2", time.Second)
	require.NoError(t, err)
}

func TestExpiredLeaseIsStolen(t *testing.T) {
	store := newTestStore(t, 50*time.Millisecond)
	ctx := context.Background()

	_, err := store.Acquire(ctx, "full-migration", "crashed-worker", time.Second)
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)

	lease, err := store.Acquire(ctx, "full-migration", "worker-2", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "worker-2", lease.HolderID)
}

func TestRefreshExtendsLease(t *testing.T) {
	store := newTestStore(t, time.Minute)
	ctx := context.Background()

	lease, err := store.Acquire(ctx, "full-migration", "worker-1", time.Second)
	require.NoError(t, err)
	before := lease.ExpiresAt

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, store.Refresh(ctx, lease))
	assert.True(t, lease.ExpiresAt.After(before))
}

func TestRefreshFailsAfterSteal(t *testing.T) {
	store := newTestStore(t, 50*time.Millisecond)
	ctx := context.Background()

	lease, err := store.Acquire(ctx, "full-migration", "worker-1", time.Second)
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	_, err = store.Acquire(ctx, "full-migration", "worker-2", time.Second)
	require.NoError(t, err)

	err = store.Refresh(ctx, lease)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lost")
}

func TestReleaseIsIdempotent(t *testing.T) {
	store := newTestStore(t, time.Minute)
	ctx := context.Background()

	lease, err := store.Acquire(ctx, "full-migration", "worker-1", time.Second)
	require.NoError(t, err)

	require.NoError(t, store.Release(ctx, lease))
	require.NoError(t, store.Release(ctx, lease))
}

func TestReleaseDoesNotTouchOtherHolders(t *testing.T) {
	store := newTestStore(t, 50*time.Millisecond)
	ctx := context.Background()

	stale, err := store.Acquire(ctx, "full-migration", "worker-1", time.Second)
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	current, err := store.Acquire(ctx, "full-migration", "worker-2", time.Second)
	require.NoError(t, err)

	// The stale holder releasing must not drop worker-2's lease.
	require.NoError(t, store.Release(ctx, stale))
	require.NoError(t, store.Refresh(ctx, current))
}
