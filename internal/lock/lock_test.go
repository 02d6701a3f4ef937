package lock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/masc/internal/lock"
	"github.com/rakunlabs/masc/internal/storage/memstore"
)

func TestAcquireReleaseOwnership(t *testing.T) {
	ctx := context.Background()
	m := lock.New(memstore.New())

	ok, err := m.Acquire(ctx, "file:foo.txt", "a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Acquire(ctx, "file:foo.txt", "b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	released, err := m.Release(ctx, "file:foo.txt", "b")
	require.NoError(t, err)
	require.False(t, released)

	released, err = m.Release(ctx, "file:foo.txt", "a")
	require.NoError(t, err)
	require.True(t, released)

	ok, err = m.Acquire(ctx, "file:foo.txt", "b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSameOwnerReacquireExtends(t *testing.T) {
	ctx := context.Background()
	m := lock.New(memstore.New())

	ok, err := m.Acquire(ctx, "file:foo.txt", "a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Acquire(ctx, "file:foo.txt", "a", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestTTLClamping(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	m := lock.New(store)

	// A non-positive TTL clamps up to one second rather than producing an
	// already-expired lock.
	ok, err := m.Acquire(ctx, "file:foo.txt", "a", 0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Acquire(ctx, "file:foo.txt", "b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReleaseAllByOwner(t *testing.T) {
	ctx := context.Background()
	m := lock.New(memstore.New())

	for _, key := range []string{"file:a.txt", "file:b.txt", "worktree:main"} {
		ok, err := m.Acquire(ctx, key, "swift-otter", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := m.Acquire(ctx, "file:c.txt", "calm-heron", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := m.ReleaseAllByOwner(ctx, "swift-otter")
	require.NoError(t, err)
	require.Len(t, released, 3)

	// The other agent's lock survives; the swept agent's keys are free.
	ok, err = m.Acquire(ctx, "file:a.txt", "calm-heron", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Acquire(ctx, "file:c.txt", "swift-otter", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAcquireRetryWaitsForRelease(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m := lock.New(memstore.New())

	ok, err := m.Acquire(ctx, "file:foo.txt", "a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = m.Release(ctx, "file:foo.txt", "a")
	}()

	ok, err = m.AcquireRetry(ctx, "file:foo.txt", "b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}
