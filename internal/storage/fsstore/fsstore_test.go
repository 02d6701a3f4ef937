package fsstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/masc/internal/storage/fsstore"
)

func newStore(t *testing.T) *fsstore.Store {
	t.Helper()
	s, err := fsstore.New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestSetGetDeleteRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, ok, err := s.Get(ctx, "backlog")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Set(ctx, "backlog", `{"tasks":[]}`))
	v, ok, err := s.Get(ctx, "backlog")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"tasks":[]}`, v)

	existed, err := s.Delete(ctx, "backlog")
	require.NoError(t, err)
	require.True(t, existed)

	existed, err = s.Delete(ctx, "backlog")
	require.NoError(t, err)
	require.False(t, existed)
}

func TestNestedKeysMapToDirectories(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.Set(ctx, "agents:swift-otter", "a"))
	require.NoError(t, s.Set(ctx, "agents:calm-heron", "b"))
	require.NoError(t, s.Set(ctx, "backlog", "c"))

	keys, err := s.ListKeys(ctx, "agents:")
	require.NoError(t, err)
	require.Equal(t, []string{"agents:calm-heron", "agents:swift-otter"}, keys)

	rows, err := s.GetAll(ctx, "agents:")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "agents:calm-heron", rows[0].Key)
	require.Equal(t, "b", rows[0].Value)
}

func TestListKeysEmptyPrefixWalksWholeTree(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.Set(ctx, "backlog", "x"))
	require.NoError(t, s.Set(ctx, "agents:swift-otter", "y"))
	require.NoError(t, s.Set(ctx, "inbox:swift-otter:000001", "z"))

	keys, err := s.ListKeys(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []string{"agents:swift-otter", "backlog", "inbox:swift-otter:000001"}, keys)
}

func TestSetIfAbsentUsesExclusiveCreate(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	set, err := s.SetIfAbsent(ctx, "counters:message_seq", "v1")
	require.NoError(t, err)
	require.True(t, set)

	set, err = s.SetIfAbsent(ctx, "counters:message_seq", "v2")
	require.NoError(t, err)
	require.False(t, set)

	v, _, err := s.Get(ctx, "counters:message_seq")
	require.NoError(t, err)
	require.Equal(t, "v1", v)
}

func TestCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.Set(ctx, "doc", "v1"))

	swapped, err := s.CompareAndSwap(ctx, "doc", "v1", "v2")
	require.NoError(t, err)
	require.True(t, swapped)

	swapped, err = s.CompareAndSwap(ctx, "doc", "v1", "v3")
	require.NoError(t, err)
	require.False(t, swapped)

	v, _, err := s.Get(ctx, "doc")
	require.NoError(t, err)
	require.Equal(t, "v2", v)
}

func TestAtomicIncrementInitializesAtZero(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	n, err := s.AtomicIncrement(ctx, "counters:event_seq")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = s.AtomicIncrement(ctx, "counters:event_seq")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestLockOwnershipAndExpiry(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	ok, err := s.AcquireLock(ctx, "file:foo.txt", "a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.AcquireLock(ctx, "file:foo.txt", "b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	// Same owner re-acquire succeeds and refreshes the TTL.
	ok, err = s.AcquireLock(ctx, "file:foo.txt", "a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := s.ReleaseLock(ctx, "file:foo.txt", "b")
	require.NoError(t, err)
	require.False(t, released)

	released, err = s.ReleaseLock(ctx, "file:foo.txt", "a")
	require.NoError(t, err)
	require.True(t, released)

	ok, err = s.AcquireLock(ctx, "file:foo.txt", "b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestExpiredLockIsTreatedAsAbsent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	// MinLockTTL clamps 1ns up to 1s, so instead acquire then wait out a
	// 1-second TTL.
	ok, err := s.AcquireLock(ctx, "file:bar.txt", "a", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(1100 * time.Millisecond)

	ok, err = s.AcquireLock(ctx, "file:bar.txt", "b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// Extending the lost lock fails: the original holder no longer owns it.
	extended, err := s.ExtendLock(ctx, "file:bar.txt", "a", time.Minute)
	require.NoError(t, err)
	require.False(t, extended)
}

func TestAtomicUpdateAppliesTransform(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	err := s.AtomicUpdate(ctx, "doc", func(cur string, ok bool) (string, error) {
		require.False(t, ok)
		return "first", nil
	})
	require.NoError(t, err)

	err = s.AtomicUpdate(ctx, "doc", func(cur string, ok bool) (string, error) {
		require.True(t, ok)
		require.Equal(t, "first", cur)
		return "second", nil
	})
	require.NoError(t, err)

	v, _, err := s.Get(ctx, "doc")
	require.NoError(t, err)
	require.Equal(t, "second", v)
}

func TestCorruptLockDocIsTreatedAsAbsent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.Set(ctx, "locks:file:baz.txt", "{not json"))

	ok, err := s.AcquireLock(ctx, "file:baz.txt", "a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}
