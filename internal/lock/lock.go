// Package lock is a thin facade over storage.Store's lock primitives: it
// clamps TTLs, lets the same owner re-acquire and extend without blocking,
// and keeps a per-owner index of held locks so everything an agent holds
// can be released at once.
package lock

import (
	"context"
	"strings"
	"time"

	"github.com/rakunlabs/masc/internal/mascerr"
	"github.com/rakunlabs/masc/internal/storage"
)

const retryDelay = 20 * time.Millisecond

// ownerIndexPrefix is the per-owner index of held locks, maintained so the
// zombie sweep can release everything a vanished agent held without the
// Store contract needing a lock-enumeration verb. The lock key's ':'
// separators are folded to '~' so the index entry stays a single trailing
// segment (the real key is kept in the value).
const ownerIndexPrefix = "lock_owners:"

func ownerIndexKey(owner, key string) string {
	return ownerIndexPrefix + owner + ":" + strings.ReplaceAll(key, ":", "~")
}

// Manager arbitrates access to keyed locks backed by a storage.Store.
type Manager struct {
	store storage.Store
}

func New(store storage.Store) *Manager {
	return &Manager{store: store}
}

// Acquire attempts to take the lock once; it does not block waiting for
// the holder to release. Callers that need to wait use AcquireRetry.
func (m *Manager) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := m.store.AcquireLock(ctx, key, owner, storage.ClampTTL(ttl))
	if err != nil {
		// A failed backend call is retried once before giving up.
		ok, err = m.store.AcquireLock(ctx, key, owner, storage.ClampTTL(ttl))
	}
	if err != nil {
		return false, mascerr.ErrOperationFailed("acquire_lock", err)
	}
	if ok {
		if err := m.store.Set(ctx, ownerIndexKey(owner, key), key); err != nil {
			return true, mascerr.ErrOperationFailed("acquire_lock", err)
		}
	}
	return ok, nil
}

// Release is idempotent: releasing a lock you don't hold (or that doesn't
// exist) returns false, not an error.
func (m *Manager) Release(ctx context.Context, key, owner string) (bool, error) {
	ok, err := m.store.ReleaseLock(ctx, key, owner)
	if err != nil {
		return false, mascerr.ErrOperationFailed("release_lock", err)
	}
	if ok {
		if _, err := m.store.Delete(ctx, ownerIndexKey(owner, key)); err != nil {
			return true, mascerr.ErrOperationFailed("release_lock", err)
		}
	}
	return ok, nil
}

// ReleaseAllByOwner releases every lock the owner-index records for owner
// and returns the released keys. Stale index entries (lock already expired
// or re-acquired by someone else) are cleaned up regardless.
func (m *Manager) ReleaseAllByOwner(ctx context.Context, owner string) ([]string, error) {
	rows, err := m.store.GetAll(ctx, ownerIndexPrefix+owner+":")
	if err != nil {
		return nil, mascerr.ErrOperationFailed("release_locks", err)
	}
	var released []string
	for _, row := range rows {
		key := row.Value
		ok, err := m.store.ReleaseLock(ctx, key, owner)
		if err != nil {
			return released, mascerr.ErrOperationFailed("release_locks", err)
		}
		if ok {
			released = append(released, key)
		}
		if _, err := m.store.Delete(ctx, row.Key); err != nil {
			return released, mascerr.ErrOperationFailed("release_locks", err)
		}
	}
	return released, nil
}

func (m *Manager) Extend(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := m.store.ExtendLock(ctx, key, owner, storage.ClampTTL(ttl))
	if err != nil {
		return false, mascerr.ErrOperationFailed("extend_lock", err)
	}
	return ok, nil
}

// AcquireRetry polls Acquire until it succeeds, ctx is cancelled, or a
// genuine backend error occurs.
func (m *Manager) AcquireRetry(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	for {
		ok, err := m.Acquire(ctx, key, owner, ttl)
		if err != nil || ok {
			return ok, err
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
}
