// Package encstore wraps any storage.Store with the at-rest encryption
// layer: values are encrypted before Set/SetIfAbsent/CompareAndSwap/
// AtomicUpdate writes and decrypted after Get/GetAll reads.
// Keys, lock owners, sequence counters and pub/sub channel names are never
// encrypted — only the opaque value payloads the coordination engines store
// (backlog JSON, agent records, messages, events, credentials) are.
package encstore

import (
	"context"
	"sync"
	"time"

	"github.com/rakunlabs/masc/internal/crypto"
	"github.com/rakunlabs/masc/internal/mascerr"
	"github.com/rakunlabs/masc/internal/storage"
)

// Store decorates an inner storage.Store, transparently encrypting and
// decrypting values. The key is swappable at runtime (rotation); every
// cipher operation reads it under the lock.
type Store struct {
	inner storage.Store

	mu  sync.RWMutex
	key []byte
}

// New wraps inner with encryption under key (must be crypto.KeySize bytes).
func New(inner storage.Store, key []byte) *Store {
	return &Store{inner: inner, key: key}
}

func (s *Store) encrypt(value string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return crypto.Encrypt(value, s.key)
}

func (s *Store) decrypt(value string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return crypto.Decrypt(value, s.key)
}

// SwapKey replaces the active key without rewriting stored rows. Used when
// a cluster peer has already rotated the shared store and broadcast the new
// key.
func (s *Store) SwapKey(newKey []byte) {
	s.mu.Lock()
	s.key = newKey
	s.mu.Unlock()
}

// RotateKey re-encrypts every stored value under newKey, then swaps the
// active key. Writers are held off for the duration; each row is rewritten
// with a CAS against the exact ciphertext read so a row changed underneath
// (by another process outside this lock) fails loudly instead of silently
// reverting.
func (s *Store) RotateKey(ctx context.Context, newKey []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.inner.GetAll(ctx, "")
	if err != nil {
		return err
	}
	for _, row := range rows {
		// Counter rows (AtomicIncrement) and legacy plaintext carry no GCM
		// tag and stay as they are; the mixed store remains readable by
		// design of the version-tag format.
		if !crypto.IsEncrypted(row.Value) {
			continue
		}
		plain, err := crypto.Decrypt(row.Value, s.key)
		if err != nil {
			return mascerr.ErrOperationFailed("rotate_key", err).With("key", row.Key)
		}
		enc, err := crypto.Encrypt(plain, newKey)
		if err != nil {
			return mascerr.ErrOperationFailed("rotate_key", err).With("key", row.Key)
		}
		swapped, err := s.inner.CompareAndSwap(ctx, row.Key, row.Value, enc)
		if err != nil {
			return mascerr.ErrOperationFailed("rotate_key", err).With("key", row.Key)
		}
		if !swapped {
			return mascerr.ErrOperationFailed("rotate_key", nil).With("key", row.Key).With("reason", "row changed during rotation")
		}
	}
	s.key = newKey
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := s.inner.Get(ctx, key)
	if err != nil || !ok {
		return "", ok, err
	}
	plain, err := s.decrypt(v)
	if err != nil {
		return "", false, err
	}
	return plain, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	enc, err := s.encrypt(value)
	if err != nil {
		return err
	}
	return s.inner.Set(ctx, key, enc)
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	return s.inner.Delete(ctx, key)
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	return s.inner.Exists(ctx, key)
}

func (s *Store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.ListKeys(ctx, prefix)
}

func (s *Store) GetAll(ctx context.Context, prefix string) ([]storage.KV, error) {
	rows, err := s.inner.GetAll(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]storage.KV, 0, len(rows))
	for _, row := range rows {
		plain, err := s.decrypt(row.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, storage.KV{Key: row.Key, Value: plain})
	}
	return out, nil
}

func (s *Store) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	enc, err := s.encrypt(value)
	if err != nil {
		return false, err
	}
	return s.inner.SetIfAbsent(ctx, key, enc)
}

// CompareAndSwap cannot compare ciphertext: GCM sealing is randomized, so
// encrypting `expected` would never match the stored bytes. Instead the
// current ciphertext is read, decrypted, compared in plaintext, and the
// swap is CASed against the exact ciphertext read — concurrent writers
// still lose cleanly at the inner layer.
func (s *Store) CompareAndSwap(ctx context.Context, key, expected, value string) (bool, error) {
	cur, ok, err := s.inner.Get(ctx, key)
	if err != nil {
		return false, err
	}
	curPlain := ""
	if ok {
		curPlain, err = s.decrypt(cur)
		if err != nil {
			return false, err
		}
	}
	if curPlain != expected {
		return false, nil
	}
	enc, err := s.encrypt(value)
	if err != nil {
		return false, err
	}
	if !ok {
		// Absent row with empty expected: insert semantics, same as the
		// plain backends treat a missing value as "".
		return s.inner.CompareAndSwap(ctx, key, "", enc)
	}
	return s.inner.CompareAndSwap(ctx, key, cur, enc)
}

func (s *Store) AtomicIncrement(ctx context.Context, key string) (int64, error) {
	return s.inner.AtomicIncrement(ctx, key)
}

func (s *Store) AtomicUpdate(ctx context.Context, key string, fn func(cur string, ok bool) (string, error)) error {
	return s.inner.AtomicUpdate(ctx, key, func(cur string, ok bool) (string, error) {
		plain := ""
		if ok {
			var err error
			plain, err = s.decrypt(cur)
			if err != nil {
				return "", err
			}
		}
		next, err := fn(plain, ok)
		if err != nil {
			return "", err
		}
		return s.encrypt(next)
	})
}

func (s *Store) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return s.inner.AcquireLock(ctx, key, owner, ttl)
}

func (s *Store) ReleaseLock(ctx context.Context, key, owner string) (bool, error) {
	return s.inner.ReleaseLock(ctx, key, owner)
}

func (s *Store) ExtendLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return s.inner.ExtendLock(ctx, key, owner, ttl)
}

func (s *Store) Publish(ctx context.Context, channel, message string) (int, error) {
	return s.inner.Publish(ctx, channel, message)
}

func (s *Store) Subscribe(ctx context.Context, channel string) (string, bool, error) {
	return s.inner.Subscribe(ctx, channel)
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return s.inner.HealthCheck(ctx)
}

var _ storage.Store = (*Store)(nil)
