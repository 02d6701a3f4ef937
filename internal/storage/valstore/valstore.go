// Package valstore decorates a storage.Store with pkg/maskey validation,
// so every key reaching a backend has already been checked against the
// logical key grammar regardless of which backend or decorator chain Open
// assembles, rather than relying on every call site upstream to remember
// to validate.
package valstore

import (
	"context"
	"time"

	"github.com/rakunlabs/masc/internal/storage"
	"github.com/rakunlabs/masc/pkg/maskey"
)

// Store wraps inner, rejecting any call whose key (or, for prefix-scanning
// calls, prefix) fails maskey.Validate before it reaches inner.
type Store struct {
	inner storage.Store
}

// New wraps inner with key validation.
func New(inner storage.Store) *Store {
	return &Store{inner: inner}
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	if err := maskey.Validate(key); err != nil {
		return "", false, err
	}
	return s.inner.Get(ctx, key)
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := maskey.Validate(key); err != nil {
		return err
	}
	return s.inner.Set(ctx, key, value)
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	if err := maskey.Validate(key); err != nil {
		return false, err
	}
	return s.inner.Delete(ctx, key)
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if err := maskey.Validate(key); err != nil {
		return false, err
	}
	return s.inner.Exists(ctx, key)
}

// ListKeys and GetAll take a namespace prefix rather than a full key (e.g.
// "agents:"), so they use ValidatePrefix rather than Validate.
func (s *Store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	if err := maskey.ValidatePrefix(prefix); err != nil {
		return nil, err
	}
	return s.inner.ListKeys(ctx, prefix)
}

func (s *Store) GetAll(ctx context.Context, prefix string) ([]storage.KV, error) {
	if err := maskey.ValidatePrefix(prefix); err != nil {
		return nil, err
	}
	return s.inner.GetAll(ctx, prefix)
}

func (s *Store) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	if err := maskey.Validate(key); err != nil {
		return false, err
	}
	return s.inner.SetIfAbsent(ctx, key, value)
}

func (s *Store) CompareAndSwap(ctx context.Context, key, expected, value string) (bool, error) {
	if err := maskey.Validate(key); err != nil {
		return false, err
	}
	return s.inner.CompareAndSwap(ctx, key, expected, value)
}

func (s *Store) AtomicIncrement(ctx context.Context, key string) (int64, error) {
	if err := maskey.Validate(key); err != nil {
		return 0, err
	}
	return s.inner.AtomicIncrement(ctx, key)
}

func (s *Store) AtomicUpdate(ctx context.Context, key string, fn func(cur string, ok bool) (string, error)) error {
	if err := maskey.Validate(key); err != nil {
		return err
	}
	return s.inner.AtomicUpdate(ctx, key, fn)
}

func (s *Store) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if err := maskey.Validate(key); err != nil {
		return false, err
	}
	return s.inner.AcquireLock(ctx, key, owner, ttl)
}

func (s *Store) ReleaseLock(ctx context.Context, key, owner string) (bool, error) {
	if err := maskey.Validate(key); err != nil {
		return false, err
	}
	return s.inner.ReleaseLock(ctx, key, owner)
}

func (s *Store) ExtendLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if err := maskey.Validate(key); err != nil {
		return false, err
	}
	return s.inner.ExtendLock(ctx, key, owner, ttl)
}

// Publish/Subscribe address a pub/sub channel name, not a storage key; MASC
// reuses the same ':'-segmented grammar for channel names (see
// internal/broadcast's channel naming), so they are validated identically.
func (s *Store) Publish(ctx context.Context, channel, message string) (int, error) {
	if err := maskey.ValidatePrefix(channel); err != nil {
		return 0, err
	}
	return s.inner.Publish(ctx, channel, message)
}

func (s *Store) Subscribe(ctx context.Context, channel string) (string, bool, error) {
	if err := maskey.ValidatePrefix(channel); err != nil {
		return "", false, err
	}
	return s.inner.Subscribe(ctx, channel)
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return s.inner.HealthCheck(ctx)
}

var _ storage.Store = (*Store)(nil)
