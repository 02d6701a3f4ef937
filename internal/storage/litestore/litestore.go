// Package litestore is the embedded-SQLite variant of the relational Store
// backend, for single-machine deployments that want durable storage
// without a Postgres server. Mirrors internal/storage/sqlstore
// table-for-table; lock expiry is held as unix seconds so comparisons
// never depend on the engine's timestamp affinity.
package litestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rakunlabs/masc/internal/mascerr"
	"github.com/rakunlabs/masc/internal/storage"
)

var DefaultTablePrefix = "masc_"

// Config configures the embedded-SQLite backend.
type Config struct {
	// Path is the database file ("file:masc.db" or a bare path).
	Path        string
	TablePrefix string
	ClusterName string

	// MaxMessagesPerChannel bounds pubsub retention: on publish, the
	// channel's rows beyond the newest N are trimmed, claimed or not. 0
	// keeps the default.
	MaxMessagesPerChannel int
}

const defaultMaxMessages = 1000

type Store struct {
	db          *sql.DB
	tableKV     string
	tablePubsub string
	clusterName string
	maxMessages int
}

// New opens (creating if needed) the database file, enables WAL, ensures
// the kv/pubsub tables, and returns a ready Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite store: path is required")
	}
	prefix := cfg.TablePrefix
	if prefix == "" {
		prefix = DefaultTablePrefix
	}
	maxMessages := cfg.MaxMessagesPerChannel
	if maxMessages <= 0 {
		maxMessages = defaultMaxMessages
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, mascerr.ErrConnectionFailed(err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, mascerr.ErrConnectionFailed(err)
	}

	// WAL for concurrent readers; one writer at a time is enough for a
	// single-machine room.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, mascerr.ErrConnectionFailed(err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, mascerr.ErrConnectionFailed(err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{
		db:          db,
		tableKV:     prefix + "kv",
		tablePubsub: prefix + "pubsub",
		clusterName: cfg.ClusterName,
		maxMessages: maxMessages,
	}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("opened sqlite store", "path", cfg.Path, "table_prefix", prefix)

	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			lock_owner TEXT,
			lock_expires_at INTEGER,
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`, s.tableKV),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			claimed INTEGER NOT NULL DEFAULT 0
		)`, s.tablePubsub),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_channel_idx ON %s (channel, claimed)`, s.tablePubsub, s.tablePubsub),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return mascerr.ErrOperationFailed("ensure_schema", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) key(k string) string {
	if s.clusterName == "" {
		return k
	}
	return s.clusterName + ":" + k
}

func (s *Store) stripClusterPrefix(k string) string {
	if s.clusterName == "" {
		return k
	}
	return k[len(s.clusterName)+1:]
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT value FROM %s WHERE key = ?`, s.tableKV), s.key(key)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, mascerr.ErrOperationFailed("get", err)
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, value, updated_at) VALUES (?, ?, datetime('now'))
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = datetime('now')
	`, s.tableKV), s.key(key), value)
	if err != nil {
		return mascerr.ErrOperationFailed("set", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, s.tableKV), s.key(key))
	if err != nil {
		return false, mascerr.ErrOperationFailed("delete", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT 1 FROM %s WHERE key = ?`, s.tableKV), s.key(key)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mascerr.ErrOperationFailed("exists", err)
	}
	return true, nil
}

func (s *Store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT key FROM %s WHERE key LIKE ? ORDER BY key`, s.tableKV), s.key(prefix)+"%")
	if err != nil {
		return nil, mascerr.ErrOperationFailed("list_keys", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, mascerr.ErrOperationFailed("list_keys", err)
		}
		out = append(out, s.stripClusterPrefix(k))
	}
	return out, rows.Err()
}

func (s *Store) GetAll(ctx context.Context, prefix string) ([]storage.KV, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT key, value FROM %s WHERE key LIKE ? ORDER BY key`, s.tableKV), s.key(prefix)+"%")
	if err != nil {
		return nil, mascerr.ErrOperationFailed("get_all", err)
	}
	defer rows.Close()
	var out []storage.KV
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, mascerr.ErrOperationFailed("get_all", err)
		}
		out = append(out, storage.KV{Key: s.stripClusterPrefix(k), Value: v})
	}
	return out, rows.Err()
}

func (s *Store) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, value, updated_at) VALUES (?, ?, datetime('now'))
		ON CONFLICT (key) DO NOTHING
	`, s.tableKV), s.key(key), value)
	if err != nil {
		return false, mascerr.ErrOperationFailed("set_if_absent", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, key, expected, value string) (bool, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET value = ?, updated_at = datetime('now') WHERE key = ? AND value = ?
	`, s.tableKV), value, s.key(key), expected)
	if err != nil {
		return false, mascerr.ErrOperationFailed("compare_and_swap", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		return true, nil
	}
	if expected == "" {
		return s.SetIfAbsent(ctx, key, value)
	}
	return false, nil
}

func (s *Store) AtomicIncrement(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, value, updated_at) VALUES (?, '1', datetime('now'))
		ON CONFLICT (key) DO UPDATE SET value = CAST(CAST(%s.value AS INTEGER) + 1 AS TEXT), updated_at = datetime('now')
		RETURNING CAST(value AS INTEGER)
	`, s.tableKV, s.tableKV), s.key(key)).Scan(&n)
	if err != nil {
		return 0, mascerr.ErrOperationFailed("atomic_increment", err)
	}
	return n, nil
}

// AtomicUpdate retries up to 5 times on CAS contention, same policy as the
// Postgres backend.
func (s *Store) AtomicUpdate(ctx context.Context, key string, fn func(cur string, ok bool) (string, error)) error {
	const maxAttempts = 5
	for attempt := 0; attempt < maxAttempts; attempt++ {
		cur, ok, err := s.Get(ctx, key)
		if err != nil {
			return err
		}
		next, err := fn(cur, ok)
		if err != nil {
			return err
		}
		var swapped bool
		if ok {
			swapped, err = s.CompareAndSwap(ctx, key, cur, next)
		} else {
			swapped, err = s.SetIfAbsent(ctx, key, next)
		}
		if err != nil {
			return err
		}
		if swapped {
			return nil
		}
	}
	return mascerr.ErrVersionConflict(0, 0)
}

func (s *Store) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := time.Now().Unix()
	exp := time.Now().Add(storage.ClampTTL(ttl)).Unix()
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, value, lock_owner, lock_expires_at, updated_at)
		VALUES (?, '', ?, ?, datetime('now'))
		ON CONFLICT (key) DO UPDATE SET lock_owner = excluded.lock_owner, lock_expires_at = excluded.lock_expires_at, updated_at = datetime('now')
		WHERE %s.lock_owner IS NULL OR %s.lock_expires_at < ? OR %s.lock_owner = excluded.lock_owner
	`, s.tableKV, s.tableKV, s.tableKV, s.tableKV), s.key(key), owner, exp, now)
	if err != nil {
		return false, mascerr.ErrOperationFailed("acquire_lock", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) ReleaseLock(ctx context.Context, key, owner string) (bool, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET lock_owner = NULL, lock_expires_at = NULL WHERE key = ? AND lock_owner = ?
	`, s.tableKV), s.key(key), owner)
	if err != nil {
		return false, mascerr.ErrOperationFailed("release_lock", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) ExtendLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := time.Now().Unix()
	exp := time.Now().Add(storage.ClampTTL(ttl)).Unix()
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET lock_expires_at = ? WHERE key = ? AND lock_owner = ? AND lock_expires_at >= ?
	`, s.tableKV), exp, s.key(key), owner, now)
	if err != nil {
		return false, mascerr.ErrOperationFailed("extend_lock", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Publish enqueues message and trims the channel's rows beyond the newest
// maxMessages, claimed or not. SQLite has no notify channel; Subscribe callers poll.
func (s *Store) Publish(ctx context.Context, channel, message string) (int, error) {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (channel, message) VALUES (?, ?)`, s.tablePubsub), channel, message); err != nil {
		return 0, mascerr.ErrOperationFailed("publish", err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE channel = ? AND id NOT IN (
			SELECT id FROM %s WHERE channel = ? ORDER BY id DESC LIMIT ?
		)
	`, s.tablePubsub, s.tablePubsub), channel, channel, s.maxMessages); err != nil {
		slog.Warn("sqlite store pubsub trim failed", "error", err)
	}
	var count int
	s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM %s WHERE channel = ? AND claimed = 0`, s.tablePubsub), channel).Scan(&count) //nolint:errcheck
	return count, nil
}

// Subscribe dequeues at most one pending message. The database is opened
// with a single connection, so the read-claim pair inside one transaction
// is serialized against every other consumer in this process; cross-process
// consumers are serialized by SQLite's own write lock.
func (s *Store) Subscribe(ctx context.Context, channel string) (string, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, mascerr.ErrOperationFailed("subscribe", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var id int64
	var message string
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, message FROM %s WHERE channel = ? AND claimed = 0 ORDER BY id ASC LIMIT 1
	`, s.tablePubsub), channel).Scan(&id, &message)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, mascerr.ErrOperationFailed("subscribe", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET claimed = 1 WHERE id = ?`, s.tablePubsub), id); err != nil {
		return "", false, mascerr.ErrOperationFailed("subscribe", err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, mascerr.ErrOperationFailed("subscribe", err)
	}
	return message, true, nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return mascerr.ErrConnectionFailed(err)
	}
	return nil
}

var _ storage.Store = (*Store)(nil)
