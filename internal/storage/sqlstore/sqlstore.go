// Package sqlstore is the relational Store backend on Postgres: a "kv"
// table for values, atomic counters, and locks, and a "pubsub" table
// drained via SKIP LOCKED. Publish also sends pg_notify on the channel;
// nothing in this package LISTENs for it, and Subscribe only polls the
// table.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/lib/pq"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/rakunlabs/masc/internal/mascerr"
	"github.com/rakunlabs/masc/internal/storage"
)

var (
	ConnMaxLifetime = 15 * time.Minute
	MaxIdleConns    = 10
	MaxOpenConns    = 10
)

// Config configures the SQL backend.
type Config struct {
	Datasource      string
	TablePrefix     string // default "masc_"
	ClusterName     string // prefixes every logical key
	ConnMaxLifetime *time.Duration
	MaxIdleConns    *int
	MaxOpenConns    *int

	// MaxMessagesPerChannel bounds pubsub retention: on publish, the
	// channel's rows beyond the newest N are trimmed, claimed or not. 0
	// keeps the default.
	MaxMessagesPerChannel int
}

const defaultMaxMessages = 1000

// Store is the relational backend.
type Store struct {
	db          *sql.DB
	goqu        *goqu.Database
	tableKV     string
	tablePubsub string
	clusterName string
	maxMessages int
	listener    *pq.Listener
}

// New opens the database, ensures the kv/pubsub tables exist, and returns a
// ready Store. Callers must call Close when done.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Datasource == "" {
		return nil, errors.New("sql store: datasource is required")
	}
	prefix := cfg.TablePrefix
	if prefix == "" {
		prefix = "masc_"
	}

	db, err := sql.Open("pgx", cfg.Datasource)
	if err != nil {
		return nil, mascerr.ErrConnectionFailed(err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, mascerr.ErrConnectionFailed(err)
	}

	connMaxLifetime := ConnMaxLifetime
	if cfg.ConnMaxLifetime != nil {
		connMaxLifetime = *cfg.ConnMaxLifetime
	}
	maxIdleConns := MaxIdleConns
	if cfg.MaxIdleConns != nil {
		maxIdleConns = *cfg.MaxIdleConns
	}
	maxOpenConns := MaxOpenConns
	if cfg.MaxOpenConns != nil {
		maxOpenConns = *cfg.MaxOpenConns
	}
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetMaxOpenConns(maxOpenConns)

	maxMessages := cfg.MaxMessagesPerChannel
	if maxMessages <= 0 {
		maxMessages = defaultMaxMessages
	}

	s := &Store{
		db:          db,
		goqu:        goqu.New("postgres", db),
		tableKV:     prefix + "kv",
		tablePubsub: prefix + "pubsub",
		clusterName: cfg.ClusterName,
		maxMessages: maxMessages,
	}

	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	listener := pq.NewListener(cfg.Datasource, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			slog.Warn("sql store listener event", "error", err)
		}
	})
	s.listener = listener

	slog.Info("connected to sql store", "table_prefix", prefix)

	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			lock_owner TEXT,
			lock_expires_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.tableKV),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_key_prefix_idx ON %s (key text_pattern_ops)`, s.tableKV, s.tableKV),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			channel TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			claimed BOOLEAN NOT NULL DEFAULT false
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
	if s.listener != nil {
		s.listener.Close()
	}
	return s.db.Close()
}

func (s *Store) key(k string) string {
	if s.clusterName == "" {
		return k
	}
	return s.clusterName + ":" + k
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, s.tableKV), s.key(key)).Scan(&value)
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
		INSERT INTO %s (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, s.tableKV), s.key(key), value)
	if err != nil {
		return mascerr.ErrOperationFailed("set", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.tableKV), s.key(key))
	if err != nil {
		return false, mascerr.ErrOperationFailed("delete", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT 1 FROM %s WHERE key = $1`, s.tableKV), s.key(key)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mascerr.ErrOperationFailed("exists", err)
	}
	return true, nil
}

func (s *Store) stripClusterPrefix(k string) string {
	if s.clusterName == "" {
		return k
	}
	return k[len(s.clusterName)+1:]
}

func (s *Store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT key FROM %s WHERE key LIKE $1 ORDER BY key`, s.tableKV), s.key(prefix)+"%")
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
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT key, value FROM %s WHERE key LIKE $1 ORDER BY key`, s.tableKV), s.key(prefix)+"%")
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
		INSERT INTO %s (key, value, updated_at) VALUES ($1, $2, now())
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
		UPDATE %s SET value = $1, updated_at = now() WHERE key = $2 AND value = $3
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
		INSERT INTO %s (key, value, updated_at) VALUES ($1, '1', now())
		ON CONFLICT (key) DO UPDATE SET value = (CAST(%s.value AS BIGINT) + 1)::text, updated_at = now()
		RETURNING CAST(value AS BIGINT)
	`, s.tableKV, s.tableKV), s.key(key)).Scan(&n)
	if err != nil {
		return 0, mascerr.ErrOperationFailed("atomic_increment", err)
	}
	return n, nil
}

// AtomicUpdate retries up to 5 times on CAS contention, matching the task
// store's backlog-write retry policy.
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
	exp := time.Now().Add(storage.ClampTTL(ttl))
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, value, lock_owner, lock_expires_at, updated_at)
		VALUES ($1, '', $2, $3, now())
		ON CONFLICT (key) DO UPDATE SET lock_owner = $2, lock_expires_at = $3, updated_at = now()
		WHERE %s.lock_owner IS NULL OR %s.lock_expires_at < now() OR %s.lock_owner = $2
	`, s.tableKV, s.tableKV, s.tableKV, s.tableKV), s.key(key), owner, exp)
	if err != nil {
		return false, mascerr.ErrOperationFailed("acquire_lock", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) ReleaseLock(ctx context.Context, key, owner string) (bool, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET lock_owner = NULL, lock_expires_at = NULL WHERE key = $1 AND lock_owner = $2
	`, s.tableKV), s.key(key), owner)
	if err != nil {
		return false, mascerr.ErrOperationFailed("release_lock", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) ExtendLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	exp := time.Now().Add(storage.ClampTTL(ttl))
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET lock_expires_at = $1 WHERE key = $2 AND lock_owner = $3 AND lock_expires_at >= now()
	`, s.tableKV), exp, s.key(key), owner)
	if err != nil {
		return false, mascerr.ErrOperationFailed("extend_lock", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Publish enqueues message into the pubsub table and sends pg_notify on
// channel, matching the mined pgnotify bus's Publish/Notify pairing.
// Subscribe does not wait for that notification; its callers poll.
func (s *Store) Publish(ctx context.Context, channel, message string) (int, error) {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (channel, message) VALUES ($1, $2)`, s.tablePubsub), channel, message)
	if err != nil {
		return 0, mascerr.ErrOperationFailed("publish", err)
	}
	// pg_notify has a payload budget (~8000 bytes); an oversize message
	// still persists in the table and subscribers pick it up on poll.
	if len(message) <= 7900 {
		if _, err := s.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channel, message); err != nil {
			slog.Warn("sql store pg_notify failed", "error", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE channel = $1 AND id NOT IN (
			SELECT id FROM %s WHERE channel = $1 ORDER BY id DESC LIMIT $2
		)
	`, s.tablePubsub, s.tablePubsub), channel, s.maxMessages); err != nil {
		slog.Warn("sql store pubsub trim failed", "error", err)
	}
	var count int
	s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM %s WHERE channel = $1 AND claimed = false`, s.tablePubsub), channel).Scan(&count)
	return count, nil
}

// Subscribe dequeues at most one pending message for channel using
// SELECT ... FOR UPDATE SKIP LOCKED, so multiple subscriber processes never
// observe the same message twice.
func (s *Store) Subscribe(ctx context.Context, channel string) (string, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, mascerr.ErrOperationFailed("subscribe", err)
	}
	defer tx.Rollback()

	var id int64
	var message string
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, message FROM %s WHERE channel = $1 AND claimed = false
		ORDER BY id ASC LIMIT 1 FOR UPDATE SKIP LOCKED
	`, s.tablePubsub), channel).Scan(&id, &message)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, mascerr.ErrOperationFailed("subscribe", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET claimed = true WHERE id = $1`, s.tablePubsub), id); err != nil {
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
