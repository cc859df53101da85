package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ericfisherdev/plughub/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.CounterStore = (*CounterRepo)(nil)

// CounterRepo is the shared counter cache backed by the SQLite file every
// worker process opens. Each operation is a single statement on the writer
// connection, so increments and decrements never interleave mid-update.
// Expiry is stored as Unix nanoseconds.
type CounterRepo struct {
	db  *DB
	now func() time.Time
}

// NewCounterRepo creates a new CounterRepo backed by the given DB.
func NewCounterRepo(db *DB) *CounterRepo {
	return &CounterRepo{db: db, now: time.Now}
}

// Get returns the live value at key, or zero when missing or expired.
func (r *CounterRepo) Get(ctx context.Context, key string) (int64, error) {
	const query = `SELECT value FROM counters WHERE key = ? AND expires_at > ?`

	var value int64
	err := r.db.Writer.QueryRowContext(ctx, query, key, r.now().UnixNano()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get counter %q: %w", key, err)
	}
	return value, nil
}

// Set stores value at key with a fresh TTL.
func (r *CounterRepo) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	const query = `
		INSERT INTO counters (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`

	if _, err := r.db.Writer.ExecContext(ctx, query, key, value, r.now().Add(ttl).UnixNano()); err != nil {
		return fmt.Errorf("set counter %q: %w", key, err)
	}
	return nil
}

// Incr adds one to key. An expired entry restarts at one with a fresh TTL;
// a live entry keeps its expiry, so steady traffic cannot keep a key alive.
func (r *CounterRepo) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	const query = `
		INSERT INTO counters (key, value, expires_at) VALUES (?, 1, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = CASE WHEN counters.expires_at <= ? THEN 1 ELSE counters.value + 1 END,
			expires_at = CASE WHEN counters.expires_at <= ? THEN excluded.expires_at
			                  ELSE counters.expires_at END
		RETURNING value
	`

	now := r.now()
	nowNanos := now.UnixNano()

	var value int64
	err := r.db.Writer.QueryRowContext(ctx, query, key, now.Add(ttl).UnixNano(), nowNanos, nowNanos).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("incr counter %q: %w", key, err)
	}
	return value, nil
}

// Decr subtracts one from a live key without going below zero.
func (r *CounterRepo) Decr(ctx context.Context, key string) (int64, error) {
	const query = `
		UPDATE counters SET value = MAX(value - 1, 0)
		WHERE key = ? AND expires_at > ?
		RETURNING value
	`

	var value int64
	err := r.db.Writer.QueryRowContext(ctx, query, key, r.now().UnixNano()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("decr counter %q: %w", key, err)
	}
	return value, nil
}

// Expire resets the TTL of key.
func (r *CounterRepo) Expire(ctx context.Context, key string, ttl time.Duration) error {
	const query = `UPDATE counters SET expires_at = ? WHERE key = ?`

	if _, err := r.db.Writer.ExecContext(ctx, query, r.now().Add(ttl).UnixNano(), key); err != nil {
		return fmt.Errorf("expire counter %q: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (r *CounterRepo) Delete(ctx context.Context, key string) error {
	const query = `DELETE FROM counters WHERE key = ?`

	if _, err := r.db.Writer.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("delete counter %q: %w", key, err)
	}
	return nil
}

// CountLive counts unexpired, positive entries whose key starts with prefix.
func (r *CounterRepo) CountLive(ctx context.Context, prefix string) (int64, error) {
	const query = `
		SELECT COUNT(*) FROM counters
		WHERE substr(key, 1, length(?)) = ? AND value > 0 AND expires_at > ?
	`

	var n int64
	err := r.db.Writer.QueryRowContext(ctx, query, prefix, prefix, r.now().UnixNano()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count counters %q: %w", prefix, err)
	}
	return n, nil
}

// PurgeExpired removes expired entries.
func (r *CounterRepo) PurgeExpired(ctx context.Context) (int64, error) {
	const query = `DELETE FROM counters WHERE expires_at <= ?`

	result, err := r.db.Writer.ExecContext(ctx, query, r.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge counters: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return n, nil
}
