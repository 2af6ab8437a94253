package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ankitRaj925/Atmos-AQI/internal/observability"
)

// SQLiteCache persists entries in the cache_entries table so they survive
// restarts. Open the database with store.Open.
type SQLiteCache[V any] struct {
	db        *sql.DB
	namespace string
	retention time.Duration
	now       func() time.Time
}

func NewSQLiteCache[V any](db *sql.DB, namespace string, retention time.Duration) *SQLiteCache[V] {
	return &SQLiteCache[V]{db: db, namespace: namespace, retention: retention, now: time.Now}
}

func (c *SQLiteCache[V]) load(ctx context.Context, key string) (Entry[V], bool, error) {
	start := time.Now()
	var (
		raw                 []byte
		storedAt, expiresAt int64
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT value, stored_at, expires_at FROM cache_entries WHERE namespace = ? AND key = ?`,
		c.namespace, key).Scan(&raw, &storedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "miss").Observe(time.Since(start).Seconds())
		return Entry[V]{}, false, nil
	}
	if err != nil {
		recordBackendError("get", start, err)
		return Entry[V]{}, false, err
	}
	entry := Entry[V]{StoredAt: time.UnixMilli(storedAt).UTC(), ExpiresAt: time.UnixMilli(expiresAt).UTC()}
	if err := json.Unmarshal(raw, &entry.Value); err != nil {
		recordBackendError("get", start, err)
		return Entry[V]{}, false, fmt.Errorf("decode cache entry: %w", err)
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("get", "hit").Observe(time.Since(start).Seconds())
	return entry, true, nil
}

// Get implements Cache.Get.
func (c *SQLiteCache[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	entry, ok, err := c.load(ctx, key)
	if err != nil || !ok || !entry.Fresh(c.now()) {
		return zero, false, err
	}
	return entry.Value, true, nil
}

// GetStale implements Cache.GetStale.
func (c *SQLiteCache[V]) GetStale(ctx context.Context, key string, maxAge time.Duration) (Entry[V], bool, error) {
	entry, ok, err := c.load(ctx, key)
	if err != nil || !ok || c.now().After(entry.ExpiresAt.Add(maxAge)) {
		return Entry[V]{}, false, err
	}
	return entry, true, nil
}

// Set implements Cache.Set and deletes rows of this namespace that are past
// the retention window.
func (c *SQLiteCache[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) error {
	start := time.Now()
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	now := c.now()
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO cache_entries (namespace, key, value, stored_at, expires_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value, stored_at = excluded.stored_at, expires_at = excluded.expires_at`,
		c.namespace, key, raw, now.UnixMilli(), now.Add(ttl).UnixMilli())
	if err != nil {
		recordBackendError("set", start, err)
		return err
	}
	_, err = c.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE namespace = ? AND expires_at < ?`,
		c.namespace, now.Add(-c.retention).UnixMilli())
	if err != nil {
		recordBackendError("prune", start, err)
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("set", "ok").Observe(time.Since(start).Seconds())
	return nil
}

// Clear implements Cache.Clear.
func (c *SQLiteCache[V]) Clear(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE namespace = ?`, c.namespace)
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("clear", "sqlite").Inc()
	}
	return err
}

// Ping checks the database connection.
func (c *SQLiteCache[V]) Ping() error {
	return c.db.Ping()
}
