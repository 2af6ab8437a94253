package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/ankitRaj925/Atmos-AQI/internal/observability"
)

const (
	keyPrefix      = "atmos:"
	maxKeyLength   = 250
	maxRelativeExp = 30 * 24 * 60 * 60 // memcached treats larger values as unix timestamps
)

// MemcachedCache implements Cache on memcached. Entries live under a
// namespace generation; Clear bumps the generation instead of flushing the
// shared server, and old keys age out on their own.
type MemcachedCache[V any] struct {
	client    *memcache.Client
	namespace string
	retention time.Duration
	now       func() time.Time
}

// NewMemcachedClient creates a client. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and
// maxIdleConns use package defaults if zero.
func NewMemcachedClient(addrs string, timeout time.Duration, maxIdleConns int) *memcache.Client {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return client
}

// NewMemcachedCache stores values of type V under namespace. Several caches
// may share one client.
func NewMemcachedCache[V any](client *memcache.Client, namespace string, retention time.Duration) *MemcachedCache[V] {
	return &MemcachedCache[V]{client: client, namespace: namespace, retention: retention, now: time.Now}
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func (c *MemcachedCache[V]) genKey() string {
	return keyPrefix + c.namespace + ":gen"
}

func (c *MemcachedCache[V]) generation() (uint64, error) {
	item, err := c.client.Get(c.genKey())
	if errors.Is(err, memcache.ErrCacheMiss) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(item.Value)), 10, 64)
}

// itemKey escapes key (memcached rejects spaces and control characters) and
// hashes it when the result would exceed the protocol limit.
func (c *MemcachedCache[V]) itemKey(key string) (string, error) {
	gen, err := c.generation()
	if err != nil {
		return "", err
	}
	k := fmt.Sprintf("%s%s:%d:%s", keyPrefix, c.namespace, gen, url.QueryEscape(key))
	if len(k) > maxKeyLength {
		sum := sha256.Sum256([]byte(key))
		k = fmt.Sprintf("%s%s:%d:h:%s", keyPrefix, c.namespace, gen, hex.EncodeToString(sum[:]))
	}
	return k, nil
}

func (c *MemcachedCache[V]) load(ctx context.Context, key string) (Entry[V], bool, error) {
	if ctx.Err() != nil {
		return Entry[V]{}, false, ctx.Err()
	}
	start := time.Now()
	k, err := c.itemKey(key)
	if err != nil {
		recordBackendError("get", start, err)
		return Entry[V]{}, false, err
	}
	item, err := c.client.Get(k)
	if errors.Is(err, memcache.ErrCacheMiss) {
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "miss").Observe(time.Since(start).Seconds())
		return Entry[V]{}, false, nil
	}
	if err != nil {
		recordBackendError("get", start, err)
		return Entry[V]{}, false, err
	}
	var entry Entry[V]
	if err := json.Unmarshal(item.Value, &entry); err != nil {
		recordBackendError("get", start, err)
		return Entry[V]{}, false, fmt.Errorf("decode cache entry: %w", err)
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("get", "hit").Observe(time.Since(start).Seconds())
	return entry, true, nil
}

// Get implements Cache.Get. Returns false, nil on miss; false, err on error.
func (c *MemcachedCache[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	entry, ok, err := c.load(ctx, key)
	if err != nil || !ok || !entry.Fresh(c.now()) {
		return zero, false, err
	}
	return entry.Value, true, nil
}

// GetStale implements Cache.GetStale.
func (c *MemcachedCache[V]) GetStale(ctx context.Context, key string, maxAge time.Duration) (Entry[V], bool, error) {
	entry, ok, err := c.load(ctx, key)
	if err != nil || !ok || c.now().After(entry.ExpiresAt.Add(maxAge)) {
		return Entry[V]{}, false, err
	}
	return entry, true, nil
}

// Set implements Cache.Set. The item outlives ttl by the retention window so
// it stays readable through GetStale.
func (c *MemcachedCache[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	start := time.Now()
	now := c.now()
	raw, err := json.Marshal(Entry[V]{Value: value, StoredAt: now, ExpiresAt: now.Add(ttl)})
	if err != nil {
		return err
	}
	k, err := c.itemKey(key)
	if err != nil {
		recordBackendError("set", start, err)
		return err
	}
	expSec := int32((ttl + c.retention).Seconds())
	if expSec <= 0 || expSec > maxRelativeExp {
		expSec = maxRelativeExp
	}
	if err := c.client.Set(&memcache.Item{Key: k, Value: raw, Expiration: expSec}); err != nil {
		recordBackendError("set", start, err)
		return err
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("set", "ok").Observe(time.Since(start).Seconds())
	return nil
}

// Clear implements Cache.Clear by advancing the namespace generation.
func (c *MemcachedCache[V]) Clear(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	_, err := c.client.Increment(c.genKey(), 1)
	if errors.Is(err, memcache.ErrCacheMiss) {
		err = c.client.Add(&memcache.Item{Key: c.genKey(), Value: []byte("1")})
		if errors.Is(err, memcache.ErrNotStored) {
			_, err = c.client.Increment(c.genKey(), 1)
		}
	}
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("clear", "memcached").Inc()
	}
	return err
}

// Ping checks if memcached is reachable. Used for health checks.
func (c *MemcachedCache[V]) Ping() error {
	return c.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (c *MemcachedCache[V]) Close() error {
	return c.client.Close()
}

func recordBackendError(op string, start time.Time, err error) {
	observability.CacheOperationDurationSeconds.WithLabelValues(op, "error").Observe(time.Since(start).Seconds())
	category := "backend"
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "timeout") {
		category = "timeout"
	}
	observability.CacheErrorsTotal.WithLabelValues(op, category).Inc()
}
