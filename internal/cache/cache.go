// Package cache stores upstream answers keyed by normalized query so repeated
// lookups within the TTL do not reach the model.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Entry is a cached value with the time it was stored and the time it stops
// being fresh.
type Entry[V any] struct {
	Value     V         `json:"value"`
	StoredAt  time.Time `json:"storedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Fresh reports whether the entry is still within its TTL at now.
func (e Entry[V]) Fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Cache is implemented by every backend.
//
// Get returns only fresh values. GetStale returns the entry even after expiry,
// provided it expired no more than maxAge ago; callers use it when the
// upstream is failing. Clear drops every entry of this cache's namespace.
type Cache[V any] interface {
	Get(ctx context.Context, key string) (V, bool, error)
	GetStale(ctx context.Context, key string, maxAge time.Duration) (Entry[V], bool, error)
	Set(ctx context.Context, key string, value V, ttl time.Duration) error
	Clear(ctx context.Context) error
}

// NormalizeKey trims and lower-cases a query so "Delhi " and "delhi" share an entry.
func NormalizeKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// InMemoryCache is a mutex-guarded map. Expired entries are kept for the
// retention window so GetStale can still serve them.
type InMemoryCache[V any] struct {
	mu        sync.Mutex
	data      map[string]Entry[V]
	retention time.Duration
	now       func() time.Time
}

// pruneThreshold is the map size above which Set sweeps dead entries.
const pruneThreshold = 1024

// NewInMemoryCache creates an empty cache that retains expired entries for retention.
func NewInMemoryCache[V any](retention time.Duration) *InMemoryCache[V] {
	return &InMemoryCache[V]{
		data:      make(map[string]Entry[V]),
		retention: retention,
		now:       time.Now,
	}
}

// Get returns the value for key if present and fresh.
func (c *InMemoryCache[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.data[key]
	if !ok {
		return zero, false, nil
	}
	now := c.now()
	if !entry.Fresh(now) {
		if now.After(entry.ExpiresAt.Add(c.retention)) {
			delete(c.data, key)
		}
		return zero, false, nil
	}
	return entry.Value, true, nil
}

// GetStale returns the entry for key, fresh or not, if it expired at most maxAge ago.
func (c *InMemoryCache[V]) GetStale(ctx context.Context, key string, maxAge time.Duration) (Entry[V], bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.data[key]
	if !ok || c.now().After(entry.ExpiresAt.Add(maxAge)) {
		return Entry[V]{}, false, nil
	}
	return entry, true, nil
}

// Set stores value under key for ttl.
func (c *InMemoryCache[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.data[key] = Entry[V]{Value: value, StoredAt: now, ExpiresAt: now.Add(ttl)}
	if len(c.data) > pruneThreshold {
		c.pruneLocked(now)
	}
	return nil
}

// Clear removes every entry.
func (c *InMemoryCache[V]) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[string]Entry[V])
	return nil
}

// Len returns the number of stored entries, including retained expired ones.
func (c *InMemoryCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

func (c *InMemoryCache[V]) pruneLocked(now time.Time) {
	for k, e := range c.data {
		if now.After(e.ExpiresAt.Add(c.retention)) {
			delete(c.data, k)
		}
	}
}
