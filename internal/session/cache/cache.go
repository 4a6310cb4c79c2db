// Package cache provides the bounded in-memory session cache with
// access-ordered eviction. Eviction removes only in-memory state; the
// persisted session record is untouched.
package cache

import (
	"sort"
	"sync"
	"time"
)

// EvictFunc is invoked once per evicted entry, under the cache mutex;
// keep it cheap and never call back into the cache.
type EvictFunc[V any] func(key string, value V)

// Entry is one cached value with its access metadata.
type Entry[V any] struct {
	Data           V
	CreatedAt      time.Time
	LastAccessedAt time.Time
}

// Stats reports cache size and counter totals.
type Stats struct {
	Size        int   `json:"size"`
	MaxSessions int   `json:"max_sessions"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
}

// Cache is a bounded map with least-recently-accessed eviction.
type Cache[V any] struct {
	mu          sync.Mutex
	entries     map[string]*Entry[V]
	maxSessions int
	evictCount  int
	onEvict     EvictFunc[V]

	hits      int64
	misses    int64
	evictions int64

	now func() time.Time
}

// Option configures a Cache.
type Option[V any] func(*Cache[V])

// WithEvictCount sets the minimum number of entries removed per eviction pass.
func WithEvictCount[V any](n int) Option[V] {
	return func(c *Cache[V]) {
		if n > 0 {
			c.evictCount = n
		}
	}
}

// WithOnEvict registers a callback invoked per evicted entry.
func WithOnEvict[V any](fn EvictFunc[V]) Option[V] {
	return func(c *Cache[V]) { c.onEvict = fn }
}

// withClock overrides the time source, for tests.
func withClock[V any](now func() time.Time) Option[V] {
	return func(c *Cache[V]) { c.now = now }
}

// New creates a cache bounded to maxSessions entries.
func New[V any](maxSessions int, opts ...Option[V]) *Cache[V] {
	c := &Cache[V]{
		entries:     make(map[string]*Entry[V]),
		maxSessions: maxSessions,
		evictCount:  1,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Set inserts or replaces the value for key. On replace, CreatedAt is
// preserved; only Data and LastAccessedAt change. Insertion beyond the
// bound triggers eviction.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if existing, ok := c.entries[key]; ok {
		existing.Data = value
		existing.LastAccessedAt = now
		return
	}
	c.entries[key] = &Entry[V]{
		Data:           value,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	c.evictLocked()
}

// Get returns the value for key and marks it as accessed.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	entry.LastAccessedAt = c.now()
	return entry.Data, true
}

// Touch marks key as accessed without reading it.
// Returns false if key is absent.
func (c *Cache[V]) Touch(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return false
	}
	entry.LastAccessedAt = c.now()
	return true
}

// Has reports presence without affecting access order or counters.
func (c *Cache[V]) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Delete removes key. The eviction callback is not invoked for explicit
// deletes.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)
	return true
}

// Clear removes all entries.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry[V])
}

// Len returns the number of cached entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Keys returns a snapshot of the cached keys, unordered.
func (c *Cache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}

// Values returns a snapshot of the cached values, unordered.
func (c *Cache[V]) Values() []V {
	c.mu.Lock()
	defer c.mu.Unlock()
	values := make([]V, 0, len(c.entries))
	for _, e := range c.entries {
		values = append(values, e.Data)
	}
	return values
}

// Entries returns a snapshot of the cached entries keyed by id.
func (c *Cache[V]) Entries() map[string]Entry[V] {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Entry[V], len(c.entries))
	for k, e := range c.entries {
		out[k] = *e
	}
	return out
}

// Stats returns current counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:        len(c.entries),
		MaxSessions: c.maxSessions,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
	}
}

// SetMaxSessions changes the bound at runtime and immediately evicts down
// to it when exceeded.
func (c *Cache[V]) SetMaxSessions(max int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxSessions = max
	c.evictLocked()
}

// evictLocked removes the least-recently-accessed entries while the cache
// exceeds its bound. When an eviction pass runs, at least evictCount entries
// are removed so repeated single-entry overflow does not thrash.
func (c *Cache[V]) evictLocked() {
	if c.maxSessions <= 0 || len(c.entries) <= c.maxSessions {
		return
	}

	overflow := len(c.entries) - c.maxSessions
	toEvict := overflow
	if c.evictCount > toEvict {
		toEvict = c.evictCount
	}
	if toEvict > len(c.entries) {
		toEvict = len(c.entries)
	}

	type aged struct {
		key  string
		last time.Time
	}
	byAge := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		byAge = append(byAge, aged{key: k, last: e.LastAccessedAt})
	}
	sort.Slice(byAge, func(i, j int) bool {
		return byAge[i].last.Before(byAge[j].last)
	})

	for i := 0; i < toEvict; i++ {
		key := byAge[i].key
		entry := c.entries[key]
		delete(c.entries, key)
		c.evictions++
		if c.onEvict != nil {
			c.onEvict(key, entry.Data)
		}
	}
}
