package auth

import (
	"sync"
	"time"
)

// Result is the outcome of one rate-limit check.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	Limit      int
	Reset      time.Time
}

// CounterBackend is the pluggable storage for rate-limit counters, for
// deployments that share limits across processes.
type CounterBackend interface {
	// Increment adds one to the counter for key, creating it with the ttl
	// when absent, and returns the new count plus the counter's expiry.
	Increment(key string, ttl time.Duration) (count int, reset time.Time, err error)

	// Get returns the current count and expiry without incrementing.
	Get(key string) (count int, reset time.Time, err error)
}

// RateLimiter applies a sliding-window limit per client key.
type RateLimiter struct {
	window  time.Duration
	limit   int
	backend CounterBackend
	now     func() time.Time
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithBackend swaps the in-memory counters for a distributed backend.
func WithBackend(b CounterBackend) RateLimiterOption {
	return func(r *RateLimiter) { r.backend = b }
}

func withNow(now func() time.Time) RateLimiterOption {
	return func(r *RateLimiter) { r.now = now }
}

// NewRateLimiter creates a limiter allowing limit requests per window.
func NewRateLimiter(window time.Duration, limit int, opts ...RateLimiterOption) *RateLimiter {
	r := &RateLimiter{
		window: window,
		limit:  limit,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.backend == nil {
		r.backend = newMemoryCounters(window, r.now)
	}
	return r
}

// Allow records one request for key and reports whether it is within the
// limit.
func (r *RateLimiter) Allow(key string) Result {
	count, reset, err := r.backend.Increment(key, r.window)
	if err != nil {
		// A broken limiter backend fails open rather than taking the edge
		// down with it.
		return Result{Allowed: true, Remaining: r.limit, Limit: r.limit, Reset: r.now().Add(r.window)}
	}

	remaining := r.limit - count
	if remaining < 0 {
		remaining = 0
	}
	res := Result{
		Allowed:   count <= r.limit,
		Remaining: remaining,
		Limit:     r.limit,
		Reset:     reset,
	}
	if !res.Allowed {
		res.RetryAfter = reset.Sub(r.now())
		if res.RetryAfter < 0 {
			res.RetryAfter = 0
		}
	}
	return res
}

// memoryCounters is the in-process sliding-window backend. It keeps request
// timestamps per key and counts those inside the window.
type memoryCounters struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	window time.Duration
	now    func() time.Time
}

func newMemoryCounters(window time.Duration, now func() time.Time) *memoryCounters {
	return &memoryCounters{
		hits:   make(map[string][]time.Time),
		window: window,
		now:    now,
	}
}

func (m *memoryCounters) Increment(key string, ttl time.Duration) (int, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-ttl)

	kept := m.hits[key][:0]
	for _, at := range m.hits[key] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	kept = append(kept, now)
	m.hits[key] = kept

	// The window slides: it resets when the oldest surviving hit ages out.
	return len(kept), kept[0].Add(ttl), nil
}

func (m *memoryCounters) Get(key string) (int, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-m.window)

	count := 0
	var oldest time.Time
	for _, at := range m.hits[key] {
		if at.After(cutoff) {
			if count == 0 {
				oldest = at
			}
			count++
		}
	}
	if count == 0 {
		return 0, now, nil
	}
	return count, oldest.Add(m.window), nil
}
