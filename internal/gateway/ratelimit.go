package gateway

import (
	"sync"
	"time"
)

const (
	// maxTrackedKeys caps the number of tracked rate-limit keys to prevent
	// memory exhaustion from attackers rotating source keys.
	maxTrackedKeys = 4096

	// rateLimitWindow is the sliding window duration for rate counting.
	rateLimitWindow = 60 * time.Second
)

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

// RateLimiter bounds per-client request rates over a sliding one-minute
// window. The number of tracked keys is capped to prevent memory
// exhaustion from rotating client identities. Safe for concurrent use.
type RateLimiter struct {
	mu      sync.Mutex
	rpm     int
	entries map[string]*rateLimitEntry
	now     func() time.Time
}

// NewRateLimiter creates a bounded rate limiter allowing rpm requests
// per key per minute. A non-positive rpm disables limiting.
func NewRateLimiter(rpm int) *RateLimiter {
	return &RateLimiter{
		rpm:     rpm,
		entries: make(map[string]*rateLimitEntry),
		now:     time.Now,
	}
}

// Enabled reports whether the limiter enforces a limit.
func (r *RateLimiter) Enabled() bool {
	return r != nil && r.rpm > 0
}

// Allow returns true if the key is within rate limits.
// Automatically prunes stale entries and enforces a hard cap on tracked keys.
func (r *RateLimiter) Allow(key string) bool {
	if !r.Enabled() {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	// Prune stale entries when approaching the cap
	if len(r.entries) >= maxTrackedKeys {
		for k, e := range r.entries {
			if now.Sub(e.windowStart) >= rateLimitWindow {
				delete(r.entries, k)
			}
		}
		// Hard eviction if still at cap (FIFO-ish via map iteration)
		for len(r.entries) >= maxTrackedKeys {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[key]
	if !ok || now.Sub(e.windowStart) >= rateLimitWindow {
		r.entries[key] = &rateLimitEntry{windowStart: now, count: 1}
		return true
	}

	e.count++
	return e.count <= r.rpm
}
