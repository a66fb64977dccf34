// Package ratelimit provides the token-bucket limiter that paces
// outbound calls. Take is non-blocking: on exhaustion it hands the
// caller a retry-in hint instead of sleeping.
package ratelimit

import (
	"sync"
	"time"
)

// Bucket is a token bucket. Tokens refill continuously at RefillPerSec
// up to Capacity; state transitions happen under one mutex.
type Bucket struct {
	mu           sync.Mutex
	capacity     int64
	refillPerSec float64
	tokens       int64
	lastRefill   time.Time

	now func() time.Time
}

// NewBucket creates a full bucket. capacity < 1 is clamped to 1 and
// refillPerSec <= 0 to 1, so a misconfigured limiter degrades to a
// strict one instead of admitting nothing forever.
func NewBucket(capacity int64, refillPerSec float64) *Bucket {
	if capacity < 1 {
		capacity = 1
	}
	if refillPerSec <= 0 {
		refillPerSec = 1
	}
	b := &Bucket{
		capacity:     capacity,
		refillPerSec: refillPerSec,
		tokens:       capacity,
		now:          time.Now,
	}
	b.lastRefill = b.now()
	return b
}

// Take attempts to consume n tokens. It returns (true, 0) on success,
// or (false, retryInMs) where retryInMs is the time until enough
// tokens will have accumulated.
func (b *Bucket) Take(n int64) (ok bool, retryInMs int64) {
	if n < 1 {
		n = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.tokens >= n {
		b.tokens -= n
		return true, 0
	}

	missing := float64(n - b.tokens)
	ms := missing / b.refillPerSec * 1000
	retryInMs = int64(ms)
	if float64(retryInMs) < ms {
		retryInMs++ // ceil
	}
	return false, retryInMs
}

// Available returns the current token count after refill.
func (b *Bucket) Available() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}

// refillLocked credits tokens for the elapsed interval. Only whole
// tokens are credited; the remainder stays in the clock by advancing
// lastRefill proportionally to what was credited.
func (b *Bucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	credit := int64(float64(elapsed.Milliseconds()) * b.refillPerSec / 1000)
	if credit <= 0 {
		return
	}
	b.tokens += credit
	if b.tokens > b.capacity {
		b.tokens = b.capacity
		b.lastRefill = now
		return
	}
	// Advance by the credited amount only, keeping fractional progress.
	consumed := time.Duration(float64(credit)/b.refillPerSec*1000) * time.Millisecond
	b.lastRefill = b.lastRefill.Add(consumed)
}

// Registry hands out one bucket per service id, creating them on first
// use with the registry defaults.
type Registry struct {
	mu           sync.Mutex
	buckets      map[string]*Bucket
	capacity     int64
	refillPerSec float64
}

// NewRegistry creates a registry whose buckets default to the given
// capacity and refill rate.
func NewRegistry(capacity int64, refillPerSec float64) *Registry {
	return &Registry{
		buckets:      make(map[string]*Bucket),
		capacity:     capacity,
		refillPerSec: refillPerSec,
	}
}

// Get returns the bucket for a service id, creating it if needed.
func (r *Registry) Get(service string) *Bucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buckets[service]; ok {
		return b
	}
	b := NewBucket(r.capacity, r.refillPerSec)
	r.buckets[service] = b
	return b
}

// Set installs a bucket with explicit parameters for a service id,
// replacing any defaulted one. Used when per-channel config overrides
// the registry defaults.
func (r *Registry) Set(service string, capacity int64, refillPerSec float64) *Bucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := NewBucket(capacity, refillPerSec)
	r.buckets[service] = b
	return b
}
