package ratelimit

import (
	"testing"
	"time"
)

// fakeClock drives bucket time in tests without sleeping.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBucket(capacity int64, rate float64) (*Bucket, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	b := NewBucket(capacity, rate)
	b.now = clk.now
	b.lastRefill = clk.t
	return b, clk
}

func TestTakeDrainsToZero(t *testing.T) {
	b, _ := newTestBucket(3, 1)

	for i := 0; i < 3; i++ {
		if ok, _ := b.Take(1); !ok {
			t.Fatalf("take %d rejected, want accepted", i+1)
		}
	}
	ok, retry := b.Take(1)
	if ok {
		t.Fatal("take on empty bucket accepted, want rejected")
	}
	if retry != 1000 {
		t.Errorf("retryInMs = %d, want 1000", retry)
	}
}

func TestRetryHintCeils(t *testing.T) {
	b, _ := newTestBucket(10, 3) // 3 tokens/sec
	b.tokens = 0

	// Need 2 tokens at 3/sec: 666.67ms, ceil to 667.
	_, retry := b.Take(2)
	if retry != 667 {
		t.Errorf("retryInMs = %d, want 667", retry)
	}
}

func TestRefillCreditsElapsedTime(t *testing.T) {
	b, clk := newTestBucket(5, 2)
	b.tokens = 0

	clk.advance(1500 * time.Millisecond) // 3 tokens earned
	if got := b.Available(); got != 3 {
		t.Errorf("Available after 1.5s = %d, want 3", got)
	}

	clk.advance(10 * time.Second) // far past capacity
	if got := b.Available(); got != 5 {
		t.Errorf("Available after long idle = %d, want capacity 5", got)
	}
}

func TestRefillKeepsFractionalProgress(t *testing.T) {
	b, clk := newTestBucket(10, 1)
	b.tokens = 0

	// 700ms at 1/sec yields no whole token; the partial interval must
	// not be lost on the next refill.
	clk.advance(700 * time.Millisecond)
	if got := b.Available(); got != 0 {
		t.Fatalf("Available after 700ms = %d, want 0", got)
	}
	clk.advance(300 * time.Millisecond)
	if got := b.Available(); got != 1 {
		t.Errorf("Available after 1s total = %d, want 1", got)
	}
}

// TestAdmissionBound checks the limiter admits at most C + floor(R*T/1000)
// calls over any interval of length T.
func TestAdmissionBound(t *testing.T) {
	const capacity = 4
	const rate = 2.0
	b, clk := newTestBucket(capacity, rate)

	admitted := 0
	const intervalMs = 5000
	for i := 0; i < intervalMs; i += 100 {
		if ok, _ := b.Take(1); ok {
			admitted++
		}
		clk.advance(100 * time.Millisecond)
	}

	bound := capacity + int(rate*intervalMs/1000)
	if admitted > bound {
		t.Errorf("admitted %d calls over %dms, bound is %d", admitted, intervalMs, bound)
	}
	if admitted < bound-1 {
		t.Errorf("admitted %d calls, expected close to bound %d", admitted, bound)
	}
}

func TestClampedConstruction(t *testing.T) {
	b := NewBucket(0, -1)
	if b.capacity != 1 {
		t.Errorf("capacity clamped to %d, want 1", b.capacity)
	}
	if b.refillPerSec != 1 {
		t.Errorf("refillPerSec clamped to %v, want 1", b.refillPerSec)
	}
}

func TestRegistryReusesBuckets(t *testing.T) {
	r := NewRegistry(10, 5)
	a := r.Get("anthropic")
	if r.Get("anthropic") != a {
		t.Error("second Get returned a different bucket")
	}
	if r.Get("telegram") == a {
		t.Error("distinct services share a bucket")
	}

	custom := r.Set("telegram", 2, 0.5)
	if r.Get("telegram") != custom {
		t.Error("Set did not replace the defaulted bucket")
	}
}
