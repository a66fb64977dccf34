package gateway

import (
	"fmt"
	"testing"
	"time"
)

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(0)
	if rl.Enabled() {
		t.Fatal("rpm 0 should disable the limiter")
	}
	for i := 0; i < 100; i++ {
		if !rl.Allow("k") {
			t.Fatal("disabled limiter must always allow")
		}
	}
}

func TestRateLimiterEnforcesWindow(t *testing.T) {
	now := time.Now()
	rl := NewRateLimiter(3)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !rl.Allow("client") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if rl.Allow("client") {
		t.Fatal("4th request in window should be rejected")
	}

	// Other keys have their own budget.
	if !rl.Allow("other") {
		t.Fatal("separate key should be allowed")
	}

	// Window rolls over.
	now = now.Add(rateLimitWindow)
	if !rl.Allow("client") {
		t.Fatal("request after window should be allowed")
	}
}

func TestRateLimiterEvictsAtCap(t *testing.T) {
	now := time.Now()
	rl := NewRateLimiter(10)
	rl.now = func() time.Time { return now }

	for i := 0; i < maxTrackedKeys+10; i++ {
		rl.Allow(fmt.Sprintf("key-%d", i))
	}
	if len(rl.entries) > maxTrackedKeys {
		t.Fatalf("tracked keys %d exceeds cap %d", len(rl.entries), maxTrackedKeys)
	}
}
