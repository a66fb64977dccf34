package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/fault"
)

// newTestDriver returns a driver whose sleeps record instead of block
// and whose jitter roll is pinned to the midpoint.
func newTestDriver(cfg Config) (*Driver, *[]time.Duration) {
	var slept []time.Duration
	d := New(cfg)
	d.sleep = func(ctx context.Context, dur time.Duration) error {
		slept = append(slept, dur)
		return nil
	}
	d.randf = func() float64 { return 0.5 }
	return d, &slept
}

func TestSucceedsFirstTry(t *testing.T) {
	d, slept := newTestDriver(DefaultConfig())
	calls := 0
	err := d.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil || calls != 1 || len(*slept) != 0 {
		t.Errorf("err=%v calls=%d sleeps=%d, want nil/1/0", err, calls, len(*slept))
	}
}

func TestExponentialBackoffSequence(t *testing.T) {
	d, slept := newTestDriver(Config{
		Attempts: 4,
		MinDelay: 100 * time.Millisecond,
		MaxDelay: 10 * time.Second,
		Jitter:   0, // deterministic
	})

	calls := 0
	err := d.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return fault.New(fault.KindTransientNetwork, "reset")
	})
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	if len(*slept) != len(want) {
		t.Fatalf("sleeps = %v, want %v", *slept, want)
	}
	for i, w := range want {
		if (*slept)[i] != w {
			t.Errorf("sleep %d = %v, want %v", i, (*slept)[i], w)
		}
	}
}

func TestDelayClampedToMax(t *testing.T) {
	d, slept := newTestDriver(Config{
		Attempts: 6,
		MinDelay: time.Second,
		MaxDelay: 3 * time.Second,
		Jitter:   0,
	})
	_ = d.Do(context.Background(), "op", func(ctx context.Context) error {
		return fault.New(fault.KindTransientNetwork, "x")
	})
	for i, s := range *slept {
		if s > 3*time.Second {
			t.Errorf("sleep %d = %v exceeds max 3s", i, s)
		}
	}
}

func TestRetryAfterHintOverridesBackoff(t *testing.T) {
	d, slept := newTestDriver(Config{
		Attempts: 3,
		MinDelay: 100 * time.Millisecond,
		MaxDelay: 10 * time.Second,
		Jitter:   0,
	})
	_ = d.Do(context.Background(), "op", func(ctx context.Context) error {
		return fault.RateLimited(2000, "throttled")
	})
	if len(*slept) != 2 {
		t.Fatalf("sleeps = %d, want 2", len(*slept))
	}
	for i, s := range *slept {
		if s != 2*time.Second {
			t.Errorf("sleep %d = %v, want 2s from Retry-After", i, s)
		}
	}
}

func TestNonRetryableStopsImmediately(t *testing.T) {
	d, slept := newTestDriver(DefaultConfig())
	calls := 0
	err := d.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return fault.New(fault.KindConfigInvalid, "bad config")
	})
	if calls != 1 || len(*slept) != 0 {
		t.Errorf("calls=%d sleeps=%d, want 1/0", calls, len(*slept))
	}
	if fault.KindOf(err) != fault.KindConfigInvalid {
		t.Errorf("error kind = %v, want config_invalid", fault.KindOf(err))
	}
}

func TestContextCancelDuringSleep(t *testing.T) {
	d := New(Config{Attempts: 3, MinDelay: 50 * time.Millisecond, MaxDelay: time.Second, Jitter: 0})
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Do(ctx, "op", func(ctx context.Context) error {
			calls++
			if calls == 1 {
				cancel()
			}
			return fault.New(fault.KindTransientNetwork, "x")
		})
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestJitterSpreadsDelay(t *testing.T) {
	d, slept := newTestDriver(Config{
		Attempts: 2,
		MinDelay: time.Second,
		MaxDelay: 10 * time.Second,
		Jitter:   0.2,
	})
	d.randf = func() float64 { return 1.0 } // top of the jitter range
	_ = d.Do(context.Background(), "op", func(ctx context.Context) error {
		return fault.New(fault.KindTransientNetwork, "x")
	})
	if len(*slept) != 1 {
		t.Fatalf("sleeps = %d, want 1", len(*slept))
	}
	want := 1200 * time.Millisecond
	if (*slept)[0] != want {
		t.Errorf("jittered delay = %v, want %v", (*slept)[0], want)
	}
}

func TestStringPredicatesCoverRawProviderErrors(t *testing.T) {
	d, _ := newTestDriver(Config{Attempts: 2, MinDelay: time.Millisecond, MaxDelay: time.Second})
	calls := 0
	_ = d.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return errors.New("429 too many requests")
	})
	if calls != 2 {
		t.Errorf("calls = %d, want 2: raw throttle strings must be retryable", calls)
	}
}
