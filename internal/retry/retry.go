// Package retry implements the bounded exponential-backoff driver used
// by every outbound integration. Rate-limit hints from the error chain
// override the computed delay for the next attempt.
package retry

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/fault"
)

// Config holds the retry policy.
type Config struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// MinDelay is the backoff before the first retry; subsequent
	// retries double it up to MaxDelay.
	MinDelay time.Duration
	MaxDelay time.Duration
	// Jitter spreads each delay by ±Jitter (0.2 = ±20%).
	Jitter float64
	// RetryIf decides whether an error is worth another attempt.
	// Nil means fault.IsRetryable over the classified error.
	RetryIf func(error) bool
}

// DefaultConfig returns the standard policy: 3 attempts, 500ms..30s, ±20%.
func DefaultConfig() Config {
	return Config{
		Attempts: 3,
		MinDelay: 500 * time.Millisecond,
		MaxDelay: 30 * time.Second,
		Jitter:   0.2,
	}
}

func (c Config) withDefaults() Config {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.MinDelay <= 0 {
		c.MinDelay = 500 * time.Millisecond
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = 30 * time.Second
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = 0.2
	}
	if c.RetryIf == nil {
		c.RetryIf = func(err error) bool {
			return fault.IsRetryable(fault.Classify(err))
		}
	}
	return c
}

// Driver runs operations under a retry policy.
type Driver struct {
	cfg Config

	sleep func(ctx context.Context, d time.Duration) error
	randf func() float64
}

// New creates a driver from cfg, filling defaults.
func New(cfg Config) *Driver {
	return &Driver{
		cfg:   cfg.withDefaults(),
		sleep: sleepCtx,
		randf: rand.Float64,
	}
}

// Do runs op until it succeeds, exhausts the attempt budget, returns a
// non-retryable error, or ctx is cancelled. The last error is returned
// on exhaustion.
func (d *Driver) Do(ctx context.Context, label string, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= d.cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !d.cfg.RetryIf(lastErr) {
			return lastErr
		}
		if attempt == d.cfg.Attempts {
			break
		}

		delay := d.delayFor(attempt, lastErr)
		slog.Debug("retrying after error",
			"op", label, "attempt", attempt, "delay_ms", delay.Milliseconds(), "err", lastErr)
		if err := d.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

// delayFor computes the backoff before the next attempt. attempt is the
// 1-based index of the try that just failed.
func (d *Driver) delayFor(attempt int, err error) time.Duration {
	if hint, ok := fault.RetryAfter(err); ok {
		return hint
	}

	delay := d.cfg.MinDelay << (attempt - 1)
	if delay > d.cfg.MaxDelay || delay <= 0 {
		delay = d.cfg.MaxDelay
	}
	if d.cfg.Jitter > 0 {
		factor := 1 + d.cfg.Jitter*(2*d.randf()-1)
		delay = time.Duration(float64(delay) * factor)
	}
	if delay < 0 {
		delay = d.cfg.MinDelay
	}
	return delay
}

// Do is a convenience over a one-shot driver.
func Do(ctx context.Context, cfg Config, label string, op func(ctx context.Context) error) error {
	return New(cfg).Do(ctx, label, op)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
