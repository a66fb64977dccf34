package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKindOfWalksWrappedChain(t *testing.T) {
	inner := RateLimited(1500, "provider throttled")
	wrapped := fmt.Errorf("send message: %w", inner)

	if got := KindOf(wrapped); got != KindRateLimited {
		t.Errorf("KindOf = %v, want %v", got, KindRateLimited)
	}
	if got := KindOf(errors.New("plain")); got != KindUnknown {
		t.Errorf("KindOf(plain) = %v, want %v", got, KindUnknown)
	}
}

func TestRetryAfterHint(t *testing.T) {
	err := fmt.Errorf("outbound: %w", RateLimited(2000, ""))
	d, ok := RetryAfter(err)
	if !ok || d != 2*time.Second {
		t.Errorf("RetryAfter = %v, %v; want 2s, true", d, ok)
	}
	if _, ok := RetryAfter(New(KindFatal, "boom")); ok {
		t.Error("RetryAfter on fatal error should report no hint")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transient network", New(KindTransientNetwork, "reset"), true},
		{"rate limited", RateLimited(0, ""), true},
		{"model call timeout", Timeout(PhaseModelCall, ""), true},
		{"tool timeout", Timeout(PhaseToolExecution, ""), false},
		{"compaction timeout", Timeout(PhaseCompaction, ""), false},
		{"role ordering", New(KindRoleOrderingConflict, ""), false},
		{"fatal", New(KindFatal, ""), false},
		{"unclassified", errors.New("whatever"), false},
		{"wrapped retryable", fmt.Errorf("ctx: %w", New(KindTransientNetwork, "")), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifyStrings(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"429 text", errors.New("HTTP 429 Too Many Requests"), KindRateLimited},
		{"quota", errors.New("quota exceeded for model"), KindRateLimited},
		{"resource exhausted", errors.New("rpc error: resource exhausted"), KindRateLimited},
		{"conn reset", errors.New("read tcp: connection reset by peer"), KindTransientNetwork},
		{"503", errors.New("upstream returned 503"), KindTransientNetwork},
		{"auth", errors.New("invalid api key provided"), KindUnauthorized},
		{"soft logout", errors.New("M_UNKNOWN_TOKEN: soft logout"), KindUnauthorized},
		{"opaque", errors.New("something odd"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err).Kind; got != tt.want {
				t.Errorf("Classify(%q).Kind = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassifyPassesThroughTyped(t *testing.T) {
	orig := Timeout(PhaseCompaction, "summarize")
	got := Classify(fmt.Errorf("run: %w", orig))
	if got.Kind != KindTimeout || got.Phase != PhaseCompaction {
		t.Errorf("Classify kept kind=%v phase=%q, want timeout/compaction", got.Kind, got.Phase)
	}
}

func TestClassifyContextDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	got := Classify(ctx.Err())
	if got.Kind != KindTimeout || got.Phase != PhaseModelCall {
		t.Errorf("Classify(deadline) = %v/%q, want timeout/model_call", got.Kind, got.Phase)
	}
}

func TestClassifyHTTP(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{429, KindRateLimited},
		{401, KindUnauthorized},
		{403, KindPermissionDenied},
		{500, KindTransientNetwork},
		{503, KindTransientNetwork},
		{400, KindFatal},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			got := ClassifyHTTP(tt.status, 0, errors.New("x"))
			if got.Kind != tt.want {
				t.Errorf("ClassifyHTTP(%d).Kind = %v, want %v", tt.status, got.Kind, tt.want)
			}
		})
	}

	if e := ClassifyHTTP(429, 2500, nil); e.RetryAfterMs != 2500 {
		t.Errorf("RetryAfterMs = %d, want 2500", e.RetryAfterMs)
	}
}
