package breaker

import (
	"testing"
	"time"
)

func newTestBreaker(cfg Config) (*Breaker, *time.Time) {
	start := time.Unix(1700000000, 0)
	now := start
	b := New("llm", cfg)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestOpensAfterFailureThreshold(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 5})

	for i := 0; i < 4; i++ {
		b.RecordFailure()
		if b.State() != StateClosed {
			t.Fatalf("opened after %d failures, want threshold 5", i+1)
		}
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state after 5 failures = %v, want open", b.State())
	}
	if b.CanExecute() {
		t.Error("CanExecute true immediately after opening")
	}
}

func TestSuccessClearsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(DefaultConfig())

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if b.State() != StateClosed {
		t.Error("success did not reset the consecutive-failure count")
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Error("breaker did not open after 5 post-reset failures")
	}
}

func TestRecoveryAdmitsSingleProbe(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 2, RecoveryTimeout: 30 * time.Second})

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatal("breaker not open")
	}

	*now = now.Add(29 * time.Second)
	if b.CanExecute() {
		t.Fatal("CanExecute true before recovery timeout")
	}

	*now = now.Add(2 * time.Second)
	if !b.CanExecute() {
		t.Fatal("CanExecute false after recovery timeout")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half_open", b.State())
	}
	// Second caller must wait for the probe outcome.
	if b.CanExecute() {
		t.Error("second probe admitted before first resolved")
	}

	b.RecordSuccess()
	if !b.CanExecute() {
		t.Error("next probe rejected after first succeeded")
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Errorf("state after success threshold = %v, want closed", b.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 3, RecoveryTimeout: 10 * time.Second})

	b.RecordFailure()
	*now = now.Add(11 * time.Second)
	if !b.CanExecute() {
		t.Fatal("probe not admitted")
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state after probe failure = %v, want open", b.State())
	}

	// openedAt was restamped: the previous boundary no longer admits.
	*now = now.Add(9 * time.Second)
	if b.CanExecute() {
		t.Error("CanExecute true before the new recovery boundary")
	}
	*now = now.Add(2 * time.Second)
	if !b.CanExecute() {
		t.Error("CanExecute false after the new recovery boundary")
	}
}

func TestOnStateChangeHook(t *testing.T) {
	type change struct{ from, to State }
	var seen []change
	cfg := Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		RecoveryTimeout:  time.Second,
		OnStateChange: func(service string, from, to State) {
			if service != "llm" {
				t.Errorf("service = %q, want llm", service)
			}
			seen = append(seen, change{from, to})
		},
	}
	b, now := newTestBreaker(cfg)

	b.RecordFailure()
	*now = now.Add(2 * time.Second)
	b.CanExecute()
	b.RecordSuccess()

	want := []change{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}
	if len(seen) != len(want) {
		t.Fatalf("saw %d transitions, want %d", len(seen), len(want))
	}
	for i, w := range want {
		if seen[i] != w {
			t.Errorf("transition %d = %v→%v, want %v→%v", i, seen[i].from, seen[i].to, w.from, w.to)
		}
	}
}

func TestRegistrySharesPerService(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	a := r.Get("anthropic")
	if r.Get("anthropic") != a {
		t.Error("same service returned distinct breakers")
	}
	if r.Get("telegram") == a {
		t.Error("distinct services share one breaker")
	}

	a.RecordFailure()
	states := r.States()
	if states["anthropic"] != StateClosed || states["telegram"] != StateClosed {
		t.Errorf("States() = %v, want both closed", states)
	}
}
