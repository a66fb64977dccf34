// Package breaker implements the per-service circuit breaker that gates
// outbound calls. A breaker never cancels in-flight work; it only
// decides whether the next call may start.
package breaker

import (
	"log/slog"
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the breaker thresholds.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens a
	// closed breaker.
	FailureThreshold int
	// SuccessThreshold is the consecutive-success count that closes a
	// half-open breaker.
	SuccessThreshold int
	// RecoveryTimeout is how long an open breaker blocks before
	// admitting a single probe.
	RecoveryTimeout time.Duration
	// OnStateChange, when set, is called outside the breaker lock on
	// every transition.
	OnStateChange func(service string, from, to State)
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 3
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	return c
}

// Breaker is a three-state circuit breaker for one service.
type Breaker struct {
	service string
	cfg     Config

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
	probing   bool

	now func() time.Time
}

// New creates a closed breaker for the named service.
func New(service string, cfg Config) *Breaker {
	return &Breaker{
		service: service,
		cfg:     cfg.withDefaults(),
		state:   StateClosed,
		now:     time.Now,
	}
}

// CanExecute reports whether a call may start. While open it returns
// false until the recovery timeout elapses, then flips to half_open and
// returns true for exactly one probe per recovery boundary; further
// calls wait for the probe's outcome.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	var transition func()
	allowed := false

	switch b.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
			transition = b.setStateLocked(StateHalfOpen)
			b.probing = true
			allowed = true
		}
	case StateHalfOpen:
		if !b.probing {
			b.probing = true
			allowed = true
		}
	}
	b.mu.Unlock()

	if transition != nil {
		transition()
	}
	return allowed
}

// RecordSuccess notes a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	var transition func()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.probing = false
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			transition = b.setStateLocked(StateClosed)
		}
	}
	b.mu.Unlock()

	if transition != nil {
		transition()
	}
}

// RecordFailure notes a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	var transition func()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			transition = b.setStateLocked(StateOpen)
			b.openedAt = b.now()
		}
	case StateHalfOpen:
		b.probing = false
		transition = b.setStateLocked(StateOpen)
		b.openedAt = b.now()
	}
	b.mu.Unlock()

	if transition != nil {
		transition()
	}
}

// State returns the current position without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive-failure count. Diagnostic only.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// setStateLocked flips the state, resets counters for the new state,
// and returns the deferred OnStateChange call to run after unlock.
func (b *Breaker) setStateLocked(to State) func() {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to
	switch to {
	case StateClosed:
		b.failures = 0
		b.successes = 0
	case StateHalfOpen:
		b.successes = 0
	case StateOpen:
		b.failures = 0
		b.successes = 0
	}
	cb := b.cfg.OnStateChange
	if cb == nil {
		return func() {
			slog.Info("circuit breaker state change",
				"service", b.service, "from", from.String(), "to", to.String())
		}
	}
	service := b.service
	return func() { cb(service, from, to) }
}

// Registry owns one breaker per service id.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
}

// NewRegistry creates a registry whose breakers start from cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      cfg.withDefaults(),
	}
}

// Get returns the breaker for a service, creating it on first use.
func (r *Registry) Get(service string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[service]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[service]; ok {
		return b
	}
	b = New(service, r.cfg)
	r.breakers[service] = b
	return b
}

// States snapshots all breaker positions, for status reporting.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.breakers))
	for svc, b := range r.breakers {
		out[svc] = b.State()
	}
	return out
}
