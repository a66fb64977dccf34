package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/clawgate/internal/breaker"
	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/fault"
	"github.com/nextlevelbuilder/clawgate/internal/retry"
)

// maxPacedChats caps the per-chat limiter map so rotating chat ids
// cannot exhaust memory.
const maxPacedChats = 4096

// Manager owns the outbound side of every channel account: it consumes
// outbound messages from the bus, paces them per chat, and pushes them
// through the right adapter under the retry driver and breaker.
type Manager struct {
	mu       sync.RWMutex
	adapters map[string]Adapter

	breakers *breaker.Registry
	retry    *retry.Driver

	paceEvery time.Duration
	paceBurst int
	limitMu   sync.Mutex
	limiters  map[string]*rate.Limiter

	wg sync.WaitGroup
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Breakers *breaker.Registry
	Retry    retry.Config
	// PaceEvery is the minimum spacing between sends to one chat;
	// default 1s (chat APIs throttle per conversation).
	PaceEvery time.Duration
	// PaceBurst allows short bursts per chat; default 3.
	PaceBurst int
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.PaceEvery <= 0 {
		cfg.PaceEvery = time.Second
	}
	if cfg.PaceBurst <= 0 {
		cfg.PaceBurst = 3
	}
	return &Manager{
		adapters:  make(map[string]Adapter),
		breakers:  cfg.Breakers,
		retry:     retry.New(cfg.Retry),
		paceEvery: cfg.PaceEvery,
		paceBurst: cfg.PaceBurst,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Register adds an adapter under its name. Last registration wins.
func (m *Manager) Register(a Adapter) {
	m.mu.Lock()
	m.adapters[a.Name()] = a
	m.mu.Unlock()
}

// Get returns the named adapter.
func (m *Manager) Get(name string) (Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[name]
	return a, ok
}

// Names lists registered adapters.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.adapters))
	for n := range m.adapters {
		names = append(names, n)
	}
	return names
}

// ConsumeOutbound drains the bus outbound queue until ctx is done.
// Run it on its own goroutine; it blocks.
func (m *Manager) ConsumeOutbound(ctx context.Context, router bus.MessageRouter) {
	for {
		msg, ok := router.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		m.wg.Add(1)
		go func(msg bus.OutboundMessage) {
			defer m.wg.Done()
			if err := m.Deliver(ctx, msg); err != nil {
				slog.Error("outbound delivery failed",
					"channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
			}
		}(msg)
	}
}

// Wait blocks until in-flight deliveries finish. Used during drain.
func (m *Manager) Wait() { m.wg.Wait() }

// Deliver sends one outbound message: text first, then attachments in
// order. Pacing, the single rate-limit retry, the retry driver, and
// the breaker all apply per call.
func (m *Manager) Deliver(ctx context.Context, msg bus.OutboundMessage) error {
	adapter, ok := m.Get(msg.Channel)
	if !ok {
		return fault.Newf(fault.KindConfigInvalid, "no adapter for channel %q", msg.Channel)
	}

	if err := m.pace(ctx, msg.Channel+":"+msg.ChatID); err != nil {
		return err
	}

	opts := SendOpts{ThreadID: msg.ThreadID}
	if msg.Content != "" {
		if err := m.send(ctx, adapter, func(ctx context.Context) error {
			_, err := adapter.SendText(ctx, msg.ChatID, msg.Content, opts)
			return err
		}); err != nil {
			return fmt.Errorf("send text via %s: %w", msg.Channel, err)
		}
	}
	for _, media := range msg.Media {
		media := media
		if err := m.send(ctx, adapter, func(ctx context.Context) error {
			return adapter.SendMedia(ctx, msg.ChatID, media, opts)
		}); err != nil {
			return fmt.Errorf("send media via %s: %w", msg.Channel, err)
		}
	}
	return nil
}

// send runs one wire call: a 429 with a retry-after hint gets a single
// automatic retry bounded by the hint; anything after that goes
// through the retry driver, gated by the channel's breaker.
func (m *Manager) send(ctx context.Context, adapter Adapter, op func(ctx context.Context) error) error {
	var br *breaker.Breaker
	if m.breakers != nil {
		br = m.breakers.Get("channel:" + adapter.Name())
	}

	attempt := func(ctx context.Context) error {
		if br != nil && !br.CanExecute() {
			return fault.New(fault.KindTransientNetwork, "channel circuit open")
		}
		err := op(ctx)
		if err == nil {
			if br != nil {
				br.RecordSuccess()
			}
			return nil
		}
		classified := fault.Classify(err)
		if br != nil && fault.IsRetryable(classified) {
			br.RecordFailure()
		}
		return classified
	}

	err := attempt(ctx)
	if err == nil {
		return nil
	}
	if hint, ok := fault.RetryAfter(err); ok {
		// One automatic retry bounded by the server's hint.
		slog.Debug("rate limited, honoring retry-after",
			"channel", adapter.Name(), "wait_ms", hint.Milliseconds())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(hint):
		}
		if err = attempt(ctx); err == nil {
			return nil
		}
	}
	return m.retry.Do(ctx, "channel.send", attempt)
}

// pace blocks until the chat's limiter admits a send.
func (m *Manager) pace(ctx context.Context, key string) error {
	m.limitMu.Lock()
	lim, ok := m.limiters[key]
	if !ok {
		if len(m.limiters) >= maxPacedChats {
			for k := range m.limiters {
				delete(m.limiters, k)
				break
			}
		}
		lim = rate.NewLimiter(rate.Every(m.paceEvery), m.paceBurst)
		m.limiters[key] = lim
	}
	m.limitMu.Unlock()
	return lim.Wait(ctx)
}
