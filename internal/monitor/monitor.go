// Package monitor runs the inbound sync loop for one channel account:
// poll, decrypt, normalize, access-check, then dispatch in strict
// per-room order. Progress (sync cursor + dedup window) is persisted
// atomically so a restart never double-delivers.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/fault"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
	"github.com/nextlevelbuilder/clawgate/internal/store"
)

// State is the monitor lifecycle state.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateDraining State = "draining"
	StateStopped  State = "stopped"
)

const (
	defaultPollTimeout   = 30 * time.Second
	defaultDedupCapacity = 1000
	// pollErrorBackoff spaces retries after a failed poll.
	pollErrorBackoff = 2 * time.Second
	// reauthBackoff spaces re-authentication attempts after soft logout.
	reauthBackoff = 30 * time.Second
)

// cursorSetter is the optional adapter capability to resume from a
// persisted cursor.
type cursorSetter interface {
	SetCursor(cursor string)
}

// Config wires one monitor account.
type Config struct {
	AccountID string
	AgentID   string
	Adapter   channels.Adapter
	States    store.MonitorStateStore
	Policy    channels.AccessPolicy
	Dispatch  DispatchFunc

	// Pre consumes pre-timeline blobs before any event dispatch.
	Pre PreProcessor
	// Crypto decrypts encrypted events. Nil drops them.
	Crypto Decryptor
	// Names resolves display names from the channel profile API.
	Names NameResolver
	// Pending buffers unaddressed group messages as run context.
	Pending *channels.PendingHistory

	PollTimeout    time.Duration
	DedupCapacity  int
	UTDCapacity    int
	UTDRetryWindow time.Duration
	UTDExpiry      time.Duration
	RoomIdle       time.Duration

	Now func() time.Time
}

// Monitor is the sync loop for one channel account.
type Monitor struct {
	cfg Config

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	group  *errgroup.Group
	resume chan struct{}

	dedup *dedupSet
	utd   *utdQueue
	names *nameCache
	rooms *roomDispatcher
}

func New(cfg Config) *Monitor {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Monitor{
		cfg:   cfg,
		state: StateIdle,
		names: newNameCache(cfg.Names),
		utd:   newUTDQueue(cfg.UTDCapacity, cfg.UTDRetryWindow, cfg.UTDExpiry, cfg.Now),
		rooms: newRoomDispatcher(cfg.Dispatch, cfg.RoomIdle),
	}
}

// State returns the current lifecycle state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start restores persisted progress and launches the loop. A second
// start on a live monitor is a warned no-op; hot reload must not fork
// a duplicate loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateRunning, StatePaused:
		m.mu.Unlock()
		slog.Warn("monitor already running, ignoring start", "account", m.cfg.AccountID)
		return nil
	case StateDraining, StateStopped:
		m.mu.Unlock()
		return fault.Newf(fault.KindFatal, "monitor %s already stopped", m.cfg.AccountID)
	}

	seed, cursor := m.loadState()
	m.dedup = newDedupSet(m.cfg.DedupCapacity, seed)
	if cursor != "" {
		if cs, ok := m.cfg.Adapter.(cursorSetter); ok {
			cs.SetCursor(cursor)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, runCtx := errgroup.WithContext(runCtx)
	m.cancel = cancel
	m.group = g
	m.resume = make(chan struct{})
	close(m.resume)
	m.state = StateRunning
	m.mu.Unlock()

	if err := m.cfg.Adapter.Start(runCtx); err != nil {
		m.mu.Lock()
		m.state = StateStopped
		m.mu.Unlock()
		cancel()
		return err
	}

	g.Go(func() error {
		m.loop(runCtx)
		return nil
	})
	slog.Info("monitor started", "account", m.cfg.AccountID, "channel", m.cfg.Adapter.Name())
	return nil
}

func (m *Monitor) loadState() (dedup []string, cursor string) {
	if m.cfg.States == nil {
		return nil, ""
	}
	st, err := m.cfg.States.Load(m.cfg.AccountID)
	if err != nil {
		slog.Warn("monitor state load failed, starting fresh",
			"account", m.cfg.AccountID, "error", err)
		return nil, ""
	}
	if st == nil {
		return nil, ""
	}
	return st.Dedup, st.Cursor
}

func (m *Monitor) saveState(cursor string) {
	if m.cfg.States == nil {
		return
	}
	st := &store.MonitorState{
		Cursor:    cursor,
		Dedup:     m.dedup.Snapshot(),
		UpdatedAt: m.cfg.Now(),
	}
	if err := m.cfg.States.Save(m.cfg.AccountID, st); err != nil {
		slog.Error("monitor state save failed", "account", m.cfg.AccountID, "error", err)
	}
}

func (m *Monitor) loop(ctx context.Context) {
	for {
		if err := m.waitResumed(ctx); err != nil {
			return
		}

		pollCtx, cancel := context.WithTimeout(ctx, m.cfg.PollTimeout)
		batch, err := m.cfg.Adapter.Poll(pollCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue // empty long-poll window
			}
			if fault.KindOf(fault.Classify(err)) == fault.KindUnauthorized {
				m.softLogout(ctx)
				continue
			}
			slog.Error("monitor poll failed", "account", m.cfg.AccountID, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollErrorBackoff):
			}
			continue
		}

		m.processBatch(ctx, batch)
	}
}

func (m *Monitor) processBatch(ctx context.Context, batch channels.Batch) {
	// Pre-timeline state feeds the crypto component before any event
	// of the batch is touched.
	if m.cfg.Pre != nil && len(batch.PreState) > 0 {
		if err := m.cfg.Pre.Process(ctx, batch.PreState); err != nil {
			slog.Error("pre-state processing failed", "account", m.cfg.AccountID, "error", err)
		}
	}

	if batch.Cursor != "" {
		m.saveState(batch.Cursor)
	}

	changed := false
	for _, ev := range batch.Events {
		if m.handleEvent(ctx, ev) {
			changed = true
		}
	}
	m.retryUTD(ctx)

	if changed && batch.Cursor != "" {
		m.saveState(batch.Cursor)
	}
}

// handleEvent runs one event through the pipeline. Errors are isolated
// here; a bad event never aborts the batch. Reports whether the dedup
// window changed.
func (m *Monitor) handleEvent(ctx context.Context, ev channels.Event) (deduped bool) {
	if ev.EventID != "" {
		if !m.dedup.Add(ev.EventID) {
			slog.Debug("duplicate event skipped", "account", m.cfg.AccountID, "event_id", ev.EventID)
			return false
		}
		deduped = true
	}

	if ev.Encrypted {
		if m.cfg.Crypto == nil {
			return deduped
		}
		plain, err := m.cfg.Crypto.Decrypt(ctx, ev)
		if err != nil {
			if errors.Is(err, ErrUndecryptable) {
				m.utd.Push(ev)
			} else {
				slog.Error("decrypt failed", "account", m.cfg.AccountID,
					"event_id", ev.EventID, "error", err)
			}
			return deduped
		}
		ev = plain
	}

	m.dispatchEvent(ctx, ev)
	return deduped
}

// dispatchEvent is the post-decrypt half of the pipeline: normalize,
// access-check, key, enqueue.
func (m *Monitor) dispatchEvent(ctx context.Context, ev channels.Event) {
	if ev.IsOwnMessage || ev.Notice {
		return
	}

	ev.SenderName = m.names.Resolve(ctx, ev)
	ev.Body = stripReplyFallback(ev.Body)
	ev.Media = normalizeLocalMedia(ev.Media)
	if strings.TrimSpace(ev.Body) == "" && len(ev.Media) == 0 {
		return
	}

	if !m.cfg.Policy.Allows(ev) {
		slog.Debug("sender not allowed, dropping",
			"account", m.cfg.AccountID, "sender", ev.SenderID, "room", ev.RoomID)
		return
	}

	if ev.Group && !ev.Mentioned {
		if m.cfg.Pending != nil {
			m.cfg.Pending.Add(ev.RoomID, ev.SenderName, ev.Body)
		}
		return
	}
	if ev.Group && m.cfg.Pending != nil {
		if recent := m.cfg.Pending.Drain(ev.RoomID); recent != "" {
			ev.Body = recent + "\n\n" + ev.Body
		}
	}

	key := m.sessionKey(ev)
	if err := m.rooms.Enqueue(ctx, ev.RoomID, key, ev); err != nil {
		if ctx.Err() == nil {
			slog.Error("room enqueue failed", "account", m.cfg.AccountID,
				"room", ev.RoomID, "error", err)
		}
	}
}

func (m *Monitor) sessionKey(ev channels.Event) string {
	channel := ev.ChannelID
	if channel == "" {
		channel = m.cfg.Adapter.Name()
	}
	if ev.Group && ev.ThreadID != "" {
		if topic, err := strconv.Atoi(ev.ThreadID); err == nil {
			return sessions.BuildTopicKey(m.cfg.AgentID, channel, ev.RoomID, topic)
		}
	}
	scope := sessions.ScopeFromGroup(ev.Group)
	return sessions.BuildChannelKey(m.cfg.AgentID, scope, channel, ev.RoomID)
}

// retryUTD replays parked undecryptable events oldest-first. After the
// second failed retry the key backup is asked for the session keys.
func (m *Monitor) retryUTD(ctx context.Context) {
	if m.cfg.Crypto == nil || m.utd.Len() == 0 {
		return
	}
	for _, entry := range m.utd.Due() {
		plain, err := m.cfg.Crypto.Decrypt(ctx, entry.event)
		if err == nil {
			m.utd.Resolve(entry)
			m.dispatchEvent(ctx, plain)
			continue
		}
		if m.utd.MarkRetry(entry) {
			if berr := m.cfg.Crypto.RequestKeys(ctx, entry.event); berr != nil {
				slog.Warn("key backup request failed",
					"account", m.cfg.AccountID, "event_id", entry.event.EventID, "error", berr)
			}
		}
	}
}

// softLogout pauses the loop, re-authenticates through the adapter,
// and resumes. The crypto store stays untouched across the pause.
func (m *Monitor) softLogout(ctx context.Context) {
	slog.Warn("authentication lost, pausing monitor", "account", m.cfg.AccountID)
	m.Pause()
	defer m.Resume()
	for {
		if err := m.cfg.Adapter.Reauth(ctx); err == nil {
			slog.Info("re-authenticated", "account", m.cfg.AccountID)
			return
		} else if ctx.Err() != nil {
			return
		} else {
			slog.Error("re-authentication failed", "account", m.cfg.AccountID, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reauthBackoff):
		}
	}
}

// Pause suspends polling. No-op unless running.
func (m *Monitor) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning {
		return
	}
	m.state = StatePaused
	m.resume = make(chan struct{})
}

// Resume lifts a pause. No-op unless paused.
func (m *Monitor) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StatePaused {
		return
	}
	m.state = StateRunning
	close(m.resume)
}

func (m *Monitor) waitResumed(ctx context.Context) error {
	m.mu.Lock()
	ch := m.resume
	m.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

// Close drains and stops the monitor: no new batches, room queues run
// to completion, then crypto teardown. Idempotent.
func (m *Monitor) Close() error {
	m.mu.Lock()
	if m.state == StateStopped || m.state == StateDraining {
		m.mu.Unlock()
		return nil
	}
	prev := m.state
	m.state = StateDraining
	cancel := m.cancel
	group := m.group
	m.mu.Unlock()

	if prev == StateIdle {
		m.mu.Lock()
		m.state = StateStopped
		m.mu.Unlock()
		return nil
	}

	cancel()
	if group != nil {
		_ = group.Wait()
	}
	m.rooms.Close()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := m.cfg.Adapter.Stop(stopCtx); err != nil {
		slog.Warn("adapter stop failed", "account", m.cfg.AccountID, "error", err)
	}
	if m.cfg.Crypto != nil {
		if err := m.cfg.Crypto.Close(); err != nil {
			slog.Warn("crypto close failed", "account", m.cfg.AccountID, "error", err)
		}
	}

	m.mu.Lock()
	m.state = StateStopped
	m.mu.Unlock()
	slog.Info("monitor stopped", "account", m.cfg.AccountID)
	return nil
}

// normalizeLocalMedia downscales local image files in place and passes
// remote URLs through untouched.
func normalizeLocalMedia(paths []string) []string {
	if len(paths) == 0 {
		return paths
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if strings.Contains(p, "://") {
			out = append(out, p)
			continue
		}
		norm, err := channels.NormalizeImage(p)
		if err != nil {
			out = append(out, p)
			continue
		}
		out = append(out, norm)
	}
	return out
}
