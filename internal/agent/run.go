package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/fault"
	"github.com/nextlevelbuilder/clawgate/internal/store"
)

// RunStatus is the lifecycle state of one agent run.
type RunStatus string

const (
	StatusStarting        RunStatus = "starting"
	StatusRunning         RunStatus = "running"
	StatusWaitingForInput RunStatus = "waiting_for_input"
	StatusIdle            RunStatus = "idle"
	StatusBlocked         RunStatus = "blocked"
	StatusCompleted       RunStatus = "completed"
	StatusCancelled       RunStatus = "cancelled"
	StatusFailed          RunStatus = "failed"
)

// Terminal reports whether the run has finished for good.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusBlocked, StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// maxRecentActions bounds the action ring kept per run.
const maxRecentActions = 10

// RunSnapshot is a point-in-time copy of a run's state, safe to hand to
// observers and status endpoints.
type RunSnapshot struct {
	RunID         string             `json:"runId"`
	SessionKey    string             `json:"sessionKey"`
	Status        RunStatus          `json:"status"`
	Phase         fault.Phase        `json:"phase,omitempty"`
	Model         string             `json:"model,omitempty"`
	Provider      string             `json:"provider,omitempty"`
	StartedAt     time.Time          `json:"startedAt"`
	EventCount    int                `json:"eventCount"`
	RecentActions []string           `json:"recentActions,omitempty"`
	Question      string             `json:"question,omitempty"`
	Blocker       *store.BlockerInfo `json:"blocker,omitempty"`
}

// RunObserver receives run progress callbacks. Implementations must be
// fast and must not call back into the run.
type RunObserver interface {
	OnStateChange(snap RunSnapshot)
	OnToolResult(snap RunSnapshot, tool string, isError bool)
	OnBlocker(snap RunSnapshot, blocker store.BlockerInfo)
	OnQuestion(snap RunSnapshot, question string)
}

// NopObserver discards all callbacks.
type NopObserver struct{}

func (NopObserver) OnStateChange(RunSnapshot)                {}
func (NopObserver) OnToolResult(RunSnapshot, string, bool)   {}
func (NopObserver) OnBlocker(RunSnapshot, store.BlockerInfo) {}
func (NopObserver) OnQuestion(RunSnapshot, string)           {}

// RunState tracks one in-flight run. The scheduler creates it, the
// coordinator drives it, and status endpoints read snapshots of it.
type RunState struct {
	mu            sync.Mutex
	runID         string
	sessionKey    string
	status        RunStatus
	phase         fault.Phase
	model         string
	provider      string
	startedAt     time.Time
	eventCount    int
	recentActions []string
	question      string
	blocker       *store.BlockerInfo
	steered       []string
	steerWake     chan struct{}
	cancelled     bool
	cancelFn      context.CancelFunc
	observer      RunObserver
}

// NewRun creates a run in the starting state. A nil observer is
// replaced with NopObserver.
func NewRun(runID, sessionKey string, obs RunObserver) *RunState {
	if obs == nil {
		obs = NopObserver{}
	}
	return &RunState{
		runID:      runID,
		sessionKey: sessionKey,
		status:     StatusStarting,
		startedAt:  time.Now().UTC(),
		steerWake:  make(chan struct{}, 1),
		observer:   obs,
	}
}

func (r *RunState) RunID() string      { return r.runID }
func (r *RunState) SessionKey() string { return r.sessionKey }

// Snapshot returns a copy of the current state.
func (r *RunState) Snapshot() RunSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *RunState) snapshotLocked() RunSnapshot {
	snap := RunSnapshot{
		RunID:      r.runID,
		SessionKey: r.sessionKey,
		Status:     r.status,
		Phase:      r.phase,
		Model:      r.model,
		Provider:   r.provider,
		StartedAt:  r.startedAt,
		EventCount: r.eventCount,
		Question:   r.question,
	}
	snap.RecentActions = append([]string(nil), r.recentActions...)
	if r.blocker != nil {
		bi := *r.blocker
		snap.Blocker = &bi
	}
	return snap
}

// Status returns the current lifecycle state.
func (r *RunState) Status() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// setStatus transitions the run and notifies the observer. Transitions
// out of a terminal state are ignored, so a cancel racing a completion
// keeps whichever terminal state landed first.
func (r *RunState) setStatus(st RunStatus) {
	r.mu.Lock()
	if r.status == st || r.status.Terminal() {
		r.mu.Unlock()
		return
	}
	r.status = st
	snap := r.snapshotLocked()
	obs := r.observer
	r.mu.Unlock()
	obs.OnStateChange(snap)
}

// Phase returns the most recent coordinator phase. It is not cleared
// between phases, so a deadline firing at a boundary is attributed to
// the phase just left.
func (r *RunState) Phase() fault.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

func (r *RunState) setPhase(p fault.Phase) {
	r.mu.Lock()
	r.phase = p
	r.mu.Unlock()
}

func (r *RunState) setModel(provider, model string) {
	r.mu.Lock()
	r.provider = provider
	r.model = model
	r.mu.Unlock()
}

func (r *RunState) bumpEvents() {
	r.mu.Lock()
	r.eventCount++
	r.mu.Unlock()
}

// EventCount returns the number of stream events observed so far.
func (r *RunState) EventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.eventCount
}

func (r *RunState) noteAction(tool string) {
	r.mu.Lock()
	r.recentActions = append(r.recentActions, tool)
	if len(r.recentActions) > maxRecentActions {
		r.recentActions = r.recentActions[len(r.recentActions)-maxRecentActions:]
	}
	r.mu.Unlock()
}

func (r *RunState) notifyToolResult(tool string, isError bool) {
	r.mu.Lock()
	snap := r.snapshotLocked()
	obs := r.observer
	r.mu.Unlock()
	obs.OnToolResult(snap, tool, isError)
}

// Steer injects text into the in-flight run as a pending user turn.
// Returns false when the run already finished, in which case the caller
// should enqueue instead.
func (r *RunState) Steer(text string) bool {
	r.mu.Lock()
	if r.status.Terminal() {
		r.mu.Unlock()
		return false
	}
	r.steered = append(r.steered, text)
	r.mu.Unlock()

	select {
	case r.steerWake <- struct{}{}:
	default:
	}
	return true
}

// DrainSteered removes and returns all pending steered turns. The
// coordinator drains at the top of each iteration; the scheduler drains
// once more after the run ends so text steered into a finishing run is
// requeued rather than lost.
func (r *RunState) DrainSteered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.steered
	r.steered = nil
	return out
}

// popSteered removes the oldest pending steered turn.
func (r *RunState) popSteered() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.steered) == 0 {
		return "", false
	}
	text := r.steered[0]
	r.steered = r.steered[1:]
	return text, true
}

// BindCancel attaches the run context's cancel function so Cancel can
// trip it. Called once by the scheduler when the run context is made.
func (r *RunState) BindCancel(fn context.CancelFunc) {
	r.mu.Lock()
	r.cancelFn = fn
	r.mu.Unlock()
}

// Cancel requests cooperative cancellation. The coordinator observes it
// at its suspension points.
func (r *RunState) Cancel() {
	r.mu.Lock()
	r.cancelled = true
	fn := r.cancelFn
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Cancelled reports whether cancellation was requested.
func (r *RunState) Cancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// MarkFailed transitions the run to failed. The scheduler calls it when
// the coordinator surfaces an error it will not retry.
func (r *RunState) MarkFailed() {
	r.setStatus(StatusFailed)
}

// setBlocker records blocker info and notifies the observer. The status
// transition to blocked happens separately at run teardown.
func (r *RunState) setBlocker(bi store.BlockerInfo) {
	r.mu.Lock()
	cp := bi
	r.blocker = &cp
	snap := r.snapshotLocked()
	obs := r.observer
	r.mu.Unlock()
	obs.OnBlocker(snap, bi)
}

// Blocker returns the recorded blocker info, if any.
func (r *RunState) Blocker() *store.BlockerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.blocker == nil {
		return nil
	}
	bi := *r.blocker
	return &bi
}

// AskUser implements tools.RunControl: it parks the run in
// waiting_for_input and blocks until the next steered turn arrives as
// the answer, or ctx is cancelled.
func (r *RunState) AskUser(ctx context.Context, question string) (string, error) {
	r.mu.Lock()
	r.question = question
	snap := r.snapshotLocked()
	obs := r.observer
	r.mu.Unlock()
	obs.OnQuestion(snap, question)

	r.setStatus(StatusWaitingForInput)
	defer func() {
		r.mu.Lock()
		r.question = ""
		r.mu.Unlock()
		r.setStatus(StatusRunning)
	}()

	for {
		if answer, ok := r.popSteered(); ok {
			return answer, nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("waiting for user input: %w", ctx.Err())
		case <-r.steerWake:
		}
	}
}
