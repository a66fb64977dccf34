// Package scheduler is the execution kernel: it serializes runs per
// session key, applies the session's queue mode to messages arriving
// mid-run, and coordinates retries, compaction, and session resets
// around the agent engine.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawgate/internal/agent"
	"github.com/nextlevelbuilder/clawgate/internal/breaker"
	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/fault"
	"github.com/nextlevelbuilder/clawgate/internal/providers"
	"github.com/nextlevelbuilder/clawgate/internal/retry"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
	"github.com/nextlevelbuilder/clawgate/internal/store"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// Runner drives one run to a terminal state and compacts transcripts.
// *agent.Engine is the production implementation.
type Runner interface {
	Execute(ctx context.Context, req agent.RunRequest, run *agent.RunState) (*agent.RunResult, error)
	Compact(ctx context.Context, sessionKey string) (int, error)
}

// Outcome is what Submit decided to do with a message.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted" // a new run was started
	OutcomeQueued   Outcome = "queued"   // appended behind the active run
	OutcomeSteered  Outcome = "steered"  // injected into the active run
	OutcomeDropped  Outcome = "dropped"  // discarded per queue mode or capacity
)

// Result is the terminal outcome of one submitted prompt.
type Result struct {
	SessionKey string
	RunID      string
	Outcome    Outcome
	Content    string
	Usage      *providers.Usage
	Err        error
}

// SubmitResult is the immediate answer to Submit. Done is non-nil for
// accepted and queued prompts and receives exactly one Result when the
// prompt's run reaches a terminal state.
type SubmitResult struct {
	Outcome Outcome
	Run     *agent.RunState
	Done    <-chan Result
}

// ScheduleOpts tunes one submission.
type ScheduleOpts struct {
	// MaxConcurrent tightens the lane ceiling for this run; 0 keeps
	// the lane default.
	MaxConcurrent int
	// Timeout overrides the wall-clock run timeout.
	Timeout time.Duration
	// Observer receives run progress callbacks.
	Observer agent.RunObserver
}

// SessionState is a snapshot for status endpoints.
type SessionState struct {
	SessionKey string             `json:"sessionKey"`
	Active     *agent.RunSnapshot `json:"active,omitempty"`
	Pending    int                `json:"pending"`
	Dropped    int                `json:"dropped"`
	QueueMode  store.QueueMode    `json:"queueMode"`
	SessionID  string             `json:"sessionId,omitempty"`
	Model      string             `json:"model,omitempty"`
}

// Config wires a Scheduler. Runner and Sessions are required.
type Config struct {
	Runner      Runner
	Sessions    store.SessionStore
	Transcripts store.TranscriptStore
	Events      bus.EventPublisher // optional lifecycle broadcast
	Breakers    *breaker.Registry  // optional; gates model-call retries
	Retry       retry.Config
	Lanes       []LaneConfig
	RunTimeout  time.Duration // default 10 min
	MaxPending  int           // per-session queue bound; default 64
}

// Scheduler owns all run ordering. One instance per process; every
// registry it needs is injected, nothing is global.
type Scheduler struct {
	cfg   Config
	retry *retry.Driver
	lanes map[string]*lane

	mu       sync.Mutex
	sessions map[string]*sessionState

	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// sessionState is the per-key queue. Guarded by Scheduler.mu.
type sessionState struct {
	active     *agent.RunState
	pending    []pendingPrompt
	dropped    int
	compacting bool
}

type pendingPrompt struct {
	req  agent.RunRequest
	opts ScheduleOpts
	out  chan Result
}

// NewScheduler builds a scheduler. Close releases its workers.
func NewScheduler(cfg Config) *Scheduler {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 10 * time.Minute
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 64
	}
	laneCfgs := cfg.Lanes
	if len(laneCfgs) == 0 {
		laneCfgs = DefaultLanes()
	}
	lanes := make(map[string]*lane, len(laneCfgs))
	for _, lc := range laneCfgs {
		lanes[lc.Name] = newLane(lc)
	}
	root, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:      cfg,
		retry:    retry.New(cfg.Retry),
		lanes:    lanes,
		sessions: make(map[string]*sessionState),
		root:     root,
		cancel:   cancel,
	}
}

// Submit hands one message to the session's queue. It never blocks
// beyond map bookkeeping: run execution happens on a spawned worker.
func (s *Scheduler) Submit(ctx context.Context, laneName string, req agent.RunRequest, opts ScheduleOpts) SubmitResult {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	ln, ok := s.lanes[laneName]
	if !ok {
		ln = s.lanes[LaneMain]
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		out := make(chan Result, 1)
		out <- Result{SessionKey: req.SessionKey, Outcome: OutcomeDropped, Err: fault.New(fault.KindFatal, "scheduler closed")}
		return SubmitResult{Outcome: OutcomeDropped, Done: out}
	}
	st := s.sessions[req.SessionKey]
	if st == nil {
		st = &sessionState{}
		s.sessions[req.SessionKey] = st
	}

	steerTried := false
	for st.active != nil {
		mode := s.queueMode(req.SessionKey)
		if mode == store.QueueDrop {
			st.dropped++
			dropped := st.dropped
			s.mu.Unlock()
			slog.Info("message dropped by queue mode",
				"session_key", req.SessionKey, "dropped_total", dropped)
			return SubmitResult{Outcome: OutcomeDropped}
		}

		if mode == store.QueueSteer && !st.compacting && !steerTried {
			steerTried = true
			run := st.active
			s.mu.Unlock()
			if run.Steer(req.Message) {
				s.broadcast(protocol.EventAgent, map[string]any{
					"type":        protocol.AgentEventSteered,
					"session_key": req.SessionKey,
					"run_id":      run.RunID(),
				})
				s.touch(req.SessionKey)
				return SubmitResult{Outcome: OutcomeSteered, Run: run}
			}
			// The run finished under us; re-evaluate. Its worker may
			// still be around to drain the queue, or already gone.
			s.mu.Lock()
			continue
		}

		// enqueue (also steer during compaction). The worker drains
		// the queue under this lock before exiting, so a prompt added
		// while active is set is never stranded.
		if len(st.pending) >= s.cfg.MaxPending {
			st.dropped++
			s.mu.Unlock()
			slog.Warn("session queue full, dropping message",
				"session_key", req.SessionKey, "capacity", s.cfg.MaxPending)
			return SubmitResult{Outcome: OutcomeDropped}
		}
		out := make(chan Result, 1)
		st.pending = append(st.pending, pendingPrompt{req: req, opts: opts, out: out})
		s.mu.Unlock()
		return SubmitResult{Outcome: OutcomeQueued, Done: out}
	}

	run := agent.NewRun(req.RunID, req.SessionKey, opts.Observer)
	st.active = run
	out := make(chan Result, 1)
	s.wg.Add(1)
	s.mu.Unlock()

	go s.worker(ln, req, opts, run, out)
	return SubmitResult{Outcome: OutcomeAccepted, Run: run, Done: out}
}

// Schedule is the channel-style convenience over Submit: the returned
// channel yields exactly one Result for every outcome, including
// steered and dropped.
func (s *Scheduler) Schedule(ctx context.Context, laneName string, req agent.RunRequest) <-chan Result {
	return s.ScheduleWithOpts(ctx, laneName, req, ScheduleOpts{})
}

// ScheduleWithOpts is Schedule with per-call options.
func (s *Scheduler) ScheduleWithOpts(ctx context.Context, laneName string, req agent.RunRequest, opts ScheduleOpts) <-chan Result {
	res := s.Submit(ctx, laneName, req, opts)
	if res.Done != nil {
		return res.Done
	}
	out := make(chan Result, 1)
	out <- Result{SessionKey: req.SessionKey, Outcome: res.Outcome}
	return out
}

// Cancel requests cooperative cancellation of the session's active run.
// Returns false when nothing is running.
func (s *Scheduler) Cancel(sessionKey string) bool {
	s.mu.Lock()
	st := s.sessions[sessionKey]
	var run *agent.RunState
	if st != nil {
		run = st.active
	}
	s.mu.Unlock()
	if run == nil {
		return false
	}
	run.Cancel()
	return true
}

// Status snapshots one session's queue.
func (s *Scheduler) Status(sessionKey string) SessionState {
	s.mu.Lock()
	st := s.sessions[sessionKey]
	state := SessionState{SessionKey: sessionKey, QueueMode: s.queueModeLocked(sessionKey)}
	if st != nil {
		if st.active != nil {
			snap := st.active.Snapshot()
			state.Active = &snap
		}
		state.Pending = len(st.pending)
		state.Dropped = st.dropped
	}
	s.mu.Unlock()

	if entry, ok := s.cfg.Sessions.Get(sessionKey); ok {
		state.SessionID = entry.SessionID
		state.Model = entry.Model
	}
	return state
}

// ActiveRuns snapshots every in-flight run.
func (s *Scheduler) ActiveRuns() []agent.RunSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []agent.RunSnapshot
	for _, st := range s.sessions {
		if st.active != nil {
			out = append(out, st.active.Snapshot())
		}
	}
	return out
}

// SetQueueMode persists the queue mode for a session key.
func (s *Scheduler) SetQueueMode(sessionKey string, mode store.QueueMode) error {
	switch mode {
	case store.QueueEnqueue, store.QueueSteer, store.QueueDrop:
	default:
		return fault.Newf(fault.KindConfigInvalid, "unknown queue mode %q", mode)
	}
	_, err := s.cfg.Sessions.Upsert(sessionKey, func(e *store.SessionEntry) {
		e.QueueMode = mode
	})
	return err
}

// Close stops accepting work and waits for in-flight runs to finish
// their teardown. Idempotent.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// worker owns one session's run slot: it executes the accepted prompt,
// then keeps draining the pending queue until the session goes idle.
func (s *Scheduler) worker(ln *lane, req agent.RunRequest, opts ScheduleOpts, run *agent.RunState, out chan Result) {
	defer s.wg.Done()

	for {
		s.runOne(ln, req, opts, run, out)

		s.mu.Lock()
		st := s.sessions[req.SessionKey]

		// Text steered into the finishing run is requeued at the head
		// of the queue, oldest first, rather than lost.
		if drained := run.DrainSteered(); len(drained) > 0 {
			requeued := make([]pendingPrompt, 0, len(drained))
			for _, text := range drained {
				if len(st.pending)+len(requeued) >= s.cfg.MaxPending {
					break
				}
				next := req
				next.Message = text
				next.RunID = uuid.NewString()
				requeued = append(requeued, pendingPrompt{req: next, opts: opts, out: make(chan Result, 1)})
			}
			st.pending = append(requeued, st.pending...)
		}

		if s.closed {
			// Every queued prompt was promised exactly one Result on
			// its Done channel; deliver the drop before abandoning it.
			for _, p := range st.pending {
				p.out <- Result{
					SessionKey: p.req.SessionKey,
					RunID:      p.req.RunID,
					Outcome:    OutcomeDropped,
					Err:        fault.New(fault.KindFatal, "scheduler closed"),
				}
			}
			st.pending = nil
			st.active = nil
			s.mu.Unlock()
			return
		}
		if len(st.pending) == 0 {
			st.active = nil
			s.mu.Unlock()
			return
		}
		next := st.pending[0]
		st.pending = st.pending[1:]
		req, opts, out = next.req, next.opts, next.out
		run = agent.NewRun(req.RunID, req.SessionKey, opts.Observer)
		st.active = run
		s.mu.Unlock()
	}
}

// runOne drives a single prompt to a terminal state, including the
// compaction and reset recovery paths, and delivers its Result.
func (s *Scheduler) runOne(ln *lane, req agent.RunRequest, opts ScheduleOpts, run *agent.RunState, out chan Result) {
	result := Result{SessionKey: req.SessionKey, RunID: req.RunID, Outcome: OutcomeAccepted}
	defer func() { out <- result }()

	// Queue wait is a suspension point; a scheduler shutdown here
	// cancels the run before it starts.
	if err := ln.acquire(s.root, opts.MaxConcurrent); err != nil {
		run.Cancel()
		run.MarkFailed()
		result.Err = fmt.Errorf("lane %s wait: %w", ln.name, err)
		return
	}
	defer ln.release()

	_, existed := s.cfg.Sessions.Get(req.SessionKey)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.cfg.RunTimeout
	}
	ctx, cancel := context.WithTimeout(s.root, timeout)
	defer cancel()
	run.BindCancel(cancel)

	res, err := s.executeWithRecovery(ctx, req, run)

	if !existed {
		if entry, ok := s.cfg.Sessions.Get(req.SessionKey); ok {
			s.broadcast(protocol.EventSessionStart, protocol.SessionStartPayload{
				SessionKey: req.SessionKey,
				SessionID:  entry.SessionID,
			})
		}
	}

	if err != nil {
		result.Err = err
		s.finishFailed(req, run, err)
		return
	}
	result.RunID = res.RunID
	result.Content = res.Content
	result.Usage = res.Usage
	s.broadcast(protocol.EventAgentReply, protocol.AgentReplyPayload{
		SessionKey: req.SessionKey,
		RunID:      res.RunID,
		TurnID:     uuid.NewString(),
		Input:      req.Message,
		Output:     res.Content,
	})
}

// executeWithRecovery runs the engine under the retry driver, then
// applies the scheduler-level recovery ladder: compact on context
// exhaustion, reset the session once on a recognized compaction
// failure, and surface everything else.
func (s *Scheduler) executeWithRecovery(ctx context.Context, req agent.RunRequest, run *agent.RunState) (*agent.RunResult, error) {
	res, err := s.executeOnce(ctx, req, run)
	if err == nil {
		return res, nil
	}

	if fault.KindOf(err) == fault.KindInsufficientContext {
		slog.Info("context exhausted, compacting", "session_key", req.SessionKey, "run_id", run.RunID())
		count, cerr := s.compact(ctx, req.SessionKey)
		if cerr == nil {
			s.broadcast(protocol.EventSessionCompacted, protocol.SessionCompactedPayload{
				SessionKey: req.SessionKey, Count: count,
			})
			res, err = s.executeOnce(ctx, req, run)
			if err == nil {
				return res, nil
			}
		} else {
			err = cerr
		}
	}

	if reason, ok := resetReason(err); ok {
		if rerr := s.resetSession(req.SessionKey, reason); rerr != nil {
			slog.Error("session reset failed", "session_key", req.SessionKey, "error", rerr)
			return nil, err
		}
		// Retry the original prompt exactly once; a second failure
		// surfaces as failed.
		return s.executeOnce(ctx, req, run)
	}
	return nil, err
}

// executeOnce is one engine pass under the retry driver and breaker.
// Only transient kinds re-attempt; the breaker counts model-call
// failures and gates entry once it opens.
func (s *Scheduler) executeOnce(ctx context.Context, req agent.RunRequest, run *agent.RunState) (*agent.RunResult, error) {
	var br *breaker.Breaker
	if s.cfg.Breakers != nil {
		br = s.cfg.Breakers.Get("llm")
	}

	var res *agent.RunResult
	err := s.retry.Do(ctx, "agent.run", func(ctx context.Context) error {
		if br != nil && !br.CanExecute() {
			return fault.New(fault.KindTransientNetwork, "llm circuit open")
		}
		var rerr error
		res, rerr = s.cfg.Runner.Execute(ctx, req, run)
		if br != nil {
			if rerr == nil {
				br.RecordSuccess()
			} else if fault.IsRetryable(fault.Classify(rerr)) {
				br.RecordFailure()
			}
		}
		return rerr
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// compact runs a compaction pass with steering diverted to the queue
// for its duration.
func (s *Scheduler) compact(ctx context.Context, sessionKey string) (int, error) {
	s.setCompacting(sessionKey, true)
	defer s.setCompacting(sessionKey, false)
	return s.cfg.Runner.Compact(ctx, sessionKey)
}

// resetSession rotates the session identity: old transcript deleted
// best-effort, fresh sessionId committed under the per-key write lock,
// lifecycle event emitted with the reason.
func (s *Scheduler) resetSession(sessionKey, reason string) error {
	s.setCompacting(sessionKey, true)
	defer s.setCompacting(sessionKey, false)

	var oldID string
	if old, ok := s.cfg.Sessions.Get(sessionKey); ok {
		oldID = old.SessionID
	}
	entry, err := sessions.ResetEntry(s.cfg.Sessions, s.cfg.Transcripts, sessionKey)
	if err != nil {
		return err
	}
	slog.Warn("session reset", "session_key", sessionKey, "reason", reason, "new_id", entry.SessionID)
	s.broadcast(protocol.EventSessionReset, protocol.SessionResetPayload{
		SessionKey: sessionKey,
		Reason:     reason,
		OldID:      oldID,
		NewID:      entry.SessionID,
	})
	return nil
}

// finishFailed lands the run in its terminal state for an error the
// recovery ladder did not absorb, and emits the matching event.
func (s *Scheduler) finishFailed(req agent.RunRequest, run *agent.RunState, err error) {
	switch {
	case fault.KindOf(err) == fault.KindBlockerDetected:
		// The engine already parked the run in blocked and recorded
		// the blocker on the entry.
		if bi := run.Blocker(); bi != nil {
			s.broadcast(protocol.EventRunBlocked, protocol.RunBlockedPayload{
				SessionKey: req.SessionKey,
				RunID:      run.RunID(),
				Reason:     bi.Reason,
				Patterns:   bi.MatchedPatterns,
				Context:    bi.ExtractedContext,
			})
		}
	case errors.Is(err, context.Canceled) || run.Cancelled():
		// Cancelled status was set at the engine's suspension point.
	default:
		run.MarkFailed()
		slog.Error("run failed",
			"session_key", req.SessionKey,
			"run_id", run.RunID(),
			"kind", fault.KindOf(err).String(),
			"error", err)
	}
}

// resetReason maps an error to the session-reset trigger set.
func resetReason(err error) (string, bool) {
	switch k := fault.KindOf(err); k {
	case fault.KindRoleOrderingConflict, fault.KindCompactionFailed:
		return k.String(), true
	case fault.KindTimeout:
		if fault.PhaseOf(err) == fault.PhaseCompaction {
			return "compaction_timeout", true
		}
	}
	return "", false
}

func (s *Scheduler) setCompacting(sessionKey string, v bool) {
	s.mu.Lock()
	if st := s.sessions[sessionKey]; st != nil {
		st.compacting = v
	}
	s.mu.Unlock()
}

func (s *Scheduler) queueMode(sessionKey string) store.QueueMode {
	return s.queueModeLocked(sessionKey)
}

func (s *Scheduler) queueModeLocked(sessionKey string) store.QueueMode {
	if entry, ok := s.cfg.Sessions.Get(sessionKey); ok && entry.QueueMode != "" {
		return entry.QueueMode
	}
	return store.QueueEnqueue
}

// touch advances the session's UpdatedAt after a steer.
func (s *Scheduler) touch(sessionKey string) {
	if _, err := s.cfg.Sessions.Upsert(sessionKey, nil); err != nil {
		slog.Warn("session touch failed", "session_key", sessionKey, "error", err)
	}
}

func (s *Scheduler) broadcast(name string, payload any) {
	if s.cfg.Events == nil {
		return
	}
	s.cfg.Events.Broadcast(bus.Event{Name: name, Payload: payload})
}
