// Package agent drives single LLM runs end to end: it streams one
// model call, intercepts tool invocations, feeds results back, emits
// user-visible output, and detects blockers. The scheduler owns run
// ordering and retries; this package owns everything inside one run.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/clawgate/internal/fault"
	"github.com/nextlevelbuilder/clawgate/internal/providers"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
	"github.com/nextlevelbuilder/clawgate/internal/store"
	"github.com/nextlevelbuilder/clawgate/internal/tools"
)

// ErrPlanExhausted is surfaced when a run burns through its tool-call
// cycle budget without producing a final answer.
var ErrPlanExhausted = errors.New("plan exhausted")

// AgentSpec is the static configuration for one agent identity.
type AgentSpec struct {
	ID            string
	Provider      string
	Model         string
	ThinkingLevel store.ThinkingLevel
	ContextTokens int
	Workspace     string
	ExtraPrompt   string
}

// Config wires an Engine. Zero values fall back to the defaults noted
// per field.
type Config struct {
	Providers   *providers.Registry
	Tools       *tools.Registry
	Sessions    store.SessionStore
	Transcripts store.TranscriptStore

	// Process-wide defaults, overridden per agent and per session.
	DefaultProvider string
	DefaultModel    string
	Agents          map[string]AgentSpec

	MaxPlanRetries  int     // consecutive tool cycles per run; default 4
	MaxTokens       int     // response budget per model call; default 8192
	ContextTokens   int     // model context window; default 200000
	CompactShare    float64 // history share of context that triggers compaction; default 0.75
	CompactKeepLast int     // messages kept verbatim through compaction; default 4
	CompactMinMsgs  int     // message count that triggers compaction even under the token threshold; default 50
	MaxMessageChars int     // inbound message size cap; default 32000

	OutputMode    OutputMode // default message_end
	HaltOnBlocker bool       // cancel the stream when a blocker matches

	// Runtime identity for the system prompt. Fixed at startup so the
	// prompt stays byte-identical across runs.
	Hostname string
	Timezone string

	Now func() time.Time
}

// Engine is the tool-call coordinator. One engine serves all sessions;
// per-run state lives in RunState.
type Engine struct {
	cfg      Config
	blockers *BlockerDetector
	tracer   trace.Tracer

	estimateMu sync.RWMutex
	estimate   func(msgs []providers.Message) int

	compactMu sync.Map // session key -> *sync.Mutex
	now       func() time.Time
}

func NewEngine(cfg Config) *Engine {
	if cfg.MaxPlanRetries <= 0 {
		cfg.MaxPlanRetries = 4
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	if cfg.ContextTokens <= 0 {
		cfg.ContextTokens = 200000
	}
	if cfg.CompactShare <= 0 || cfg.CompactShare > 1 {
		cfg.CompactShare = 0.75
	}
	if cfg.CompactKeepLast <= 0 {
		cfg.CompactKeepLast = 4
	}
	if cfg.CompactMinMsgs <= 0 {
		cfg.CompactMinMsgs = 50
	}
	if cfg.MaxMessageChars <= 0 {
		cfg.MaxMessageChars = 32_000
	}
	if cfg.OutputMode == "" {
		cfg.OutputMode = OutputMessageEnd
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		cfg:      cfg,
		blockers: NewBlockerDetector(),
		tracer:   otel.Tracer("clawgate/agent"),
		estimate: EstimateTokens,
		now:      cfg.Now,
	}
}

// SetTokenEstimateFunc replaces the token estimator used for compaction
// decisions.
func (e *Engine) SetTokenEstimateFunc(fn func(msgs []providers.Message) int) {
	if fn == nil {
		return
	}
	e.estimateMu.Lock()
	e.estimate = fn
	e.estimateMu.Unlock()
}

func (e *Engine) estimateTokens(msgs []providers.Message) int {
	e.estimateMu.RLock()
	fn := e.estimate
	e.estimateMu.RUnlock()
	return fn(msgs)
}

// RunRequest describes one message to process through a run.
type RunRequest struct {
	SessionKey string
	Message    string
	Channel    string
	ChatID     string
	UserID     string
	SenderID   string
	PeerKind   string
	RunID      string
	Media      []string

	// Stream delivers output segments as they form; when false the
	// sink only sees the final message.
	Stream     bool
	OutputMode OutputMode
	OnOutput   OutputSink

	ExtraSystemPrompt string
	HistoryLimit      int

	TraceName string
	TraceTags map[string]string
}

// RunResult is the output of a completed run.
type RunResult struct {
	Content    string           `json:"content"`
	RunID      string           `json:"runId"`
	Iterations int              `json:"iterations"`
	Usage      *providers.Usage `json:"usage,omitempty"`
}

// agentSpec resolves the per-agent configuration, falling back to
// process defaults for unset fields.
func (e *Engine) agentSpec(agentID string) AgentSpec {
	spec, ok := e.cfg.Agents[agentID]
	if !ok {
		spec = AgentSpec{ID: agentID}
	}
	if spec.Provider == "" {
		spec.Provider = e.cfg.DefaultProvider
	}
	if spec.Model == "" {
		spec.Model = e.cfg.DefaultModel
	}
	if spec.ContextTokens <= 0 {
		spec.ContextTokens = e.cfg.ContextTokens
	}
	return spec
}

// resolveModel picks provider, model, and thinking level for a run:
// session override first, then the agent default, then the process
// default.
func (e *Engine) resolveModel(entry store.SessionEntry, spec AgentSpec) (provider, model string, thinking store.ThinkingLevel) {
	provider = entry.Provider
	if provider == "" {
		provider = spec.Provider
	}
	model = entry.Model
	if model == "" {
		model = spec.Model
	}
	thinking = entry.ThinkingLevel
	if thinking == "" {
		thinking = spec.ThinkingLevel
	}
	return provider, model, thinking
}

// contextBudget returns the context window for a session.
func (e *Engine) contextBudget(entry store.SessionEntry, spec AgentSpec) int {
	if entry.ContextTokens > 0 {
		return entry.ContextTokens
	}
	return spec.ContextTokens
}

// Execute drives one run to a terminal state. It returns the result on
// completion; on any other outcome it returns a classified error, with
// whatever partial output was produced already flushed to the sink and
// transcript.
func (e *Engine) Execute(ctx context.Context, req RunRequest, run *RunState) (*RunResult, error) {
	agentID := sessions.AgentOf(req.SessionKey)
	spec := e.agentSpec(agentID)

	entry, err := e.cfg.Sessions.Upsert(req.SessionKey, func(en *store.SessionEntry) {
		if req.Channel != "" {
			en.Channel = req.Channel
		}
	})
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", req.SessionKey, err)
	}

	providerName, model, thinking := e.resolveModel(entry, spec)
	prov, err := e.cfg.Providers.Get(providerName)
	if err != nil {
		return nil, fault.Wrap(fault.KindConfigInvalid, err, "resolve provider")
	}
	if model == "" {
		model = prov.DefaultModel()
	}
	run.setModel(prov.Name(), model)

	spanName := req.TraceName
	if spanName == "" {
		spanName = "agent.run"
	}
	ctx, span := e.tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("session.key", req.SessionKey),
		attribute.String("run.id", run.RunID()),
		attribute.String("llm.model", model),
	))
	for k, v := range req.TraceTags {
		span.SetAttributes(attribute.String(k, v))
	}
	defer span.End()

	result, err := e.runLoop(ctx, req, run, entry, spec, prov, model, thinking)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, fault.KindOf(err).String())
		return nil, err
	}
	span.SetAttributes(attribute.Int("run.iterations", result.Iterations))
	return result, nil
}

func (e *Engine) runLoop(ctx context.Context, req RunRequest, run *RunState, entry store.SessionEntry, spec AgentSpec, prov providers.Provider, model string, thinking store.ThinkingLevel) (*RunResult, error) {
	message := req.Message
	if len(message) > e.cfg.MaxMessageChars {
		originalLen := len(message)
		message = message[:e.cfg.MaxMessageChars] +
			fmt.Sprintf("\n\n[System: Message was truncated from %d to %d characters due to size limit.]",
				originalLen, e.cfg.MaxMessageChars)
		slog.Warn("message truncated", "session", req.SessionKey, "original_len", originalLen, "truncated_to", e.cfg.MaxMessageChars)
	}

	history, err := e.cfg.Transcripts.Read(entry.SessionFile)
	if err != nil {
		return nil, fmt.Errorf("read transcript %s: %w", entry.SessionFile, err)
	}
	history, err = repairTranscript(history)
	if err != nil {
		return nil, err
	}
	history = limitTurns(history, req.HistoryLimit)

	systemPrompt := e.buildSystemPrompt(spec, req, model)

	userMsg := providers.Message{Role: "user", Content: message, Images: loadImages(req.Media)}
	messages := make([]providers.Message, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, userMsg)
	pending := []providers.Message{userMsg}

	mode := e.cfg.OutputMode
	if req.OutputMode != "" {
		mode = req.OutputMode
	}
	if !req.Stream {
		mode = OutputMessageEnd
	}
	assembler := newOutputAssembler(mode, req.OnOutput)

	var totalUsage providers.Usage
	iterations := 0
	toolCycles := 0
	var finalContent string
	var blocker *store.BlockerInfo

	for {
		// Steered turns injected mid-run flush here, between
		// iterations, so they never split a tool cycle.
		for _, text := range run.DrainSteered() {
			sm := providers.Message{Role: "user", Content: text}
			messages = append(messages, sm)
			pending = append(pending, sm)
			slog.Debug("steered turn injected", "session", req.SessionKey, "run", run.RunID())
		}

		if aerr := e.abortErr(ctx, run); aerr != nil {
			return nil, e.finishAborted(req, run, entry, pending, assembler, totalUsage, aerr)
		}

		iterations++
		run.setPhase(fault.PhaseModelCall)

		var turnText strings.Builder
		firstChunk := true

		llmCtx, llmSpan := e.tracer.Start(ctx, "llm.call", trace.WithAttributes(
			attribute.Int("llm.iteration", iterations),
			attribute.Int("llm.messages", len(messages)),
		))
		res, serr := prov.Stream(llmCtx, providers.StreamRequest{
			Messages:      messages,
			Tools:         e.cfg.Tools.ProviderDefs(),
			SystemPrompt:  systemPrompt,
			Model:         model,
			ThinkingLevel: string(thinking),
			MaxTokens:     e.cfg.MaxTokens,
		}, func(ev providers.StreamEvent) {
			switch ev.Kind {
			case providers.StreamAssistantText:
				if firstChunk {
					run.setStatus(StatusRunning)
					firstChunk = false
				}
				run.bumpEvents()
				turnText.WriteString(ev.Text)
				assembler.Write(ev.Text)
				if blocker == nil {
					if bi := e.blockers.Detect(turnText.String()); bi != nil {
						blocker = bi
						run.setBlocker(*bi)
						slog.Warn("blocker detected", "session", req.SessionKey, "run", run.RunID(), "reason", bi.Reason)
						if e.cfg.HaltOnBlocker {
							run.Cancel()
						}
					}
				}
			case providers.StreamToolCall:
				run.bumpEvents()
			}
		})
		if serr != nil {
			llmSpan.RecordError(serr)
			llmSpan.SetStatus(codes.Error, "")
		}
		llmSpan.End()

		if serr != nil {
			if blocker != nil {
				return nil, e.finishBlocked(req, run, entry, pending, turnText.String(), blocker, totalUsage)
			}
			if ctx.Err() != nil {
				aerr := e.abortErr(ctx, run)
				return nil, e.finishAborted(req, run, entry, pending, assembler, totalUsage, aerr)
			}
			return nil, fmt.Errorf("model call failed (iteration %d): %w", iterations, serr)
		}

		if res.Usage != nil {
			totalUsage.Add(res.Usage)
		}

		if blocker != nil {
			pending = append(pending, providers.Message{Role: "assistant", Content: res.Content})
			return nil, e.finishBlocked(req, run, entry, pending, "", blocker, totalUsage)
		}

		if len(res.ToolCalls) == 0 {
			finalContent = res.Content
			break
		}

		toolCycles++
		if toolCycles > e.cfg.MaxPlanRetries {
			pending = append(pending, providers.Message{Role: "assistant", Content: res.Content})
			e.flushRun(req, entry, pending, totalUsage, true)
			return nil, fmt.Errorf("%w: %d consecutive tool cycles for run %s", ErrPlanExhausted, toolCycles-1, run.RunID())
		}

		assistantMsg := providers.Message{Role: "assistant", Content: res.Content, ToolCalls: res.ToolCalls}
		messages = append(messages, assistantMsg)
		pending = append(pending, assistantMsg)

		// Suspension point: before tool dispatch.
		if aerr := e.abortErr(ctx, run); aerr != nil {
			return nil, e.finishAborted(req, run, entry, pending, assembler, totalUsage, aerr)
		}

		run.setPhase(fault.PhaseToolExecution)
		toolMsgs := e.executeToolCalls(ctx, run, req, res.ToolCalls)
		messages = append(messages, toolMsgs...)
		pending = append(pending, toolMsgs...)

		// Suspension point: between tool execution and stream resume.
		if aerr := e.abortErr(ctx, run); aerr != nil {
			return nil, e.finishAborted(req, run, entry, pending, assembler, totalUsage, aerr)
		}
	}

	finalContent = SanitizeAssistantContent(finalContent)
	isSilent := IsSilentReply(finalContent)
	saved := finalContent
	if saved == "" {
		saved = "..."
	}
	pending = append(pending, providers.Message{Role: "assistant", Content: saved})

	if err := e.flushRun(req, entry, pending, totalUsage, false); err != nil {
		return nil, err
	}

	visible := finalContent
	if isSilent {
		slog.Info("silent reply, suppressing delivery", "session", req.SessionKey, "run", run.RunID())
		visible = ""
	}

	if req.OnOutput != nil && !isSilent {
		if mode == OutputMessageEnd {
			if visible != "" {
				req.OnOutput(visible)
			}
		} else {
			assembler.Flush()
		}
	}

	run.setStatus(StatusCompleted)
	e.maybeCompact(req.SessionKey, entry, spec)

	return &RunResult{
		Content:    visible,
		RunID:      run.RunID(),
		Iterations: iterations,
		Usage:      &totalUsage,
	}, nil
}

// abortErr reports whether the run should stop here, and classifies
// why: a cooperative cancel surfaces as context.Canceled, a deadline as
// a timeout tagged with the current phase snapshot.
func (e *Engine) abortErr(ctx context.Context, run *RunState) error {
	if run.Cancelled() {
		return context.Canceled
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			phase := run.Phase()
			if phase == "" {
				phase = fault.PhaseModelCall
			}
			return fault.Timeout(phase, "run deadline exceeded")
		}
		return err
	}
	return nil
}

// executeToolCalls dispatches a batch of tool calls and returns their
// result messages in call order. A single call runs inline; multiple
// calls run in parallel, then results are reordered deterministically.
func (e *Engine) executeToolCalls(ctx context.Context, run *RunState, req RunRequest, calls []providers.ToolCall) []providers.Message {
	toolCtx := tools.WithToolChannel(ctx, req.Channel)
	toolCtx = tools.WithToolChatID(toolCtx, req.ChatID)
	toolCtx = tools.WithToolPeerKind(toolCtx, req.PeerKind)
	toolCtx = tools.WithToolSessionKey(toolCtx, req.SessionKey)
	toolCtx = tools.WithToolAgentID(toolCtx, sessions.AgentOf(req.SessionKey))
	toolCtx = tools.WithRunControl(toolCtx, run)
	if len(req.Media) > 0 {
		toolCtx = tools.WithMediaImages(toolCtx, loadImages(req.Media))
	}

	if len(calls) == 1 {
		return []providers.Message{e.executeOneTool(toolCtx, run, calls[0])}
	}

	type indexed struct {
		idx int
		msg providers.Message
	}
	resultCh := make(chan indexed, len(calls))
	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		go func(idx int, tc providers.ToolCall) {
			defer wg.Done()
			resultCh <- indexed{idx: idx, msg: e.executeOneTool(toolCtx, run, tc)}
		}(i, tc)
	}
	go func() { wg.Wait(); close(resultCh) }()

	collected := make([]indexed, 0, len(calls))
	for r := range resultCh {
		collected = append(collected, r)
	}
	sort.Slice(collected, func(i, j int) bool { return collected[i].idx < collected[j].idx })

	msgs := make([]providers.Message, len(collected))
	for i, r := range collected {
		msgs[i] = r.msg
	}
	return msgs
}

func (e *Engine) executeOneTool(ctx context.Context, run *RunState, tc providers.ToolCall) providers.Message {
	slog.Info("tool call", "run", run.RunID(), "tool", tc.Name)
	run.noteAction(tc.Name)

	toolCtx, toolSpan := e.tracer.Start(ctx, "tool.call", trace.WithAttributes(
		attribute.String("tool.name", tc.Name),
	))
	result := e.cfg.Tools.Execute(toolCtx, tc.Name, tc.Arguments)
	if result.IsError {
		errMsg := result.ForLLM
		if len(errMsg) > 200 {
			errMsg = errMsg[:200] + "..."
		}
		slog.Warn("tool error", "run", run.RunID(), "tool", tc.Name, "error", errMsg)
		toolSpan.SetStatus(codes.Error, "")
	}
	toolSpan.End()

	run.notifyToolResult(tc.Name, result.IsError)

	return providers.Message{
		Role:       "tool",
		Content:    result.ForLLM,
		ToolCallID: tc.ID,
		IsError:    result.IsError,
	}
}

// flushRun persists the buffered turn messages and the entry update in
// that order; the transcript advances first so the entry never points
// past it.
func (e *Engine) flushRun(req RunRequest, entry store.SessionEntry, pending []providers.Message, usage providers.Usage, aborted bool) error {
	if err := e.cfg.Transcripts.Append(entry.SessionFile, pending...); err != nil {
		return fmt.Errorf("append transcript %s: %w", entry.SessionFile, err)
	}
	_, err := e.cfg.Sessions.Upsert(req.SessionKey, func(en *store.SessionEntry) {
		if req.Channel != "" {
			en.Channel = req.Channel
		}
		en.SystemSent = true
		en.AbortedLastRun = aborted
		en.InputTokens += int64(usage.PromptTokens)
		en.OutputTokens += int64(usage.CompletionTokens)
	})
	if err != nil {
		return fmt.Errorf("update session %s: %w", req.SessionKey, err)
	}
	return nil
}

// finishAborted flushes partial output, marks the entry aborted, and
// returns the classified abort cause.
func (e *Engine) finishAborted(req RunRequest, run *RunState, entry store.SessionEntry, pending []providers.Message, assembler *outputAssembler, usage providers.Usage, cause error) error {
	// Segments already delivered are never retracted; finish the one in
	// flight. Buffered message_end output stays undelivered.
	if req.OnOutput != nil && req.Stream && assembler.mode != OutputMessageEnd {
		assembler.Flush()
	}
	if partial := assembler.Accumulated(); strings.TrimSpace(partial) != "" {
		pending = append(pending, providers.Message{Role: "assistant", Content: SanitizeAssistantContent(partial)})
	}
	if err := e.flushRun(req, entry, pending, usage, true); err != nil {
		slog.Warn("failed to flush aborted run", "session", req.SessionKey, "error", err)
	}
	if errors.Is(cause, context.Canceled) {
		run.setStatus(StatusCancelled)
	}
	return cause
}

// finishBlocked records the blocker on the entry, flushes the partial
// turn, and surfaces the classified blocker error. Blocked runs are
// never auto-retried.
func (e *Engine) finishBlocked(req RunRequest, run *RunState, entry store.SessionEntry, pending []providers.Message, partial string, blocker *store.BlockerInfo, usage providers.Usage) error {
	if partial = SanitizeAssistantContent(partial); partial != "" {
		pending = append(pending, providers.Message{Role: "assistant", Content: partial})
	}
	if err := e.cfg.Transcripts.Append(entry.SessionFile, pending...); err != nil {
		slog.Warn("failed to flush blocked run transcript", "session", req.SessionKey, "error", err)
	}
	_, err := e.cfg.Sessions.Upsert(req.SessionKey, func(en *store.SessionEntry) {
		bi := *blocker
		en.BlockerInfo = &bi
		en.InputTokens += int64(usage.PromptTokens)
		en.OutputTokens += int64(usage.CompletionTokens)
	})
	if err != nil {
		slog.Warn("failed to record blocker", "session", req.SessionKey, "error", err)
	}
	run.setStatus(StatusBlocked)
	return fault.Newf(fault.KindBlockerDetected, "run blocked: %s", blocker.Reason)
}
