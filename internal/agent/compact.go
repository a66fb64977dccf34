package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/fault"
	"github.com/nextlevelbuilder/clawgate/internal/providers"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
	"github.com/nextlevelbuilder/clawgate/internal/store"
)

const compactTimeout = 120 * time.Second

// EstimateTokens is the default token estimator: roughly four
// characters per token plus a small per-message envelope.
func EstimateTokens(msgs []providers.Message) int {
	chars := 0
	for _, m := range msgs {
		chars += len(m.Content)
		for _, img := range m.Images {
			chars += len(img.Data) / 8
		}
		for _, tc := range m.ToolCalls {
			chars += len(tc.Name) + 64
		}
	}
	return chars/4 + len(msgs)*8
}

// Compact summarizes everything but the most recent messages of a
// session transcript and rewrites it as a summary pair plus the kept
// tail. It returns the new compaction count. Used directly by the
// scheduler when a provider rejects the conversation for size, so it
// runs unconditionally; threshold checks belong to the background path.
//
// Compact blocks until any in-flight compaction of the same session
// finishes, then takes its turn.
func (e *Engine) Compact(ctx context.Context, key string) (int, error) {
	mu := e.sessionCompactMu(key)
	mu.Lock()
	defer mu.Unlock()
	return e.compactLocked(ctx, key)
}

func (e *Engine) sessionCompactMu(key string) *sync.Mutex {
	muI, _ := e.compactMu.LoadOrStore(key, &sync.Mutex{})
	return muI.(*sync.Mutex)
}

func (e *Engine) compactLocked(ctx context.Context, key string) (int, error) {
	entry, ok := e.cfg.Sessions.Get(key)
	if !ok {
		return 0, fault.Newf(fault.KindCompactionFailed, "no session %s", key)
	}

	history, err := e.cfg.Transcripts.Read(entry.SessionFile)
	if err != nil {
		return 0, fault.Wrap(fault.KindCompactionFailed, err, "read transcript")
	}
	repaired, err := repairTranscript(history)
	if err != nil {
		return 0, err
	}

	keepLast := e.cfg.CompactKeepLast
	if len(repaired) <= keepLast {
		return entry.CompactionCount, nil
	}

	spec := e.agentSpec(sessions.AgentOf(key))
	providerName, model, _ := e.resolveModel(entry, spec)
	prov, err := e.cfg.Providers.Get(providerName)
	if err != nil {
		return 0, fault.Wrap(fault.KindCompactionFailed, err, "resolve provider")
	}
	if model == "" {
		model = prov.DefaultModel()
	}

	toSummarize := repaired[:len(repaired)-keepLast]
	tail, err := repairTranscript(repaired[len(repaired)-keepLast:])
	if err != nil {
		return 0, err
	}

	var sb strings.Builder
	for _, m := range toSummarize {
		switch m.Role {
		case "user":
			fmt.Fprintf(&sb, "user: %s\n", m.Content)
		case "assistant":
			if text := SanitizeAssistantContent(m.Content); text != "" {
				fmt.Fprintf(&sb, "assistant: %s\n", text)
			}
		}
	}

	prompt := "Provide a concise summary of this conversation, preserving key context, decisions, and open tasks:\n\n" + sb.String()

	sctx, cancel := context.WithTimeout(ctx, compactTimeout)
	defer cancel()

	res, err := prov.Stream(sctx, providers.StreamRequest{
		Messages:  []providers.Message{{Role: "user", Content: prompt}},
		Model:     model,
		MaxTokens: 1024,
	}, func(providers.StreamEvent) {})
	if err != nil {
		if errors.Is(sctx.Err(), context.DeadlineExceeded) {
			return 0, fault.Timeout(fault.PhaseCompaction, "summarization timed out")
		}
		return 0, fault.Wrap(fault.KindCompactionFailed, err, "summarize transcript")
	}

	summary := SanitizeAssistantContent(res.Content)
	if summary == "" {
		return 0, fault.New(fault.KindCompactionFailed, "summarization returned empty content")
	}

	// The summary lives in the transcript itself as a leading exchange,
	// so a later compaction folds it in with no special casing.
	rewritten := make([]providers.Message, 0, len(tail)+2)
	rewritten = append(rewritten,
		providers.Message{Role: "user", Content: "[Previous conversation summary]\n" + summary},
		providers.Message{Role: "assistant", Content: "Understood. I have the context from the earlier conversation."},
	)
	rewritten = append(rewritten, tail...)

	if err := e.cfg.Transcripts.Rewrite(entry.SessionFile, rewritten); err != nil {
		return 0, fault.Wrap(fault.KindCompactionFailed, err, "rewrite transcript")
	}

	updated, err := e.cfg.Sessions.Upsert(key, func(en *store.SessionEntry) {
		en.CompactionCount++
	})
	if err != nil {
		return 0, fault.Wrap(fault.KindCompactionFailed, err, "update session")
	}

	slog.Info("session compacted",
		"session", key,
		"summarized", len(toSummarize),
		"kept", len(tail),
		"count", updated.CompactionCount,
	)
	return updated.CompactionCount, nil
}

// maybeCompact kicks a background compaction when the transcript has
// outgrown its thresholds. Per-session TryLock: if a compaction is
// already running, skip; the next run re-checks.
func (e *Engine) maybeCompact(key string, entry store.SessionEntry, spec AgentSpec) {
	budget := e.contextBudget(entry, spec)
	threshold := int(float64(budget) * e.cfg.CompactShare)
	minMsgs := e.cfg.CompactMinMsgs

	go func() {
		mu := e.sessionCompactMu(key)
		if !mu.TryLock() {
			slog.Debug("compaction already in progress, skipping", "session", key)
			return
		}
		defer mu.Unlock()

		cur, ok := e.cfg.Sessions.Get(key)
		if !ok {
			return
		}
		history, err := e.cfg.Transcripts.Read(cur.SessionFile)
		if err != nil {
			slog.Warn("compaction check failed to read transcript", "session", key, "error", err)
			return
		}
		if len(history) <= minMsgs && e.estimateTokens(history) <= threshold {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), compactTimeout)
		defer cancel()
		if _, err := e.compactLocked(ctx, key); err != nil {
			slog.Warn("background compaction failed", "session", key, "error", err)
		}
	}()
}
