package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/clawgate/internal/fault"
	"github.com/nextlevelbuilder/clawgate/internal/providers"
	"github.com/nextlevelbuilder/clawgate/internal/store"
)

func seedTranscript(t *testing.T, stores *store.Stores, key string, turns int) store.SessionEntry {
	t.Helper()
	entry, err := stores.Sessions.Upsert(key, func(*store.SessionEntry) {})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	var msgs []providers.Message
	for i := 0; i < turns; i++ {
		msgs = append(msgs,
			providers.Message{Role: "user", Content: fmt.Sprintf("question %d", i)},
			providers.Message{Role: "assistant", Content: fmt.Sprintf("answer %d", i)},
		)
	}
	if err := stores.Transcripts.Append(entry.SessionFile, msgs...); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	return entry
}

func TestEngineCompact(t *testing.T) {
	script := providers.NewScripted(providers.ScriptedTurn{
		TextChunks: []string{"Summary of the earlier conversation."},
	})
	eng, stores := newTestEngine(t, script, nil)

	seedTranscript(t, stores, testKey, 6) // 12 messages

	count, err := eng.Compact(context.Background(), testKey)
	if err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if count != 1 {
		t.Errorf("Compact() count = %d, want 1", count)
	}

	msgs := readTranscript(t, stores, testKey)
	// Summary pair plus the kept tail of 4.
	if len(msgs) != 6 {
		t.Fatalf("transcript len = %d, want 6, roles %v", len(msgs), roleSeq(msgs))
	}
	if msgs[0].Role != "user" || !strings.HasPrefix(msgs[0].Content, "[Previous conversation summary]") {
		t.Errorf("first message = %+v, want summary preamble", msgs[0])
	}
	if !strings.Contains(msgs[0].Content, "Summary of the earlier conversation.") {
		t.Errorf("summary content missing: %q", msgs[0].Content)
	}
	if msgs[1].Role != "assistant" {
		t.Errorf("second message role = %q, want assistant ack", msgs[1].Role)
	}
	if last := msgs[len(msgs)-1]; last.Content != "answer 5" {
		t.Errorf("tail last = %q, want answer 5", last.Content)
	}

	entry, _ := stores.Sessions.Get(testKey)
	if entry.CompactionCount != 1 {
		t.Errorf("entry.CompactionCount = %d, want 1", entry.CompactionCount)
	}

	// The summarization request carried the dropped turns.
	prompt := script.Requests[0].Messages[0].Content
	if !strings.Contains(prompt, "question 0") || strings.Contains(prompt, "question 5") {
		t.Errorf("summarize prompt window wrong:\n%s", prompt)
	}
}

func TestEngineCompactTwiceFoldsSummary(t *testing.T) {
	script := providers.NewScripted(
		providers.ScriptedTurn{TextChunks: []string{"first summary"}},
		providers.ScriptedTurn{TextChunks: []string{"second summary"}},
	)
	eng, stores := newTestEngine(t, script, nil)

	seedTranscript(t, stores, testKey, 6)

	if _, err := eng.Compact(context.Background(), testKey); err != nil {
		t.Fatalf("first Compact() error = %v", err)
	}
	count, err := eng.Compact(context.Background(), testKey)
	if err != nil {
		t.Fatalf("second Compact() error = %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}

	// The second summarization saw the first summary as plain history.
	second := script.Requests[1].Messages[0].Content
	if !strings.Contains(second, "first summary") {
		t.Errorf("second prompt does not fold prior summary:\n%s", second)
	}
}

func TestEngineCompactShortTranscriptNoop(t *testing.T) {
	script := providers.NewScripted()
	eng, stores := newTestEngine(t, script, nil)

	seedTranscript(t, stores, testKey, 2) // 4 messages == keep last

	count, err := eng.Compact(context.Background(), testKey)
	if err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}
	if script.Calls() != 0 {
		t.Errorf("provider calls = %d, want 0", script.Calls())
	}
}

func TestEngineCompactUnknownSession(t *testing.T) {
	eng, _ := newTestEngine(t, providers.NewScripted(), nil)

	_, err := eng.Compact(context.Background(), "agent:main:dm:test:missing")
	if kind := fault.KindOf(err); kind != fault.KindCompactionFailed {
		t.Errorf("KindOf(err) = %v, want %v", kind, fault.KindCompactionFailed)
	}
}

func TestEngineCompactProviderFailure(t *testing.T) {
	script := providers.NewScripted(providers.ScriptedTurn{
		Err: errors.New("upstream exploded"),
	})
	eng, stores := newTestEngine(t, script, nil)

	seedTranscript(t, stores, testKey, 6)

	_, err := eng.Compact(context.Background(), testKey)
	if kind := fault.KindOf(err); kind != fault.KindCompactionFailed {
		t.Fatalf("KindOf(err) = %v, want %v", kind, fault.KindCompactionFailed)
	}

	// A failed compaction leaves the transcript alone.
	msgs := readTranscript(t, stores, testKey)
	if len(msgs) != 12 {
		t.Errorf("transcript len = %d, want untouched 12", len(msgs))
	}
}

func TestEstimateTokens(t *testing.T) {
	msgs := []providers.Message{
		{Role: "user", Content: strings.Repeat("a", 400)},
		{Role: "assistant", Content: strings.Repeat("b", 400)},
	}
	got := EstimateTokens(msgs)
	if got < 200 || got > 250 {
		t.Errorf("EstimateTokens() = %d, want roughly 200", got)
	}
	if EstimateTokens(nil) != 0 {
		t.Errorf("EstimateTokens(nil) = %d, want 0", EstimateTokens(nil))
	}
}
