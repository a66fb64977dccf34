package sessions

import (
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/providers"
	"github.com/nextlevelbuilder/clawgate/internal/store"
)

func TestUpsertCreatesEntry(t *testing.T) {
	m := NewManager(t.TempDir())

	entry, err := m.Upsert("agent:main:dm:telegram:42", func(e *store.SessionEntry) {
		e.Model = "claude-sonnet-4-5"
		e.Provider = "anthropic"
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if entry.SessionID == "" {
		t.Errorf("SessionID empty, want generated UUID")
	}
	if entry.SessionFile != entry.SessionID+".jsonl" {
		t.Errorf("SessionFile = %q, want derived from SessionID", entry.SessionFile)
	}
	if entry.QueueMode != store.QueueEnqueue {
		t.Errorf("QueueMode = %q, want enqueue default", entry.QueueMode)
	}
	if entry.Model != "claude-sonnet-4-5" {
		t.Errorf("Model = %q, want claude-sonnet-4-5", entry.Model)
	}

	got, ok := m.Get("agent:main:dm:telegram:42")
	if !ok {
		t.Fatalf("Get() not found after Upsert")
	}
	if got.SessionID != entry.SessionID {
		t.Errorf("Get SessionID = %q, want %q", got.SessionID, entry.SessionID)
	}
}

func TestUpsertPreservesExisting(t *testing.T) {
	m := NewManager(t.TempDir())
	key := "agent:main:dm:telegram:42"

	first, _ := m.Upsert(key, func(e *store.SessionEntry) { e.SystemSent = true })
	second, err := m.Upsert(key, func(e *store.SessionEntry) { e.InputTokens += 100 })
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if second.SessionID != first.SessionID {
		t.Errorf("SessionID changed across upserts: %q -> %q", first.SessionID, second.SessionID)
	}
	if !second.SystemSent {
		t.Errorf("SystemSent lost on second upsert")
	}
	if second.InputTokens != 100 {
		t.Errorf("InputTokens = %d, want 100", second.InputTokens)
	}
}

func TestUpsertSerializesPerKey(t *testing.T) {
	m := NewManager("") // memory only, keeps the race about the lock
	key := "agent:main:dm:telegram:42"

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Upsert(key, func(e *store.SessionEntry) {
				e.CompactionCount++
			})
		}()
	}
	wg.Wait()

	entry, _ := m.Get(key)
	if entry.CompactionCount != 50 {
		t.Errorf("CompactionCount = %d, want 50 (lost update)", entry.CompactionCount)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	key := "agent:main:group:discord:7"

	m1 := NewManager(dir)
	m1.Upsert(key, func(e *store.SessionEntry) {
		e.Model = "gpt-4o"
		e.ThinkingLevel = store.ThinkingMedium
		e.ContextTokens = 180000
		e.BlockerInfo = &store.BlockerInfo{
			Reason:           "insufficient_funds",
			MatchedPatterns:  []string{"insufficient balance"},
			ExtractedContext: map[string]string{"current": "0.02"},
		}
	})

	m2 := NewManager(dir)
	got, ok := m2.Get(key)
	if !ok {
		t.Fatalf("entry not reloaded from disk")
	}
	if got.Model != "gpt-4o" || got.ThinkingLevel != store.ThinkingMedium || got.ContextTokens != 180000 {
		t.Errorf("reloaded entry = %+v, want model/thinking/context preserved", got)
	}
	if got.BlockerInfo == nil || got.BlockerInfo.Reason != "insufficient_funds" {
		t.Errorf("BlockerInfo = %+v, want insufficient_funds", got.BlockerInfo)
	}
	if got.BlockerInfo.ExtractedContext["current"] != "0.02" {
		t.Errorf("ExtractedContext = %v, want current=0.02", got.BlockerInfo.ExtractedContext)
	}
}

func TestDelete(t *testing.T) {
	m := NewManager(t.TempDir())
	key := "agent:main:dm:telegram:42"

	m.Upsert(key, nil)
	if err := m.Delete(key); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok := m.Get(key); ok {
		t.Errorf("Get() found entry after Delete")
	}
	// Deleting twice is fine.
	if err := m.Delete(key); err != nil {
		t.Errorf("second Delete() error = %v", err)
	}
}

func TestGetReturnsSnapshot(t *testing.T) {
	m := NewManager("")
	key := "agent:main:dm:telegram:42"
	m.Upsert(key, func(e *store.SessionEntry) {
		e.BlockerInfo = &store.BlockerInfo{Reason: "rate_limit", MatchedPatterns: []string{"429"}}
	})

	snap, _ := m.Get(key)
	snap.BlockerInfo.Reason = "mutated"

	fresh, _ := m.Get(key)
	if fresh.BlockerInfo.Reason != "rate_limit" {
		t.Errorf("snapshot mutation leaked into store: %q", fresh.BlockerInfo.Reason)
	}
}

func TestLastUsedChannel(t *testing.T) {
	m := NewManager("")
	m.now = func() time.Time { return time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC) }
	m.Upsert("agent:main:dm:telegram:42", nil)
	m.now = func() time.Time { return time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC) }
	m.Upsert("agent:main:group:discord:7", nil)
	m.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	m.Upsert("agent:main:cron:brief", nil)
	m.Upsert("agent:other:dm:telegram:9", nil)

	channel, chatID := m.LastUsedChannel("main")
	if channel != "discord" || chatID != "7" {
		t.Errorf("LastUsedChannel() = %q/%q, want discord/7", channel, chatID)
	}

	channel, chatID = m.LastUsedChannel("missing")
	if channel != "" || chatID != "" {
		t.Errorf("LastUsedChannel(missing) = %q/%q, want empty", channel, chatID)
	}
}

func TestListPaged(t *testing.T) {
	m := NewManager("")
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		offset := time.Duration(i) * time.Minute
		m.now = func() time.Time { return base.Add(offset) }
		m.Upsert(BuildChannelKey("main", ScopeDM, "telegram", string(rune('a'+i))), nil)
	}

	page := m.ListPaged(store.SessionListOpts{AgentID: "main", Limit: 2, Offset: 1})
	if page.Total != 5 {
		t.Errorf("Total = %d, want 5", page.Total)
	}
	if len(page.Sessions) != 2 {
		t.Fatalf("len(Sessions) = %d, want 2", len(page.Sessions))
	}
	// Most recent first, so offset 1 starts at the second newest.
	if page.Sessions[0].Key != "agent:main:dm:telegram:d" {
		t.Errorf("Sessions[0].Key = %q, want agent:main:dm:telegram:d", page.Sessions[0].Key)
	}
}

type fakeTranscripts struct {
	deleted []string
	data    map[string][]providers.Message
}

func newFakeTranscripts() *fakeTranscripts {
	return &fakeTranscripts{data: make(map[string][]providers.Message)}
}

func (f *fakeTranscripts) Read(file string) ([]providers.Message, error) { return f.data[file], nil }
func (f *fakeTranscripts) Append(file string, msgs ...providers.Message) error {
	f.data[file] = append(f.data[file], msgs...)
	return nil
}
func (f *fakeTranscripts) Rewrite(file string, msgs []providers.Message) error {
	f.data[file] = msgs
	return nil
}
func (f *fakeTranscripts) Delete(file string) error {
	f.deleted = append(f.deleted, file)
	delete(f.data, file)
	return nil
}

func TestResetEntryRotatesSession(t *testing.T) {
	m := NewManager(t.TempDir())
	tr := newFakeTranscripts()
	key := "agent:main:dm:telegram:42"

	before, _ := m.Upsert(key, func(e *store.SessionEntry) {
		e.CompactionCount = 3
		e.SystemSent = true
		e.ResumeToken = "tok"
		e.InputTokens = 500
		e.Model = "claude-sonnet-4-5"
	})
	tr.Append(before.SessionFile, providers.Message{Role: "user", Content: "hi"})

	after, err := ResetEntry(m, tr, key)
	if err != nil {
		t.Fatalf("ResetEntry() error = %v", err)
	}
	if after.SessionID == before.SessionID {
		t.Errorf("SessionID not rotated")
	}
	if after.CompactionCount != 0 {
		t.Errorf("CompactionCount = %d, want 0 after reset", after.CompactionCount)
	}
	if after.SystemSent || after.ResumeToken != "" {
		t.Errorf("system/resume state survived reset: %+v", after)
	}
	if after.InputTokens != 500 || after.Model != "claude-sonnet-4-5" {
		t.Errorf("usage accounting or model lost on reset: %+v", after)
	}
	if len(tr.deleted) != 1 || tr.deleted[0] != before.SessionFile {
		t.Errorf("old transcript not deleted: %v", tr.deleted)
	}
}
