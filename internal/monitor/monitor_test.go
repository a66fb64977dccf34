package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/fault"
	"github.com/nextlevelbuilder/clawgate/internal/store"
)

type memStateStore struct {
	mu     sync.Mutex
	states map[string]*store.MonitorState
	saves  int
}

func newMemStateStore() *memStateStore {
	return &memStateStore{states: make(map[string]*store.MonitorState)}
}

func (s *memStateStore) Load(accountID string) (*store.MonitorState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[accountID], nil
}

func (s *memStateStore) Save(accountID string, st *store.MonitorState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[accountID] = st
	s.saves++
	return nil
}

type dispatched struct {
	key   string
	event channels.Event
}

type recorder struct {
	mu   sync.Mutex
	got  []dispatched
	wake chan struct{}
}

func newRecorder() *recorder {
	return &recorder{wake: make(chan struct{}, 64)}
}

func (r *recorder) fn(ctx context.Context, key string, ev channels.Event) error {
	r.mu.Lock()
	r.got = append(r.got, dispatched{key: key, event: ev})
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

func (r *recorder) all() []dispatched {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dispatched(nil), r.got...)
}

// waitFor blocks until n dispatches were recorded or the deadline hits.
func (r *recorder) waitFor(t *testing.T, n int) []dispatched {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if got := r.all(); len(got) >= n {
			return got
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d dispatches, have %d", n, len(r.all()))
		case <-r.wake:
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func newTestMonitor(t *testing.T, fake *channels.Fake, rec *recorder, mutate func(*Config)) *Monitor {
	t.Helper()
	cfg := Config{
		AccountID: "acct1",
		AgentID:   "main",
		Adapter:   fake,
		States:    newMemStateStore(),
		Policy:    channels.AccessPolicy{DM: channels.DMPolicyOpen, Group: channels.GroupPolicyOpen},
		Dispatch:  rec.fn,
		Pending:   channels.NewPendingHistory(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m := New(cfg)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func dmEvent(id, room, sender, body string) channels.Event {
	return channels.Event{
		ChannelID: "fake", RoomID: room, EventID: id,
		SenderID: sender, SenderName: sender, Body: body,
	}
}

func TestMonitorDispatchesWithSessionKey(t *testing.T) {
	fake := channels.NewFake("fake")
	rec := newRecorder()
	newTestMonitor(t, fake, rec, nil)

	fake.Push(channels.Batch{Cursor: "1", Events: []channels.Event{
		dmEvent("e1", "42", "100|alice", "hello"),
	}})

	got := rec.waitFor(t, 1)
	if got[0].key != "agent:main:dm:fake:42" {
		t.Errorf("session key = %q", got[0].key)
	}
	if got[0].event.Body != "hello" {
		t.Errorf("body = %q", got[0].event.Body)
	}
}

func TestMonitorSkipsDuplicateEvents(t *testing.T) {
	fake := channels.NewFake("fake")
	rec := newRecorder()
	states := newMemStateStore()
	newTestMonitor(t, fake, rec, func(c *Config) { c.States = states })

	fake.Push(channels.Batch{Cursor: "1", Events: []channels.Event{
		dmEvent("dup", "42", "100|alice", "first"),
	}})
	rec.waitFor(t, 1)

	// Same event id delivered again, plus one fresh event.
	fake.Push(channels.Batch{Cursor: "2", Events: []channels.Event{
		dmEvent("dup", "42", "100|alice", "first again"),
		dmEvent("e2", "42", "100|alice", "second"),
	}})

	got := rec.waitFor(t, 2)
	if len(got) != 2 {
		t.Fatalf("dispatched %d events, want 2", len(got))
	}
	if got[1].event.Body != "second" {
		t.Errorf("second dispatch body = %q", got[1].event.Body)
	}

	states.mu.Lock()
	st := states.states["acct1"]
	states.mu.Unlock()
	if st == nil || st.Cursor != "2" {
		t.Fatalf("persisted state = %+v, want cursor 2", st)
	}
	found := false
	for _, id := range st.Dedup {
		if id == "dup" {
			found = true
		}
	}
	if !found {
		t.Error("dedup window not persisted with cursor")
	}
}

func TestMonitorRestoresCursorAndDedup(t *testing.T) {
	fake := channels.NewFake("fake")
	rec := newRecorder()
	states := newMemStateStore()
	states.states["acct1"] = &store.MonitorState{Cursor: "9", Dedup: []string{"old1"}}
	newTestMonitor(t, fake, rec, func(c *Config) { c.States = states })

	fake.Push(channels.Batch{Cursor: "10", Events: []channels.Event{
		dmEvent("old1", "42", "100|alice", "replayed"),
		dmEvent("new1", "42", "100|alice", "fresh"),
	}})

	got := rec.waitFor(t, 1)
	if len(got) != 1 || got[0].event.EventID != "new1" {
		t.Fatalf("dispatched = %+v, want only new1", got)
	}
}

func TestMonitorStartIsIdempotent(t *testing.T) {
	fake := channels.NewFake("fake")
	rec := newRecorder()
	m := newTestMonitor(t, fake, rec, nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if m.State() != StateRunning {
		t.Errorf("state = %s, want running", m.State())
	}
}

func TestMonitorCloseIsIdempotent(t *testing.T) {
	fake := channels.NewFake("fake")
	rec := newRecorder()
	m := newTestMonitor(t, fake, rec, nil)

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if m.State() != StateStopped {
		t.Errorf("state = %s, want stopped", m.State())
	}
}

func TestMonitorDropsDisallowedAndNoticeEvents(t *testing.T) {
	fake := channels.NewFake("fake")
	rec := newRecorder()
	newTestMonitor(t, fake, rec, func(c *Config) {
		c.Policy = channels.AccessPolicy{
			DM:        channels.DMPolicyAllowlist,
			AllowFrom: []string{"100"},
		}
	})

	notice := dmEvent("n1", "42", "100|alice", "automated")
	notice.Notice = true
	own := dmEvent("o1", "42", "100|alice", "self")
	own.IsOwnMessage = true
	fake.Push(channels.Batch{Cursor: "1", Events: []channels.Event{
		notice,
		own,
		dmEvent("s1", "42", "999|stranger", "let me in"),
		dmEvent("a1", "42", "100|alice", "allowed"),
	}})

	got := rec.waitFor(t, 1)
	if len(got) != 1 || got[0].event.EventID != "a1" {
		t.Fatalf("dispatched = %+v, want only a1", got)
	}
}

func TestMonitorBuffersUnaddressedGroupMessages(t *testing.T) {
	fake := channels.NewFake("fake")
	rec := newRecorder()
	newTestMonitor(t, fake, rec, nil)

	unaddressed := channels.Event{
		ChannelID: "fake", RoomID: "-9", EventID: "g1",
		SenderID: "100|alice", SenderName: "alice",
		Body: "talking amongst ourselves", Group: true,
	}
	addressed := channels.Event{
		ChannelID: "fake", RoomID: "-9", EventID: "g2",
		SenderID: "200|bob", SenderName: "bob",
		Body: "bot, summarize please", Group: true, Mentioned: true,
	}
	fake.Push(channels.Batch{Cursor: "1", Events: []channels.Event{unaddressed, addressed}})

	got := rec.waitFor(t, 1)
	if len(got) != 1 {
		t.Fatalf("dispatched %d, want 1", len(got))
	}
	if got[0].key != "agent:main:group:fake:-9" {
		t.Errorf("key = %q", got[0].key)
	}
	body := got[0].event.Body
	wantPrefix := "[Recent group messages]\nalice: talking amongst ourselves"
	if len(body) < len(wantPrefix) || body[:len(wantPrefix)] != wantPrefix {
		t.Errorf("body missing buffered context: %q", body)
	}
}

func TestMonitorTopicSessionKey(t *testing.T) {
	fake := channels.NewFake("fake")
	rec := newRecorder()
	newTestMonitor(t, fake, rec, nil)

	fake.Push(channels.Batch{Cursor: "1", Events: []channels.Event{{
		ChannelID: "fake", RoomID: "-100", ThreadID: "7", EventID: "t1",
		SenderID: "100|alice", SenderName: "alice",
		Body: "topic talk", Group: true, Mentioned: true,
	}}})

	got := rec.waitFor(t, 1)
	if got[0].key != "agent:main:group:fake:-100:topic:7" {
		t.Errorf("key = %q", got[0].key)
	}
}

type scriptedCrypto struct {
	mu       sync.Mutex
	failures int
	keyReqs  int
}

func (c *scriptedCrypto) Decrypt(ctx context.Context, ev channels.Event) (channels.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures > 0 {
		c.failures--
		return channels.Event{}, ErrUndecryptable
	}
	ev.Encrypted = false
	ev.Body = string(ev.Payload)
	return ev, nil
}

func (c *scriptedCrypto) RequestKeys(ctx context.Context, ev channels.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keyReqs++
	return nil
}

func (c *scriptedCrypto) Close() error { return nil }

func TestMonitorRetriesUndecryptableEvents(t *testing.T) {
	fake := channels.NewFake("fake")
	rec := newRecorder()
	crypto := &scriptedCrypto{failures: 1}
	newTestMonitor(t, fake, rec, func(c *Config) {
		c.Crypto = crypto
		c.UTDRetryWindow = time.Millisecond
	})

	enc := channels.Event{
		ChannelID: "fake", RoomID: "42", EventID: "enc1",
		SenderID: "100|alice", SenderName: "alice",
		Encrypted: true, Payload: []byte("secret hello"),
	}
	fake.Push(channels.Batch{Cursor: "1", Events: []channels.Event{enc}})
	// An unrelated later batch drives the retry pass.
	time.Sleep(20 * time.Millisecond)
	fake.Push(channels.Batch{Cursor: "2", Events: []channels.Event{
		dmEvent("plain1", "43", "100|alice", "plain"),
	}})

	got := rec.waitFor(t, 2)
	var decrypted *dispatched
	for i := range got {
		if got[i].event.EventID == "enc1" {
			decrypted = &got[i]
		}
	}
	if decrypted == nil {
		t.Fatal("undecryptable event never dispatched after retry")
	}
	if decrypted.event.Body != "secret hello" {
		t.Errorf("decrypted body = %q", decrypted.event.Body)
	}
}

func TestMonitorKeyBackupAfterRepeatedFailures(t *testing.T) {
	fake := channels.NewFake("fake")
	rec := newRecorder()
	crypto := &scriptedCrypto{failures: 10}
	newTestMonitor(t, fake, rec, func(c *Config) {
		c.Crypto = crypto
		c.UTDRetryWindow = time.Millisecond
	})

	enc := channels.Event{
		ChannelID: "fake", RoomID: "42", EventID: "enc1",
		SenderID: "100|alice", Encrypted: true, Payload: []byte("x"),
	}
	fake.Push(channels.Batch{Cursor: "1", Events: []channels.Event{enc}})
	for i := 0; i < 3; i++ {
		time.Sleep(10 * time.Millisecond)
		fake.Push(channels.Batch{Cursor: "2", Events: nil})
	}

	deadline := time.After(2 * time.Second)
	for {
		crypto.mu.Lock()
		reqs := crypto.keyReqs
		crypto.mu.Unlock()
		if reqs >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("key backup never consulted")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestMonitorSoftLogoutReauthsAndResumes(t *testing.T) {
	fake := channels.NewFake("fake")
	rec := newRecorder()
	newTestMonitor(t, fake, rec, nil)

	fake.FailPollWith(fault.New(fault.KindUnauthorized, "token revoked"))
	// Give the loop a beat to hit the failure and re-authenticate.
	time.Sleep(20 * time.Millisecond)
	fake.Push(channels.Batch{Cursor: "1", Events: []channels.Event{
		dmEvent("after", "42", "100|alice", "back online"),
	}})

	got := rec.waitFor(t, 1)
	if got[0].event.EventID != "after" {
		t.Fatalf("dispatched = %+v", got)
	}
}

func TestMonitorCloseDrainsRoomQueues(t *testing.T) {
	fake := channels.NewFake("fake")
	rec := newRecorder()
	m := newTestMonitor(t, fake, rec, nil)

	fake.Push(channels.Batch{Cursor: "1", Events: []channels.Event{
		dmEvent("e1", "42", "100|alice", "one"),
		dmEvent("e2", "42", "100|alice", "two"),
	}})
	rec.waitFor(t, 2)

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if m.State() != StateStopped {
		t.Errorf("state = %s", m.State())
	}
}

func TestDedupSetEvictsFIFO(t *testing.T) {
	d := newDedupSet(3, nil)
	for _, id := range []string{"a", "b", "c"} {
		if !d.Add(id) {
			t.Fatalf("Add(%s) reported duplicate", id)
		}
	}
	if d.Add("a") {
		t.Error("duplicate a admitted")
	}
	d.Add("d") // evicts a
	if !d.Has("d") || d.Has("a") {
		t.Errorf("eviction order wrong: has(d)=%v has(a)=%v", d.Has("d"), d.Has("a"))
	}
	snap := d.Snapshot()
	if len(snap) != 3 || snap[0] != "b" {
		t.Errorf("snapshot = %v", snap)
	}
}

func TestStripReplyFallback(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"no quote", "hello", "hello"},
		{"single quote line", "> earlier message\n\nmy reply", "my reply"},
		{"multi quote lines", "> line one\n> line two\n\nreply here", "reply here"},
		{"quote without blank", "> quoted\nreply", "reply"},
		{"only quote", "> nothing else", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripReplyFallback(tt.in); got != tt.want {
				t.Errorf("stripReplyFallback(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestUTDQueueExpiryAndEviction(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	q := newUTDQueue(2, time.Minute, time.Hour, clock)

	q.Push(channels.Event{EventID: "a"})
	q.Push(channels.Event{EventID: "b"})
	q.Push(channels.Event{EventID: "c"}) // evicts a
	if q.Len() != 2 {
		t.Fatalf("len = %d, want 2", q.Len())
	}

	due := q.Due()
	if len(due) != 2 || due[0].event.EventID != "b" {
		t.Fatalf("due = %d entries, first %q", len(due), due[0].event.EventID)
	}

	// Within the retry window nothing is due again.
	for _, e := range due {
		q.MarkRetry(e)
	}
	if got := q.Due(); len(got) != 0 {
		t.Errorf("due inside retry window = %d, want 0", len(got))
	}

	// Past the hard expiry everything is pruned.
	now = now.Add(2 * time.Hour)
	if got := q.Due(); len(got) != 0 {
		t.Errorf("due after expiry = %d, want 0", len(got))
	}
	if q.Len() != 0 {
		t.Errorf("len after expiry = %d, want 0", q.Len())
	}
}
