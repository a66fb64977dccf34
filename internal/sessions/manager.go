package sessions

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/store"
)

// Manager is the file-backed session entry store. Entries live in
// memory and are written through to one JSON file per key on every
// upsert. Mutations run under a per-key write lock; readers get
// snapshots.
type Manager struct {
	entries map[string]*store.SessionEntry
	mu      sync.RWMutex // guards the entries map
	locks   sync.Map     // session key -> *sync.Mutex
	storage string
	now     func() time.Time
}

func NewManager(storage string) *Manager {
	m := &Manager{
		entries: make(map[string]*store.SessionEntry),
		storage: storage,
		now:     time.Now,
	}
	if storage != "" {
		os.MkdirAll(storage, 0755)
		m.loadAll()
	}
	return m
}

// Get returns a snapshot of the entry for a key.
func (m *Manager) Get(key string) (store.SessionEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok {
		return store.SessionEntry{}, false
	}
	return e.Clone(), true
}

// Upsert runs fn on the current entry for key, creating a fresh entry
// if none exists, and persists the result before returning. The whole
// read-modify-write-persist sequence holds the per-key write lock.
func (m *Manager) Upsert(key string, fn func(*store.SessionEntry)) (store.SessionEntry, error) {
	lock := m.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	cur, ok := m.entries[key]
	m.mu.RUnlock()

	var entry store.SessionEntry
	if ok {
		entry = cur.Clone()
	} else {
		entry = store.NewEntry(key, m.now())
	}

	if fn != nil {
		fn(&entry)
	}
	entry.Key = key
	entry.UpdatedAt = m.now()

	m.mu.Lock()
	m.entries[key] = &entry
	m.mu.Unlock()

	if err := m.save(&entry); err != nil {
		return entry.Clone(), fmt.Errorf("persist session %s: %w", key, err)
	}
	return entry.Clone(), nil
}

// Delete removes an entry and its backing file.
func (m *Manager) Delete(key string) error {
	lock := m.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()

	if m.storage != "" {
		filename := sanitizeFilename(key) + ".json"
		path := filepath.Join(m.storage, filename)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// List returns metadata for all entries, optionally filtered by agent ID.
func (m *Manager) List(agentID string) []store.SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prefix := ""
	if agentID != "" {
		prefix = "agent:" + agentID + ":"
	}

	var result []store.SessionInfo
	for key, e := range m.entries {
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		result = append(result, store.SessionInfo{
			Key:       key,
			SessionID: e.SessionID,
			Model:     e.Model,
			Created:   e.Created,
			Updated:   e.UpdatedAt,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Updated.After(result[j].Updated) })
	return result
}

// ListPaged returns a page of entries ordered by most recent update.
func (m *Manager) ListPaged(opts store.SessionListOpts) store.SessionListResult {
	all := m.List(opts.AgentID)
	total := len(all)

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	return store.SessionListResult{
		Sessions: all[start:end],
		Total:    total,
	}
}

// LastUsedChannel finds the most recently updated chat session for an
// agent and extracts channel + chatID from the conversation id.
// Returns ("", "") if none found. Used to resolve a cron delivery
// target of "last".
func (m *Manager) LastUsedChannel(agentID string) (channel, chatID string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var bestKey string
	var bestUpdated time.Time

	for key, e := range m.entries {
		if !IsInteractive(key) || AgentOf(key) != agentID {
			continue
		}
		if e.UpdatedAt.After(bestUpdated) {
			bestUpdated = e.UpdatedAt
			bestKey = key
		}
	}
	if bestKey == "" {
		return "", ""
	}

	k, err := ParseKey(bestKey)
	if err != nil {
		return "", ""
	}
	// Conversation ids for chat scopes are channel-qualified: {channel}:{chatId}
	parts := strings.SplitN(k.ConversationID, ":", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}

func (m *Manager) lockFor(key string) *sync.Mutex {
	if l, ok := m.locks.Load(key); ok {
		return l.(*sync.Mutex)
	}
	l, _ := m.locks.LoadOrStore(key, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// save persists one entry to disk atomically.
func (m *Manager) save(e *store.SessionEntry) error {
	if m.storage == "" {
		return nil
	}

	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}

	filename := sanitizeFilename(e.Key)
	if filename == "." || !filepath.IsLocal(filename) || strings.ContainsAny(filename, `/\`) {
		return os.ErrInvalid
	}

	sessionPath := filepath.Join(m.storage, filename+".json")

	// Atomic write: temp file → rename
	tmpFile, err := os.CreateTemp(m.storage, "session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, sessionPath); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (m *Manager) loadAll() {
	files, err := os.ReadDir(m.storage)
	if err != nil {
		return
	}

	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(m.storage, f.Name()))
		if err != nil {
			continue
		}

		var e store.SessionEntry
		if err := json.Unmarshal(data, &e); err != nil || e.Key == "" {
			slog.Warn("skipping unreadable session file", "file", f.Name())
			continue
		}

		m.entries[e.Key] = &e
	}
}

func sanitizeFilename(key string) string {
	return strings.ReplaceAll(key, ":", "_")
}

// ResetEntry rotates the session identity for a key: the old
// transcript is best-effort deleted first, then the rotated entry is
// committed through the per-key write lock. Works over any backend
// pair.
func ResetEntry(st store.SessionStore, tr store.TranscriptStore, key string) (store.SessionEntry, error) {
	if old, ok := st.Get(key); ok && old.SessionFile != "" && tr != nil {
		if err := tr.Delete(old.SessionFile); err != nil {
			slog.Warn("could not delete old transcript", "session", key, "file", old.SessionFile, "error", err)
		}
	}
	return st.Upsert(key, func(e *store.SessionEntry) {
		e.RotateSession()
	})
}
