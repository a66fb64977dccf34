package sqlite

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/store"
)

// SessionStore implements store.SessionStore on SQLite. The entry
// body is stored as JSON with a few extracted columns for listing.
// Hot entries are cached so tool loops avoid repeated reads.
type SessionStore struct {
	db    *sql.DB
	mu    sync.RWMutex // guards cache
	locks sync.Map     // session key -> *sync.Mutex
	cache map[string]*store.SessionEntry
	now   func() time.Time
}

func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{
		db:    db,
		cache: make(map[string]*store.SessionEntry),
		now:   time.Now,
	}
}

func (s *SessionStore) Get(key string) (store.SessionEntry, bool) {
	s.mu.RLock()
	if e, ok := s.cache[key]; ok {
		defer s.mu.RUnlock()
		return e.Clone(), true
	}
	s.mu.RUnlock()

	e := s.loadFromDB(key)
	if e == nil {
		return store.SessionEntry{}, false
	}

	s.mu.Lock()
	s.cache[key] = e
	s.mu.Unlock()
	return e.Clone(), true
}

func (s *SessionStore) Upsert(key string, fn func(*store.SessionEntry)) (store.SessionEntry, error) {
	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	var entry store.SessionEntry
	if cur, ok := s.Get(key); ok {
		entry = cur
	} else {
		entry = store.NewEntry(key, s.now())
	}

	if fn != nil {
		fn(&entry)
	}
	entry.Key = key
	entry.UpdatedAt = s.now()

	if err := s.persist(&entry); err != nil {
		return entry.Clone(), err
	}

	s.mu.Lock()
	stored := entry.Clone()
	s.cache[key] = &stored
	s.mu.Unlock()
	return entry.Clone(), nil
}

func (s *SessionStore) Delete(key string) error {
	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM sessions WHERE session_key = ?", key)
	return err
}

func (s *SessionStore) List(agentID string) []store.SessionInfo {
	var rows *sql.Rows
	var err error
	if agentID != "" {
		rows, err = s.db.Query(
			"SELECT session_key, session_id, model, created_at, updated_at FROM sessions WHERE session_key LIKE ? ORDER BY updated_at DESC",
			"agent:"+agentID+":%")
	} else {
		rows, err = s.db.Query(
			"SELECT session_key, session_id, model, created_at, updated_at FROM sessions ORDER BY updated_at DESC")
	}
	if err != nil {
		slog.Warn("session list query failed", "error", err)
		return nil
	}
	defer rows.Close()

	var result []store.SessionInfo
	for rows.Next() {
		var info store.SessionInfo
		var createdMs, updatedMs int64
		if err := rows.Scan(&info.Key, &info.SessionID, &info.Model, &createdMs, &updatedMs); err != nil {
			continue
		}
		info.Created = time.UnixMilli(createdMs).UTC()
		info.Updated = time.UnixMilli(updatedMs).UTC()
		result = append(result, info)
	}
	return result
}

func (s *SessionStore) ListPaged(opts store.SessionListOpts) store.SessionListResult {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	where := ""
	var whereArgs []any
	if opts.AgentID != "" {
		where = " WHERE session_key LIKE ?"
		whereArgs = append(whereArgs, "agent:"+opts.AgentID+":%")
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM sessions"+where, whereArgs...).Scan(&total); err != nil {
		return store.SessionListResult{Sessions: []store.SessionInfo{}, Total: 0}
	}

	args := append(append([]any{}, whereArgs...), limit, offset)
	rows, err := s.db.Query(
		"SELECT session_key, session_id, model, created_at, updated_at FROM sessions"+where+
			" ORDER BY updated_at DESC LIMIT ? OFFSET ?", args...)
	if err != nil {
		return store.SessionListResult{Sessions: []store.SessionInfo{}, Total: total}
	}
	defer rows.Close()

	result := []store.SessionInfo{}
	for rows.Next() {
		var info store.SessionInfo
		var createdMs, updatedMs int64
		if err := rows.Scan(&info.Key, &info.SessionID, &info.Model, &createdMs, &updatedMs); err != nil {
			continue
		}
		info.Created = time.UnixMilli(createdMs).UTC()
		info.Updated = time.UnixMilli(updatedMs).UTC()
		result = append(result, info)
	}
	return store.SessionListResult{Sessions: result, Total: total}
}

func (s *SessionStore) lockFor(key string) *sync.Mutex {
	if l, ok := s.locks.Load(key); ok {
		return l.(*sync.Mutex)
	}
	l, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func (s *SessionStore) persist(e *store.SessionEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO sessions (session_key, session_id, model, entry, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_key) DO UPDATE SET
			session_id = excluded.session_id,
			model      = excluded.model,
			entry      = excluded.entry,
			updated_at = excluded.updated_at`,
		e.Key, e.SessionID, e.Model, string(data), e.Created.UnixMilli(), e.UpdatedAt.UnixMilli())
	return err
}

func (s *SessionStore) loadFromDB(key string) *store.SessionEntry {
	var data string
	err := s.db.QueryRow("SELECT entry FROM sessions WHERE session_key = ?", key).Scan(&data)
	if err != nil {
		return nil
	}
	var e store.SessionEntry
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		slog.Warn("corrupt session entry", "key", key, "error", err)
		return nil
	}
	return &e
}
