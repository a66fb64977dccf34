package pg

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawgate/internal/store"
)

// PGSessionStore implements store.SessionStore backed by Postgres.
// Hot entries are cached in memory so tool loops avoid repeated DB
// reads; every upsert writes through.
type PGSessionStore struct {
	db    *sql.DB
	mu    sync.RWMutex // guards cache
	locks sync.Map     // session key -> *sync.Mutex
	cache map[string]*store.SessionEntry
	now   func() time.Time
}

func NewPGSessionStore(db *sql.DB) *PGSessionStore {
	return &PGSessionStore{
		db:    db,
		cache: make(map[string]*store.SessionEntry),
		now:   time.Now,
	}
}

func (s *PGSessionStore) Get(key string) (store.SessionEntry, bool) {
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

func (s *PGSessionStore) Upsert(key string, fn func(*store.SessionEntry)) (store.SessionEntry, error) {
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

func (s *PGSessionStore) Delete(key string) error {
	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM sessions WHERE session_key = $1", key)
	return err
}

func (s *PGSessionStore) List(agentID string) []store.SessionInfo {
	var rows *sql.Rows
	var err error
	if agentID != "" {
		rows, err = s.db.Query(
			"SELECT session_key, session_id, model, created_at, updated_at FROM sessions WHERE session_key LIKE $1 ORDER BY updated_at DESC",
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
		var model *string
		if err := rows.Scan(&info.Key, &info.SessionID, &model, &info.Created, &info.Updated); err != nil {
			continue
		}
		info.Model = derefStr(model)
		result = append(result, info)
	}
	return result
}

func (s *PGSessionStore) ListPaged(opts store.SessionListOpts) store.SessionListResult {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	var total int
	var rows *sql.Rows
	var err error

	if opts.AgentID != "" {
		prefix := "agent:" + opts.AgentID + ":%"
		if err := s.db.QueryRow("SELECT COUNT(*) FROM sessions WHERE session_key LIKE $1", prefix).Scan(&total); err != nil {
			return store.SessionListResult{Sessions: []store.SessionInfo{}, Total: 0}
		}
		rows, err = s.db.Query(
			"SELECT session_key, session_id, model, created_at, updated_at FROM sessions WHERE session_key LIKE $1 ORDER BY updated_at DESC LIMIT $2 OFFSET $3",
			prefix, limit, offset)
	} else {
		if err := s.db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&total); err != nil {
			return store.SessionListResult{Sessions: []store.SessionInfo{}, Total: 0}
		}
		rows, err = s.db.Query(
			"SELECT session_key, session_id, model, created_at, updated_at FROM sessions ORDER BY updated_at DESC LIMIT $1 OFFSET $2",
			limit, offset)
	}
	if err != nil {
		return store.SessionListResult{Sessions: []store.SessionInfo{}, Total: total}
	}
	defer rows.Close()

	result := []store.SessionInfo{}
	for rows.Next() {
		var info store.SessionInfo
		var model *string
		if err := rows.Scan(&info.Key, &info.SessionID, &model, &info.Created, &info.Updated); err != nil {
			continue
		}
		info.Model = derefStr(model)
		result = append(result, info)
	}
	return store.SessionListResult{Sessions: result, Total: total}
}

func (s *PGSessionStore) lockFor(key string) *sync.Mutex {
	if l, ok := s.locks.Load(key); ok {
		return l.(*sync.Mutex)
	}
	l, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func (s *PGSessionStore) persist(e *store.SessionEntry) error {
	var blockerJSON []byte
	if e.BlockerInfo != nil {
		var err error
		blockerJSON, err = json.Marshal(e.BlockerInfo)
		if err != nil {
			return err
		}
	}

	_, err := s.db.Exec(`
		INSERT INTO sessions (
			id, session_key, session_id, session_file, resume_token,
			provider, model, thinking_level, context_tokens,
			system_sent, aborted_last_run, blocker_info, compaction_count,
			queue_mode, channel, input_tokens, output_tokens,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (session_key) DO UPDATE SET
			session_id       = EXCLUDED.session_id,
			session_file     = EXCLUDED.session_file,
			resume_token     = EXCLUDED.resume_token,
			provider         = EXCLUDED.provider,
			model            = EXCLUDED.model,
			thinking_level   = EXCLUDED.thinking_level,
			context_tokens   = EXCLUDED.context_tokens,
			system_sent      = EXCLUDED.system_sent,
			aborted_last_run = EXCLUDED.aborted_last_run,
			blocker_info     = EXCLUDED.blocker_info,
			compaction_count = EXCLUDED.compaction_count,
			queue_mode       = EXCLUDED.queue_mode,
			channel          = EXCLUDED.channel,
			input_tokens     = EXCLUDED.input_tokens,
			output_tokens    = EXCLUDED.output_tokens,
			updated_at       = EXCLUDED.updated_at`,
		uuid.Must(uuid.NewV7()), e.Key, e.SessionID, e.SessionFile, nilStr(e.ResumeToken),
		nilStr(e.Provider), nilStr(e.Model), nilStr(string(e.ThinkingLevel)), e.ContextTokens,
		e.SystemSent, e.AbortedLastRun, blockerJSON, e.CompactionCount,
		string(e.QueueMode), nilStr(e.Channel), e.InputTokens, e.OutputTokens,
		e.Created, e.UpdatedAt)
	return err
}

func (s *PGSessionStore) loadFromDB(key string) *store.SessionEntry {
	var e store.SessionEntry
	var resumeToken, provider, model, thinkingLevel, channel *string
	var queueMode string
	var blockerJSON []byte

	err := s.db.QueryRow(`
		SELECT session_key, session_id, session_file, resume_token,
		       provider, model, thinking_level, context_tokens,
		       system_sent, aborted_last_run, blocker_info, compaction_count,
		       queue_mode, channel, input_tokens, output_tokens,
		       created_at, updated_at
		FROM sessions WHERE session_key = $1`, key,
	).Scan(&e.Key, &e.SessionID, &e.SessionFile, &resumeToken,
		&provider, &model, &thinkingLevel, &e.ContextTokens,
		&e.SystemSent, &e.AbortedLastRun, &blockerJSON, &e.CompactionCount,
		&queueMode, &channel, &e.InputTokens, &e.OutputTokens,
		&e.Created, &e.UpdatedAt)
	if err != nil {
		return nil
	}

	e.ResumeToken = derefStr(resumeToken)
	e.Provider = derefStr(provider)
	e.Model = derefStr(model)
	e.ThinkingLevel = store.ThinkingLevel(derefStr(thinkingLevel))
	e.QueueMode = store.QueueMode(queueMode)
	e.Channel = derefStr(channel)
	if len(blockerJSON) > 0 {
		var bi store.BlockerInfo
		if err := json.Unmarshal(blockerJSON, &bi); err == nil {
			e.BlockerInfo = &bi
		}
	}
	return &e
}
