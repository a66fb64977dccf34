package store

import (
	"time"

	"github.com/google/uuid"
)

// ThinkingLevel controls how much reasoning budget a run requests.
type ThinkingLevel string

const (
	ThinkingOff    ThinkingLevel = "off"
	ThinkingLow    ThinkingLevel = "low"
	ThinkingMedium ThinkingLevel = "medium"
	ThinkingHigh   ThinkingLevel = "high"
)

// QueueMode decides what happens to a message arriving while a run is active.
type QueueMode string

const (
	QueueEnqueue QueueMode = "enqueue" // append behind the active run, process in order
	QueueSteer   QueueMode = "steer"   // inject into the active run as a follow-up turn
	QueueDrop    QueueMode = "drop"    // discard while a run is active
)

// BlockerInfo records why a run stopped on an external blocker.
type BlockerInfo struct {
	Reason           string            `json:"reason"`
	MatchedPatterns  []string          `json:"matchedPatterns"`
	ExtractedContext map[string]string `json:"extractedContext,omitempty"`
}

// SessionEntry is the persisted record for one session key.
// The transcript itself lives in a separate file addressed by SessionFile;
// the entry and the transcript are only ever advanced together.
type SessionEntry struct {
	Key         string `json:"key"`
	SessionID   string `json:"sessionId"`
	SessionFile string `json:"sessionFile"`
	ResumeToken string `json:"resumeToken,omitempty"`

	Provider      string        `json:"provider,omitempty"`
	Model         string        `json:"model,omitempty"`
	ThinkingLevel ThinkingLevel `json:"thinkingLevel,omitempty"`
	ContextTokens int           `json:"contextTokens,omitempty"`

	Created   time.Time `json:"created"`
	UpdatedAt time.Time `json:"updatedAt"`

	SystemSent     bool `json:"systemSent,omitempty"`
	AbortedLastRun bool `json:"abortedLastRun,omitempty"`

	BlockerInfo     *BlockerInfo `json:"blockerInfo,omitempty"`
	CompactionCount int          `json:"compactionCount,omitempty"`
	QueueMode       QueueMode    `json:"queueMode,omitempty"`

	Channel      string `json:"channel,omitempty"`
	InputTokens  int64  `json:"inputTokens,omitempty"`
	OutputTokens int64  `json:"outputTokens,omitempty"`
}

// NewEntry creates a fresh entry for a key with a newly allocated
// transcript identity.
func NewEntry(key string, now time.Time) SessionEntry {
	sid := uuid.NewString()
	return SessionEntry{
		Key:         key,
		SessionID:   sid,
		SessionFile: sid + ".jsonl",
		Created:     now,
		UpdatedAt:   now,
		QueueMode:   QueueEnqueue,
	}
}

// RotateSession gives the entry a new transcript identity, used when a
// session is reset after a failed compaction or a corrupt transcript.
// CompactionCount and blocker state start over; usage accumulators and
// model settings are kept.
func (e *SessionEntry) RotateSession() {
	sid := uuid.NewString()
	e.SessionID = sid
	e.SessionFile = sid + ".jsonl"
	e.ResumeToken = ""
	e.SystemSent = false
	e.AbortedLastRun = false
	e.BlockerInfo = nil
	e.CompactionCount = 0
}

// Clone returns a deep copy safe to hand to readers.
func (e SessionEntry) Clone() SessionEntry {
	out := e
	if e.BlockerInfo != nil {
		bi := *e.BlockerInfo
		bi.MatchedPatterns = append([]string(nil), e.BlockerInfo.MatchedPatterns...)
		if e.BlockerInfo.ExtractedContext != nil {
			bi.ExtractedContext = make(map[string]string, len(e.BlockerInfo.ExtractedContext))
			for k, v := range e.BlockerInfo.ExtractedContext {
				bi.ExtractedContext[k] = v
			}
		}
		out.BlockerInfo = &bi
	}
	return out
}

// SessionInfo is lightweight session metadata for listing.
type SessionInfo struct {
	Key       string    `json:"key"`
	SessionID string    `json:"sessionId"`
	Model     string    `json:"model,omitempty"`
	Created   time.Time `json:"created"`
	Updated   time.Time `json:"updated"`
}

// SessionListOpts holds pagination options for ListPaged.
type SessionListOpts struct {
	AgentID string
	Limit   int
	Offset  int
}

// SessionListResult is the paginated result of ListPaged.
type SessionListResult struct {
	Sessions []SessionInfo `json:"sessions"`
	Total    int           `json:"total"`
}

// SessionStore persists session entries. Get returns a snapshot;
// Upsert runs the mutator on the current entry (creating one if absent)
// under a per-key write lock and persists the result before returning.
type SessionStore interface {
	Get(key string) (SessionEntry, bool)
	Upsert(key string, fn func(*SessionEntry)) (SessionEntry, error)
	Delete(key string) error
	List(agentID string) []SessionInfo
	ListPaged(opts SessionListOpts) SessionListResult
}
