package protocol

// Lifecycle event names emitted on the message bus and re-broadcast to
// WebSocket observers. Observer-only: nothing in the core depends on
// their delivery for correctness.
const (
	EventSessionStart     = "session:start"
	EventSessionReset     = "session:reset"
	EventSessionCompacted = "session:compacted"
	EventAgentReply       = "agent:reply"
	EventRunBlocked       = "run:blocked"

	EventAgent    = "agent"
	EventChat     = "chat"
	EventHealth   = "health"
	EventCron     = "cron"
	EventShutdown = "shutdown"
)

// Agent event subtypes (in payload.type).
const (
	AgentEventRunStarted   = "run.started"
	AgentEventRunCompleted = "run.completed"
	AgentEventRunFailed    = "run.failed"
	AgentEventRunBlocked   = "run.blocked"
	AgentEventSteered      = "run.steered"
	AgentEventToolCall     = "tool.call"
	AgentEventToolResult   = "tool.result"
)

// Chat event subtypes (in payload.type).
const (
	ChatEventChunk   = "chunk"
	ChatEventMessage = "message"
)

// SessionStartPayload accompanies EventSessionStart.
type SessionStartPayload struct {
	SessionKey string `json:"session_key"`
	SessionID  string `json:"session_id"`
}

// SessionResetPayload accompanies EventSessionReset.
type SessionResetPayload struct {
	SessionKey string `json:"session_key"`
	Reason     string `json:"reason"`
	OldID      string `json:"old_id,omitempty"`
	NewID      string `json:"new_id,omitempty"`
}

// SessionCompactedPayload accompanies EventSessionCompacted.
type SessionCompactedPayload struct {
	SessionKey string `json:"session_key"`
	Count      int    `json:"count"`
}

// AgentReplyPayload accompanies EventAgentReply.
type AgentReplyPayload struct {
	SessionKey string `json:"session_key"`
	RunID      string `json:"run_id"`
	TurnID     string `json:"turn_id"`
	Input      string `json:"input"`
	Output     string `json:"output"`
}

// RunBlockedPayload accompanies EventRunBlocked.
type RunBlockedPayload struct {
	SessionKey string            `json:"session_key"`
	RunID      string            `json:"run_id"`
	Reason     string            `json:"reason"`
	Patterns   []string          `json:"patterns,omitempty"`
	Context    map[string]string `json:"context,omitempty"`
}
