package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/store"
)

// ============================================================
// sessions_list
// ============================================================

type SessionsListTool struct {
	sessions store.SessionStore
}

func NewSessionsListTool(s store.SessionStore) *SessionsListTool {
	return &SessionsListTool{sessions: s}
}

func (t *SessionsListTool) Name() string { return "sessions_list" }
func (t *SessionsListTool) Description() string {
	return "List sessions for this agent with optional filters."
}

func (t *SessionsListTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"limit": map[string]interface{}{
				"type":        "number",
				"description": "Max sessions to return (default 20)",
			},
			"active_minutes": map[string]interface{}{
				"type":        "number",
				"description": "Only show sessions active in the last N minutes",
			},
		},
	}
}

func (t *SessionsListTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.sessions == nil {
		return ErrorResult("session store not available")
	}

	limit := 20
	if v, ok := args["limit"].(float64); ok && int(v) > 0 {
		limit = int(v)
	}

	var activeMinutes int
	if v, ok := args["active_minutes"].(float64); ok && int(v) > 0 {
		activeMinutes = int(v)
	}

	sessions := t.sessions.List(ToolAgentIDFromCtx(ctx))

	if activeMinutes > 0 {
		cutoff := time.Now().Add(-time.Duration(activeMinutes) * time.Minute)
		var filtered []store.SessionInfo
		for _, s := range sessions {
			if s.Updated.After(cutoff) {
				filtered = append(filtered, s)
			}
		}
		sessions = filtered
	}

	if len(sessions) > limit {
		sessions = sessions[:limit]
	}

	type sessionEntry struct {
		Key     string `json:"key"`
		Model   string `json:"model,omitempty"`
		Updated string `json:"updated"`
	}

	entries := make([]sessionEntry, 0, len(sessions))
	for _, s := range sessions {
		entries = append(entries, sessionEntry{
			Key:     s.Key,
			Model:   s.Model,
			Updated: s.Updated.Format(time.RFC3339),
		})
	}

	out, _ := json.Marshal(map[string]interface{}{
		"count":    len(entries),
		"sessions": entries,
	})
	return SilentResult(string(out))
}

// ============================================================
// session_status
// ============================================================

type SessionStatusTool struct {
	sessions store.SessionStore
}

func NewSessionStatusTool(s store.SessionStore) *SessionStatusTool {
	return &SessionStatusTool{sessions: s}
}

func (t *SessionStatusTool) Name() string { return "session_status" }
func (t *SessionStatusTool) Description() string {
	return "Show session status: model, tokens, compaction count, channel, last update."
}

func (t *SessionStatusTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_key": map[string]interface{}{
				"type":        "string",
				"description": "Session key to inspect (default: current session)",
			},
		},
	}
}

func (t *SessionStatusTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.sessions == nil {
		return ErrorResult("session store not available")
	}

	sessionKey, _ := args["session_key"].(string)
	if sessionKey == "" {
		sessionKey = ToolSessionKeyFromCtx(ctx)
	}
	if sessionKey == "" {
		return ErrorResult("session_key is required (could not detect current session)")
	}

	// A session belongs to exactly one agent; refuse cross-agent reads.
	agentID := ToolAgentIDFromCtx(ctx)
	if agentID != "" && !strings.HasPrefix(sessionKey, "agent:"+agentID+":") {
		return ErrorResult("access denied: session belongs to a different agent")
	}

	entry, ok := t.sessions.Get(sessionKey)
	if !ok {
		return ErrorResult(fmt.Sprintf("no session found for %s", sessionKey))
	}

	var lines []string
	lines = append(lines, fmt.Sprintf("Session: %s", entry.Key))
	if entry.Model != "" {
		lines = append(lines, fmt.Sprintf("Model: %s", entry.Model))
	}
	if entry.Provider != "" {
		lines = append(lines, fmt.Sprintf("Provider: %s", entry.Provider))
	}
	if entry.Channel != "" {
		lines = append(lines, fmt.Sprintf("Channel: %s", entry.Channel))
	}
	lines = append(lines, fmt.Sprintf("Tokens: %d input / %d output", entry.InputTokens, entry.OutputTokens))
	lines = append(lines, fmt.Sprintf("Compactions: %d", entry.CompactionCount))
	if entry.BlockerInfo != nil {
		lines = append(lines, fmt.Sprintf("Blocked: %s", entry.BlockerInfo.Reason))
	}
	lines = append(lines, fmt.Sprintf("Updated: %s", entry.UpdatedAt.Format(time.RFC3339)))

	return SilentResult(strings.Join(lines, "\n"))
}
