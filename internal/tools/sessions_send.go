package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/store"
)

// ============================================================
// sessions_send
// ============================================================

// SessionsSendTool injects a message into another session through the
// inbound bus, so it goes through the same routing and scheduling as a
// channel message.
type SessionsSendTool struct {
	sessions store.SessionStore
	msgBus   *bus.MessageBus
}

func NewSessionsSendTool(s store.SessionStore, b *bus.MessageBus) *SessionsSendTool {
	return &SessionsSendTool{sessions: s, msgBus: b}
}

func (t *SessionsSendTool) Name() string { return "sessions_send" }
func (t *SessionsSendTool) Description() string {
	return "Send a message into another session owned by this agent."
}

func (t *SessionsSendTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_key": map[string]interface{}{
				"type":        "string",
				"description": "Target session key",
			},
			"message": map[string]interface{}{
				"type":        "string",
				"description": "Message to send",
			},
		},
		"required": []string{"session_key", "message"},
	}
}

func (t *SessionsSendTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.sessions == nil {
		return ErrorResult("session store not available")
	}
	if t.msgBus == nil {
		return ErrorResult("message bus not available")
	}

	sessionKey, _ := args["session_key"].(string)
	message, _ := args["message"].(string)

	if message == "" {
		return ErrorResult("message is required")
	}
	if sessionKey == "" {
		return ErrorResult("session_key is required")
	}

	// A session belongs to exactly one agent; refuse cross-agent sends.
	agentID := ToolAgentIDFromCtx(ctx)
	if agentID != "" && !strings.HasPrefix(sessionKey, "agent:"+agentID+":") {
		return ErrorResult("access denied: target session belongs to a different agent")
	}
	if _, ok := t.sessions.Get(sessionKey); !ok {
		return ErrorResult(fmt.Sprintf("no session found for %s", sessionKey))
	}

	t.msgBus.PublishInbound(bus.InboundMessage{
		Channel:  "system",
		SenderID: "sessions_send",
		ChatID:   sessionKey,
		Content:  message,
		AgentID:  agentID,
	})

	return SilentResult(fmt.Sprintf(`{"status":"accepted","session_key":"%s"}`, sessionKey))
}
