// Package sessions — session key builder and parser, plus the
// file-backed entry manager.
//
// Session keys follow the canonical format:
//
//	agent:{agentId}:{scope}:{conversationId}
//
// Where {scope} is one of dm, group, cron, subagent and
// {conversationId} identifies the conversation within that scope.
// Conversation ids may themselves contain colons (channel-qualified
// ids like "telegram:42"), so parsers split on the first three
// separators only.
//
// Examples:
//
//	agent:main:dm:telegram:386246614
//	agent:main:group:discord:9815551
//	agent:main:group:telegram:-100123456:topic:99
//	agent:main:subagent:research-task
//	agent:main:cron:morning-brief
package sessions

import (
	"fmt"
	"strings"
)

// Scope classifies what kind of conversation a session key addresses.
type Scope string

const (
	ScopeDM       Scope = "dm"
	ScopeGroup    Scope = "group"
	ScopeCron     Scope = "cron"
	ScopeSubagent Scope = "subagent"
)

// BuildKey builds the canonical session key.
func BuildKey(agentID string, scope Scope, conversationID string) string {
	return fmt.Sprintf("agent:%s:%s:%s", agentID, scope, conversationID)
}

// BuildChannelKey builds a dm or group session key for a channel
// conversation, qualifying the chat id with the channel name.
func BuildChannelKey(agentID string, scope Scope, channel, chatID string) string {
	return BuildKey(agentID, scope, channel+":"+chatID)
}

// BuildTopicKey builds a group session key for a forum topic, so each
// topic gets its own conversation.
func BuildTopicKey(agentID, channel, chatID string, topicID int) string {
	return BuildKey(agentID, ScopeGroup, fmt.Sprintf("%s:%s:topic:%d", channel, chatID, topicID))
}

// BuildSubagentKey builds the session key for a spawned subagent.
func BuildSubagentKey(agentID, label string) string {
	return BuildKey(agentID, ScopeSubagent, label)
}

// BuildCronKey builds the session key for a scheduled job. Guards
// against double-prefixing when the job id is already a full key.
func BuildCronKey(agentID, jobID string) string {
	if k, err := ParseKey(jobID); err == nil && k.Scope == ScopeCron {
		jobID = k.ConversationID
	}
	return BuildKey(agentID, ScopeCron, jobID)
}

// Key is a parsed session key.
type Key struct {
	AgentID        string
	Scope          Scope
	ConversationID string
}

// String reassembles the canonical form.
func (k Key) String() string {
	return BuildKey(k.AgentID, k.Scope, k.ConversationID)
}

// ParseKey splits a canonical session key into its parts. The
// conversation id keeps any embedded colons.
func ParseKey(key string) (Key, error) {
	parts := strings.SplitN(key, ":", 4)
	if len(parts) != 4 || parts[0] != "agent" {
		return Key{}, fmt.Errorf("malformed session key %q", key)
	}
	scope := Scope(parts[2])
	switch scope {
	case ScopeDM, ScopeGroup, ScopeCron, ScopeSubagent:
	default:
		return Key{}, fmt.Errorf("session key %q: unknown scope %q", key, parts[2])
	}
	if parts[1] == "" || parts[3] == "" {
		return Key{}, fmt.Errorf("session key %q: empty agent or conversation", key)
	}
	return Key{AgentID: parts[1], Scope: scope, ConversationID: parts[3]}, nil
}

// AgentOf extracts the agent id, or "" for a malformed key.
func AgentOf(key string) string {
	k, err := ParseKey(key)
	if err != nil {
		return ""
	}
	return k.AgentID
}

// ScopeOf extracts the scope, or "" for a malformed key.
func ScopeOf(key string) Scope {
	k, err := ParseKey(key)
	if err != nil {
		return ""
	}
	return k.Scope
}

// IsInteractive reports whether the key belongs to a live chat
// conversation rather than a cron or subagent session.
func IsInteractive(key string) bool {
	s := ScopeOf(key)
	return s == ScopeDM || s == ScopeGroup
}

// ScopeFromGroup returns ScopeGroup for group chats, ScopeDM otherwise.
func ScopeFromGroup(isGroup bool) Scope {
	if isGroup {
		return ScopeGroup
	}
	return ScopeDM
}
