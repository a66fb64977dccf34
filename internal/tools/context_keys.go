package tools

import "context"

// Tool execution context keys.
// These replace mutable setter fields on tool instances, making tools
// thread-safe for concurrent execution. Values are injected into the
// context by the coordinator and read by individual tools during
// Execute().

type toolContextKey string

const (
	ctxChannel    toolContextKey = "tool_channel"
	ctxChatID     toolContextKey = "tool_chat_id"
	ctxPeerKind   toolContextKey = "tool_peer_kind"
	ctxSessionKey toolContextKey = "tool_session_key"
	ctxAgentID    toolContextKey = "tool_agent_id"
	ctxRunControl toolContextKey = "tool_run_control"
)

func WithToolChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, ctxChannel, channel)
}

func ToolChannelFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxChannel).(string)
	return v
}

func WithToolChatID(ctx context.Context, chatID string) context.Context {
	return context.WithValue(ctx, ctxChatID, chatID)
}

func ToolChatIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxChatID).(string)
	return v
}

func WithToolPeerKind(ctx context.Context, peerKind string) context.Context {
	return context.WithValue(ctx, ctxPeerKind, peerKind)
}

func ToolPeerKindFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxPeerKind).(string)
	return v
}

func WithToolSessionKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, ctxSessionKey, key)
}

func ToolSessionKeyFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxSessionKey).(string)
	return v
}

func WithToolAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, ctxAgentID, agentID)
}

func ToolAgentIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxAgentID).(string)
	return v
}

// RunControl is the interactive surface a tool sees of its enclosing
// run. Implemented by the coordinator's run state.
type RunControl interface {
	// AskUser parks the run in waiting_for_input with the given
	// question and blocks until the user's answer arrives as a steered
	// turn, or ctx is cancelled.
	AskUser(ctx context.Context, question string) (string, error)
}

func WithRunControl(ctx context.Context, rc RunControl) context.Context {
	return context.WithValue(ctx, ctxRunControl, rc)
}

func RunControlFromCtx(ctx context.Context) RunControl {
	v, _ := ctx.Value(ctxRunControl).(RunControl)
	return v
}
