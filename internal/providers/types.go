package providers

import "context"

// Provider is the streaming LLM client the coordinator drives. One
// implementation per upstream API.
type Provider interface {
	// Stream sends the conversation and streams typed events via
	// onEvent until the turn ends. The returned result carries the
	// assembled assistant turn. Stream honors ctx cancellation at
	// chunk granularity.
	Stream(ctx context.Context, req StreamRequest, onEvent func(StreamEvent)) (*StreamResult, error)

	// DefaultModel returns the provider's default model name.
	DefaultModel() string

	// Name returns the provider identifier (e.g. "anthropic").
	Name() string
}

// StreamRequest is the input for one streaming call.
type StreamRequest struct {
	Messages      []Message        `json:"messages"`
	Tools         []ToolDefinition `json:"tools,omitempty"`
	SystemPrompt  string           `json:"system_prompt,omitempty"`
	Model         string           `json:"model,omitempty"`
	ThinkingLevel string           `json:"thinking_level,omitempty"` // off|low|medium|high
	MaxTokens     int              `json:"max_tokens,omitempty"`
	Temperature   *float64         `json:"temperature,omitempty"`
}

// StreamEventKind discriminates StreamEvent payloads.
type StreamEventKind string

const (
	StreamAssistantText StreamEventKind = "assistant_text"
	StreamToolCall      StreamEventKind = "tool_call"
	StreamToolResult    StreamEventKind = "tool_result"
	StreamEnd           StreamEventKind = "end"
	StreamError         StreamEventKind = "error"
)

// StreamEvent is one element of the event stream.
type StreamEvent struct {
	Kind StreamEventKind

	Text string // assistant_text

	ToolCall *ToolCall // tool_call

	// tool_result (echoed back into the stream by the coordinator)
	ToolResultID string
	ToolOutput   string
	IsError      bool

	Usage *Usage // end
	Err   error  // error
}

// StreamResult is the assembled assistant turn after the stream ends.
type StreamResult struct {
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	StopReason string     `json:"stop_reason"` // "stop", "tool_calls", "length"
	Usage      *Usage     `json:"usage,omitempty"`
}

// Message is one conversation turn.
type Message struct {
	Role       string         `json:"role"` // "system", "user", "assistant", "tool"
	Content    string         `json:"content"`
	Images     []ImageContent `json:"images,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"` // for role="tool" results
	IsError    bool           `json:"is_error,omitempty"`     // tool result errored
}

// ImageContent is a base64-encoded image for vision-capable models.
type ImageContent struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage tracks token consumption for one call.
type Usage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// Add accumulates another usage block in place.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	u.CacheCreationTokens += other.CacheCreationTokens
	u.CacheReadTokens += other.CacheReadTokens
}
