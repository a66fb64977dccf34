package providers

import (
	"strings"
	"testing"
)

const openAIToolCallSSE = `data: {"choices":[{"delta":{"content":"Let me check "},"finish_reason":null}]}

data: {"choices":[{"delta":{"content":"that."},"finish_reason":null}]}

data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_7f","function":{"name":"get_balance","arguments":""}}]},"finish_reason":null}]}

data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"wallet\":"}}]},"finish_reason":null}]}

data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"main\"}"}}]},"finish_reason":null}]}

data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}

data: {"choices":[],"usage":{"prompt_tokens":90,"completion_tokens":30}}

data: [DONE]
`

func TestOpenAIParseStreamToolCall(t *testing.T) {
	p := NewOpenAIProvider("openai", "key", "", "gpt-4o")

	var events []StreamEvent
	result, err := p.parseStream(strings.NewReader(openAIToolCallSSE), func(ev StreamEvent) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatalf("parseStream() error = %v", err)
	}

	if result.Content != "Let me check that." {
		t.Errorf("Content = %q, want %q", result.Content, "Let me check that.")
	}
	if result.StopReason != "tool_calls" {
		t.Errorf("StopReason = %q, want %q", result.StopReason, "tool_calls")
	}
	if len(result.ToolCalls) != 1 {
		t.Fatalf("len(ToolCalls) = %d, want 1", len(result.ToolCalls))
	}
	tc := result.ToolCalls[0]
	if tc.ID != "call_7f" || tc.Name != "get_balance" {
		t.Errorf("tool call = %q/%q, want call_7f/get_balance", tc.ID, tc.Name)
	}
	if tc.Arguments["wallet"] != "main" {
		t.Errorf("Arguments[wallet] = %v, want main", tc.Arguments["wallet"])
	}
	if result.Usage == nil || result.Usage.PromptTokens != 90 || result.Usage.CompletionTokens != 30 {
		t.Errorf("Usage = %+v, want 90/30", result.Usage)
	}

	var kinds []StreamEventKind
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	want := []StreamEventKind{StreamAssistantText, StreamAssistantText, StreamToolCall, StreamEnd}
	if len(kinds) != len(want) {
		t.Fatalf("event kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event[%d] = %v, want %v", i, kinds[i], want[i])
		}
	}
}

func TestOpenAIParseStreamPlainText(t *testing.T) {
	sse := `data: {"choices":[{"delta":{"content":"hello"},"finish_reason":null}]}

data: {"choices":[{"delta":{},"finish_reason":"stop"}]}

data: [DONE]
`
	p := NewOpenAIProvider("groq", "key", "https://api.groq.com/openai/v1", "llama-3.3-70b")
	result, err := p.parseStream(strings.NewReader(sse), nil)
	if err != nil {
		t.Fatalf("parseStream() error = %v", err)
	}
	if result.Content != "hello" {
		t.Errorf("Content = %q, want hello", result.Content)
	}
	if result.StopReason != "stop" {
		t.Errorf("StopReason = %q, want stop", result.StopReason)
	}
	if len(result.ToolCalls) != 0 {
		t.Errorf("len(ToolCalls) = %d, want 0", len(result.ToolCalls))
	}
}

func TestOpenAIBuildRequestBodyToolCycle(t *testing.T) {
	p := NewOpenAIProvider("openai", "key", "", "gpt-4o")
	req := StreamRequest{
		SystemPrompt: "be brief",
		Messages: []Message{
			{Role: "user", Content: "balance?"},
			{Role: "assistant", ToolCalls: []ToolCall{{ID: "call_7f", Name: "get_balance", Arguments: map[string]any{"wallet": "main"}}}},
			{Role: "tool", ToolCallID: "call_7f", Content: "12.5 SOL"},
		},
		Tools: []ToolDefinition{{Name: "get_balance", Description: "read balance", Parameters: map[string]any{"type": "object"}}},
	}

	body := p.buildRequestBody("gpt-4o", req)
	messages, ok := body["messages"].([]map[string]any)
	if !ok || len(messages) != 4 {
		t.Fatalf("messages = %v, want 4 entries", body["messages"])
	}
	if messages[0]["role"] != "system" {
		t.Errorf("messages[0] role = %v, want system", messages[0]["role"])
	}
	if messages[2]["tool_calls"] == nil {
		t.Errorf("assistant message missing tool_calls")
	}
	if messages[3]["tool_call_id"] != "call_7f" {
		t.Errorf("tool message tool_call_id = %v, want call_7f", messages[3]["tool_call_id"])
	}
	if body["stream"] != true {
		t.Errorf("stream = %v, want true", body["stream"])
	}
	tools, ok := body["tools"].([]map[string]any)
	if !ok || len(tools) != 1 {
		t.Fatalf("tools = %v, want 1 entry", body["tools"])
	}
}

func TestOpenAIBaseURLDefaults(t *testing.T) {
	p := NewOpenAIProvider("openai", "key", "", "gpt-4o")
	if p.apiBase != "https://api.openai.com/v1" {
		t.Errorf("apiBase = %q, want default", p.apiBase)
	}
	p2 := NewOpenAIProvider("openrouter", "key", "https://openrouter.ai/api/v1/", "qwen/qwen3-coder")
	if p2.apiBase != "https://openrouter.ai/api/v1" {
		t.Errorf("apiBase = %q, want trailing slash trimmed", p2.apiBase)
	}
}
