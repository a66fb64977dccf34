package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/fault"
	"github.com/nextlevelbuilder/clawgate/internal/retry"
)

const toolUseSSE = `event: message_start
data: {"message":{"usage":{"input_tokens":120,"cache_read_input_tokens":40}}}

event: content_block_start
data: {"index":0,"content_block":{"type":"text"}}

event: content_block_delta
data: {"index":0,"delta":{"type":"text_delta","text":"Checking the "}}

event: content_block_delta
data: {"index":0,"delta":{"type":"text_delta","text":"balance now."}}

event: content_block_stop
data: {"index":0}

event: content_block_start
data: {"index":1,"content_block":{"type":"tool_use","id":"toolu_01","name":"get_balance"}}

event: content_block_delta
data: {"index":1,"delta":{"type":"input_json_delta","partial_json":"{\"wallet\":"}}

event: content_block_delta
data: {"index":1,"delta":{"type":"input_json_delta","partial_json":"\"main\"}"}}

event: content_block_stop
data: {"index":1}

event: message_delta
data: {"delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":55}}

event: message_stop
data: {}

`

func TestParseSSEToolUseTurn(t *testing.T) {
	var events []StreamEvent
	result, err := parseSSE(strings.NewReader(toolUseSSE), func(ev StreamEvent) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatalf("parseSSE error: %v", err)
	}

	if result.Content != "Checking the balance now." {
		t.Errorf("Content = %q, want assembled text", result.Content)
	}
	if result.StopReason != "tool_calls" {
		t.Errorf("StopReason = %q, want tool_calls", result.StopReason)
	}
	if len(result.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %d, want 1", len(result.ToolCalls))
	}
	tc := result.ToolCalls[0]
	if tc.ID != "toolu_01" || tc.Name != "get_balance" {
		t.Errorf("tool call = %s/%s, want toolu_01/get_balance", tc.ID, tc.Name)
	}
	if tc.Arguments["wallet"] != "main" {
		t.Errorf("Arguments = %v, want wallet=main from accumulated fragments", tc.Arguments)
	}
	if result.Usage == nil || result.Usage.PromptTokens != 120 || result.Usage.CompletionTokens != 55 {
		t.Errorf("Usage = %+v, want 120/55", result.Usage)
	}
	if result.Usage.TotalTokens != 175 {
		t.Errorf("TotalTokens = %d, want 175", result.Usage.TotalTokens)
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
			t.Errorf("event %d = %v, want %v", i, kinds[i], want[i])
		}
	}
}

func TestParseSSEErrorEvent(t *testing.T) {
	const errSSE = `event: error
data: {"error":{"type":"overloaded_error","message":"Overloaded"}}

`
	_, err := parseSSE(strings.NewReader(errSSE), nil)
	if err == nil || !strings.Contains(err.Error(), "overloaded_error") {
		t.Errorf("err = %v, want stream error with type", err)
	}
}

func TestStreamAgainstTestServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("x-api-key = %q, want test-key", got)
		}
		if got := r.Header.Get("anthropic-version"); got != anthropicAPIVersion {
			t.Errorf("anthropic-version = %q, want %q", got, anthropicAPIVersion)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(toolUseSSE))
	}))
	defer srv.Close()

	p := NewAnthropicProvider("test-key", WithAnthropicBaseURL(srv.URL))
	result, err := p.Stream(context.Background(), StreamRequest{
		Messages: []Message{{Role: "user", Content: "balance?"}},
	}, nil)
	if err != nil {
		t.Fatalf("Stream error: %v", err)
	}
	if len(result.ToolCalls) != 1 {
		t.Errorf("ToolCalls = %d, want 1", len(result.ToolCalls))
	}
}

func TestStreamRateLimitCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"type":"rate_limit_error"}}`))
	}))
	defer srv.Close()

	p := NewAnthropicProvider("k",
		WithAnthropicBaseURL(srv.URL),
		WithAnthropicRetry(retry.Config{Attempts: 1}))
	_, err := p.Stream(context.Background(), StreamRequest{}, nil)
	if fault.KindOf(err) != fault.KindRateLimited {
		t.Fatalf("error kind = %v, want rate_limited", fault.KindOf(err))
	}
	if d, ok := fault.RetryAfter(err); !ok || d != 3*time.Second {
		t.Errorf("RetryAfter = %v/%v, want 3s/true", d, ok)
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"2", 2 * time.Second},
		{"0", 0},
		{"", 0},
		{"garbage", 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseRetryAfter(tt.in); got != tt.want {
				t.Errorf("ParseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestBuildRequestBodyPairsToolBlocks(t *testing.T) {
	p := NewAnthropicProvider("k")
	body := p.buildRequestBody("m", StreamRequest{
		SystemPrompt: "be brief",
		Messages: []Message{
			{Role: "user", Content: "check"},
			{Role: "assistant", Content: "on it", ToolCalls: []ToolCall{{ID: "t1", Name: "status", Arguments: map[string]any{}}}},
			{Role: "tool", ToolCallID: "t1", Content: "ok"},
		},
	})

	msgs := body["messages"].([]map[string]any)
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}
	blocks := msgs[2]["content"].([]map[string]any)
	if blocks[0]["type"] != "tool_result" || blocks[0]["tool_use_id"] != "t1" {
		t.Errorf("tool result block = %v, want tool_result paired to t1", blocks[0])
	}
	if body["system"] == nil {
		t.Error("system prompt missing from body")
	}
}
