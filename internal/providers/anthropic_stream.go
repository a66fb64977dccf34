package providers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// parseSSE consumes an Anthropic SSE body, emitting events as blocks
// complete and assembling the final result. Tool-call input JSON
// arrives as partial fragments accumulated per block index.
func parseSSE(r io.Reader, onEvent func(StreamEvent)) (*StreamResult, error) {
	emit := func(ev StreamEvent) {
		if onEvent != nil {
			onEvent(ev)
		}
	}

	result := &StreamResult{StopReason: "stop"}
	toolJSON := make(map[int]string)
	blockTool := make(map[int]int) // SSE block index → result.ToolCalls index

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024) // large thinking/tool chunks
	var currentEvent string

	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		switch currentEvent {
		case "message_start":
			var ev anthropicMessageStartEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				if result.Usage == nil {
					result.Usage = &Usage{}
				}
				if ev.Message.Usage.InputTokens > 0 {
					result.Usage.PromptTokens = ev.Message.Usage.InputTokens
				}
				result.Usage.CacheCreationTokens = ev.Message.Usage.CacheCreationInputTokens
				result.Usage.CacheReadTokens = ev.Message.Usage.CacheReadInputTokens
			}

		case "content_block_start":
			var ev anthropicContentBlockStartEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				if ev.ContentBlock.Type == "tool_use" {
					result.ToolCalls = append(result.ToolCalls, ToolCall{
						ID:        ev.ContentBlock.ID,
						Name:      strings.TrimSpace(ev.ContentBlock.Name),
						Arguments: make(map[string]any),
					})
					blockTool[ev.Index] = len(result.ToolCalls) - 1
				}
			}

		case "content_block_delta":
			var ev anthropicContentBlockDeltaEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				switch ev.Delta.Type {
				case "text_delta":
					result.Content += ev.Delta.Text
					emit(StreamEvent{Kind: StreamAssistantText, Text: ev.Delta.Text})
				case "input_json_delta":
					if idx, ok := blockTool[ev.Index]; ok {
						toolJSON[idx] += ev.Delta.PartialJSON
					}
				}
			}

		case "content_block_stop":
			var ev anthropicContentBlockStopEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				if idx, ok := blockTool[ev.Index]; ok {
					if raw := toolJSON[idx]; raw != "" {
						args := make(map[string]any)
						_ = json.Unmarshal([]byte(raw), &args)
						result.ToolCalls[idx].Arguments = args
					}
					tc := result.ToolCalls[idx]
					emit(StreamEvent{Kind: StreamToolCall, ToolCall: &tc})
				}
			}

		case "message_delta":
			var ev anthropicMessageDeltaEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				switch ev.Delta.StopReason {
				case "":
				case "tool_use":
					result.StopReason = "tool_calls"
				case "max_tokens":
					result.StopReason = "length"
				default:
					result.StopReason = "stop"
				}
				if ev.Usage.OutputTokens > 0 {
					if result.Usage == nil {
						result.Usage = &Usage{}
					}
					result.Usage.CompletionTokens = ev.Usage.OutputTokens
				}
			}

		case "error":
			var ev anthropicErrorEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				streamErr := fmt.Errorf("anthropic stream error: %s: %s", ev.Error.Type, ev.Error.Message)
				emit(StreamEvent{Kind: StreamError, Err: streamErr})
				return nil, streamErr
			}

		case "message_stop":
			// Assembled below; nothing in the payload we need.
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("anthropic: read stream: %w", err)
	}

	if result.Usage != nil {
		result.Usage.TotalTokens = result.Usage.PromptTokens + result.Usage.CompletionTokens
	}
	emit(StreamEvent{Kind: StreamEnd, Usage: result.Usage})
	return result, nil
}

// --- Anthropic wire types ---

type anthropicContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

type anthropicMessageStartEvent struct {
	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
}

type anthropicContentBlockStartEvent struct {
	Index        int                   `json:"index"`
	ContentBlock anthropicContentBlock `json:"content_block"`
}

type anthropicContentBlockDeltaEvent struct {
	Index int `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	} `json:"delta"`
}

type anthropicContentBlockStopEvent struct {
	Index int `json:"index"`
}

type anthropicMessageDeltaEvent struct {
	Delta struct {
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicErrorEvent struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
