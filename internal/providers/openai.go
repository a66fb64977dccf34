package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/fault"
	"github.com/nextlevelbuilder/clawgate/internal/retry"
)

// OpenAIProvider implements Provider for OpenAI-compatible chat
// completion APIs (OpenAI, OpenRouter, Groq, DeepSeek, vLLM).
type OpenAIProvider struct {
	name         string
	apiKey       string
	apiBase      string
	chatPath     string // defaults to "/chat/completions"
	defaultModel string
	client       *http.Client
	retrier      *retry.Driver
}

// NewOpenAIProvider creates a provider for an OpenAI-compatible API.
// name distinguishes compatible vendors in logs and the registry.
func NewOpenAIProvider(name, apiKey, apiBase, defaultModel string) *OpenAIProvider {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		name:         name,
		apiKey:       apiKey,
		apiBase:      strings.TrimRight(apiBase, "/"),
		chatPath:     "/chat/completions",
		defaultModel: defaultModel,
		client:       &http.Client{Timeout: 120 * time.Second},
		retrier:      retry.New(retry.DefaultConfig()),
	}
}

func (p *OpenAIProvider) Name() string         { return p.name }
func (p *OpenAIProvider) DefaultModel() string { return p.defaultModel }

// APIKey exposes the credential for sibling endpoints on the same API,
// such as image generation.
func (p *OpenAIProvider) APIKey() string  { return p.apiKey }
func (p *OpenAIProvider) APIBase() string { return p.apiBase }

// Stream sends the conversation and parses the chat-completions SSE
// response. Retries cover the connection phase only; once the body
// stream is open, a broken stream returns an error to the caller.
func (p *OpenAIProvider) Stream(ctx context.Context, req StreamRequest, onEvent func(StreamEvent)) (*StreamResult, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	body := p.buildRequestBody(model, req)

	var respBody io.ReadCloser
	err := p.retrier.Do(ctx, p.name+".stream", func(ctx context.Context) error {
		var err error
		respBody, err = p.doRequest(ctx, body)
		return err
	})
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	return p.parseStream(respBody, onEvent)
}

// parseStream reads chat-completions SSE chunks. Tool-call argument
// fragments arrive split across chunks and are accumulated per index
// until the stream ends.
func (p *OpenAIProvider) parseStream(r io.Reader, onEvent func(StreamEvent)) (*StreamResult, error) {
	emit := func(ev StreamEvent) {
		if onEvent != nil {
			onEvent(ev)
		}
	}

	result := &StreamResult{StopReason: "stop"}
	type partialCall struct {
		id, name, args string
	}
	calls := make(map[int]*partialCall)
	maxIdx := -1

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			result.Usage = &Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.PromptTokens + chunk.Usage.CompletionTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			result.Content += choice.Delta.Content
			emit(StreamEvent{Kind: StreamAssistantText, Text: choice.Delta.Content})
		}
		for _, tc := range choice.Delta.ToolCalls {
			pc, ok := calls[tc.Index]
			if !ok {
				pc = &partialCall{}
				calls[tc.Index] = pc
				if tc.Index > maxIdx {
					maxIdx = tc.Index
				}
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name += tc.Function.Name
			}
			pc.args += tc.Function.Arguments
		}
		switch choice.FinishReason {
		case "tool_calls":
			result.StopReason = "tool_calls"
		case "length":
			result.StopReason = "length"
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: read stream: %w", p.name, err)
	}

	for i := 0; i <= maxIdx; i++ {
		pc, ok := calls[i]
		if !ok {
			continue
		}
		args := make(map[string]any)
		if pc.args != "" {
			_ = json.Unmarshal([]byte(pc.args), &args)
		}
		tc := ToolCall{ID: pc.id, Name: strings.TrimSpace(pc.name), Arguments: args}
		result.ToolCalls = append(result.ToolCalls, tc)
		emit(StreamEvent{Kind: StreamToolCall, ToolCall: &tc})
	}

	emit(StreamEvent{Kind: StreamEnd, Usage: result.Usage})
	return result, nil
}

func (p *OpenAIProvider) buildRequestBody(model string, req StreamRequest) map[string]any {
	var messages []map[string]any
	if req.SystemPrompt != "" {
		messages = append(messages, map[string]any{"role": "system", "content": req.SystemPrompt})
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case "assistant":
			m := map[string]any{"role": "assistant"}
			if msg.Content != "" {
				m["content"] = msg.Content
			}
			if len(msg.ToolCalls) > 0 {
				var tcs []map[string]any
				for _, tc := range msg.ToolCalls {
					args, _ := json.Marshal(tc.Arguments)
					tcs = append(tcs, map[string]any{
						"id":   tc.ID,
						"type": "function",
						"function": map[string]any{
							"name":      tc.Name,
							"arguments": string(args),
						},
					})
				}
				m["tool_calls"] = tcs
			}
			messages = append(messages, m)
		case "tool":
			messages = append(messages, map[string]any{
				"role":         "tool",
				"tool_call_id": msg.ToolCallID,
				"content":      msg.Content,
			})
		default:
			messages = append(messages, map[string]any{"role": msg.Role, "content": msg.Content})
		}
	}

	body := map[string]any{
		"model":    model,
		"messages": messages,
		"stream":   true,
		"stream_options": map[string]any{
			"include_usage": true,
		},
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Parameters,
				},
			})
		}
		body["tools"] = tools
	}
	return body
}

func (p *OpenAIProvider) doRequest(ctx context.Context, body any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+p.chatPath, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fault.Classify(fmt.Errorf("%s: request failed: %w", p.name, err))
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		resp.Body.Close()
		httpErr := &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("%s: %s", p.name, strings.TrimSpace(string(respBody))),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
		return nil, httpErr.Fault()
	}
	return resp.Body, nil
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}
