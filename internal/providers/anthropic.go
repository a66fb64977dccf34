package providers

import (
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

const (
	defaultClaudeModel  = "claude-sonnet-4-5-20250929"
	anthropicAPIBase    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
)

// thinkingBudgets maps thinking levels to extended-thinking token
// budgets. "off" (or empty) disables the thinking block.
var thinkingBudgets = map[string]int{
	"low":    2048,
	"medium": 8192,
	"high":   16384,
}

// AnthropicProvider implements Provider against the Anthropic Messages
// API via net/http.
type AnthropicProvider struct {
	apiKey       string
	baseURL      string
	defaultModel string
	client       *http.Client
	retrier      *retry.Driver
}

// NewAnthropicProvider creates an Anthropic provider.
func NewAnthropicProvider(apiKey string, opts ...AnthropicOption) *AnthropicProvider {
	p := &AnthropicProvider{
		apiKey:       apiKey,
		baseURL:      anthropicAPIBase,
		defaultModel: defaultClaudeModel,
		client:       &http.Client{Timeout: 120 * time.Second},
		retrier:      retry.New(retry.DefaultConfig()),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// AnthropicOption customizes the provider.
type AnthropicOption func(*AnthropicProvider)

func WithAnthropicModel(model string) AnthropicOption {
	return func(p *AnthropicProvider) {
		if model != "" {
			p.defaultModel = model
		}
	}
}

func WithAnthropicBaseURL(baseURL string) AnthropicOption {
	return func(p *AnthropicProvider) {
		if baseURL != "" {
			p.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

func WithAnthropicRetry(cfg retry.Config) AnthropicOption {
	return func(p *AnthropicProvider) { p.retrier = retry.New(cfg) }
}

func (p *AnthropicProvider) Name() string         { return "anthropic" }
func (p *AnthropicProvider) DefaultModel() string { return p.defaultModel }

// Stream sends the conversation and parses the SSE response, emitting
// events as blocks arrive. Only the connection phase is retried; once
// bytes are flowing a failure surfaces to the caller.
func (p *AnthropicProvider) Stream(ctx context.Context, req StreamRequest, onEvent func(StreamEvent)) (*StreamResult, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	body := p.buildRequestBody(model, req)

	var respBody io.ReadCloser
	err := p.retrier.Do(ctx, "anthropic.stream", func(ctx context.Context) error {
		var err error
		respBody, err = p.doRequest(ctx, body)
		return err
	})
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	return parseSSE(respBody, onEvent)
}

// buildRequestBody translates the request into the Messages API shape.
// Assistant tool calls become tool_use blocks; tool results become
// user turns with tool_result blocks, preserving pairing by ID.
func (p *AnthropicProvider) buildRequestBody(model string, req StreamRequest) map[string]any {
	var systemBlocks []map[string]any
	if req.SystemPrompt != "" {
		systemBlocks = append(systemBlocks, map[string]any{
			"type": "text",
			"text": req.SystemPrompt,
		})
	}

	var messages []map[string]any
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			systemBlocks = append(systemBlocks, map[string]any{
				"type": "text",
				"text": msg.Content,
			})

		case "user":
			if len(msg.Images) > 0 {
				var blocks []map[string]any
				for _, img := range msg.Images {
					blocks = append(blocks, map[string]any{
						"type": "image",
						"source": map[string]any{
							"type":       "base64",
							"media_type": img.MimeType,
							"data":       img.Data,
						},
					})
				}
				if msg.Content != "" {
					blocks = append(blocks, map[string]any{
						"type": "text",
						"text": msg.Content,
					})
				}
				messages = append(messages, map[string]any{
					"role":    "user",
					"content": blocks,
				})
			} else {
				messages = append(messages, map[string]any{
					"role":    "user",
					"content": msg.Content,
				})
			}

		case "assistant":
			var blocks []map[string]any
			if msg.Content != "" {
				blocks = append(blocks, map[string]any{
					"type": "text",
					"text": msg.Content,
				})
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": tc.Arguments,
				})
			}
			messages = append(messages, map[string]any{
				"role":    "assistant",
				"content": blocks,
			})

		case "tool":
			messages = append(messages, map[string]any{
				"role": "user",
				"content": []map[string]any{
					{
						"type":        "tool_result",
						"tool_use_id": msg.ToolCallID,
						"content":     msg.Content,
						"is_error":    msg.IsError,
					},
				},
			})
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	body := map[string]any{
		"model":      model,
		"max_tokens": maxTokens,
		"messages":   messages,
		"stream":     true,
	}
	if len(systemBlocks) > 0 {
		body["system"] = systemBlocks
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if budget, ok := thinkingBudgets[req.ThinkingLevel]; ok {
		body["thinking"] = map[string]any{
			"type":          "enabled",
			"budget_tokens": budget,
		}
	}
	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": t.Parameters,
			})
		}
		body["tools"] = tools
	}
	return body
}

func (p *AnthropicProvider) doRequest(ctx context.Context, body any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fault.Classify(fmt.Errorf("anthropic: request failed: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		resp.Body.Close()
		httpErr := &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("anthropic: %s", strings.TrimSpace(string(respBody))),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
		return nil, httpErr.Fault()
	}
	return resp.Body, nil
}
