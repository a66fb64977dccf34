package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/clawgate/internal/tools"
)

// BridgeTool adapts one remote MCP tool to the registry's Tool
// interface. The registered name is "<prefix>_<tool>" where prefix
// defaults to the server name, so tools from different servers never
// collide.
type BridgeTool struct {
	server     string
	name       string // registered name
	origName   string // name on the MCP server
	desc       string
	params     map[string]interface{}
	client     *mcpclient.Client
	timeoutSec int
	connected  *atomic.Bool
}

// NewBridgeTool wraps a discovered MCP tool.
func NewBridgeTool(server string, t mcpgo.Tool, client *mcpclient.Client, prefix string, timeoutSec int, connected *atomic.Bool) *BridgeTool {
	if prefix == "" {
		prefix = server
	}
	return &BridgeTool{
		server:     server,
		name:       sanitizeName(prefix + "_" + t.Name),
		origName:   t.Name,
		desc:       t.Description,
		params:     schemaToMap(t.InputSchema),
		client:     client,
		timeoutSec: timeoutSec,
		connected:  connected,
	}
}

func (b *BridgeTool) Name() string        { return b.name }
func (b *BridgeTool) Description() string { return b.desc }

// OriginalName returns the tool's name on its MCP server.
func (b *BridgeTool) OriginalName() string { return b.origName }

func (b *BridgeTool) Parameters() map[string]interface{} { return b.params }

// LongRunning exempts bridge calls from the registry's default timeout;
// the per-server timeout below bounds them instead.
func (b *BridgeTool) LongRunning() bool { return true }

func (b *BridgeTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	if !b.connected.Load() {
		return tools.ErrorResult(fmt.Sprintf("MCP server %q is not connected", b.server))
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(b.timeoutSec)*time.Second)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = b.origName
	req.Params.Arguments = args

	result, err := b.client.CallTool(callCtx, req)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("MCP tool %s failed: %v", b.origName, err)).WithError(err)
	}

	text := extractText(result)
	if result.IsError {
		if text == "" {
			text = fmt.Sprintf("MCP tool %s reported an error", b.origName)
		}
		return tools.ErrorResult(text)
	}
	if text == "" {
		text = "(empty result)"
	}
	return tools.NewResult(text)
}

// extractText concatenates all text content items; non-text content is
// noted but not inlined.
func extractText(result *mcpgo.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if tc, ok := mcpgo.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
			continue
		}
		parts = append(parts, fmt.Sprintf("[non-text content: %T]", c))
	}
	return strings.Join(parts, "\n")
}

// schemaToMap converts the tool's input schema into the plain map the
// provider layer serializes.
func schemaToMap(schema mcpgo.ToolInputSchema) map[string]interface{} {
	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]interface{}{"type": "object"}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		return map[string]interface{}{"type": "object"}
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	return out
}

// sanitizeName maps tool names onto the [a-zA-Z0-9_-] set providers accept.
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, name)
}
