// Package client dials a running gateway and speaks the WS control
// protocol. It backs the status and cron CLI commands.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// EventHandler receives events pushed by the gateway between responses.
type EventHandler func(protocol.EventFrame)

// Client is a single gateway connection. Calls are serialized; events
// arriving while a call waits for its response are handed to OnEvent.
type Client struct {
	conn    *websocket.Conn
	mu      sync.Mutex
	OnEvent EventHandler
}

// Dial connects to ws://<addr>/ws.
func Dial(ctx context.Context, addr string) (*Client, error) {
	wsURL := fmt.Sprintf("ws://%s/ws", addr)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("gateway dial %s: %w", addr, err)
	}
	conn.SetReadLimit(1 << 20) // 1MB
	return &Client{conn: conn}, nil
}

// Connect performs the auth handshake.
func (c *Client) Connect(ctx context.Context, token string) error {
	params := map[string]any{"protocol": protocol.ProtocolVersion}
	if token != "" {
		params["token"] = token
	}
	return c.Call(ctx, protocol.MethodConnect, params, nil)
}

// Call sends one request and waits for its response, decoding the
// payload into out when out is non-nil.
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var rawParams json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		rawParams = b
	}

	reqID := uuid.NewString()[:8]
	req := protocol.RequestFrame{
		Type:   protocol.FrameTypeRequest,
		ID:     reqID,
		Method: method,
		Params: rawParams,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	for {
		_, raw, err := c.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read %s response: %w", method, err)
		}

		frameType, err := protocol.ParseFrameType(raw)
		if err != nil {
			continue
		}

		switch frameType {
		case protocol.FrameTypeEvent:
			if c.OnEvent != nil {
				var evt protocol.EventFrame
				if json.Unmarshal(raw, &evt) == nil {
					c.OnEvent(evt)
				}
			}

		case protocol.FrameTypeResponse:
			var resp struct {
				ID      string              `json:"id"`
				OK      bool                `json:"ok"`
				Payload json.RawMessage     `json:"payload"`
				Error   *protocol.ErrorInfo `json:"error"`
			}
			if err := json.Unmarshal(raw, &resp); err != nil {
				continue
			}
			if resp.ID != reqID {
				continue // stale response from an earlier call
			}
			if !resp.OK {
				if resp.Error != nil {
					return fmt.Errorf("%s: %s", method, resp.Error.Message)
				}
				return fmt.Errorf("%s failed", method)
			}
			if out != nil && len(resp.Payload) > 0 {
				if err := json.Unmarshal(resp.Payload, out); err != nil {
					return fmt.Errorf("decode %s payload: %w", method, err)
				}
			}
			return nil
		}
	}
}

// Health runs the health method.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.Call(ctx, protocol.MethodHealth, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Status fetches gateway-wide status, or session status when
// sessionKey is non-empty.
func (c *Client) Status(ctx context.Context, sessionKey string) (map[string]any, error) {
	var params any
	if sessionKey != "" {
		params = map[string]string{"sessionKey": sessionKey}
	}
	var out map[string]any
	if err := c.Call(ctx, protocol.MethodStatus, params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendResult is the terminal outcome of a send call.
type SendResult struct {
	SessionKey string `json:"sessionKey"`
	RunID      string `json:"runId"`
	Outcome    string `json:"outcome"`
	Content    string `json:"content"`
}

// Send submits a message and waits for the run to finish.
func (c *Client) Send(ctx context.Context, sessionKey, agentID, message string, stream bool) (SendResult, error) {
	var out SendResult
	err := c.Call(ctx, protocol.MethodSend, map[string]any{
		"sessionKey": sessionKey,
		"agentId":    agentID,
		"message":    message,
		"stream":     stream,
	}, &out)
	return out, err
}

// Cancel aborts the active run for a session.
func (c *Client) Cancel(ctx context.Context, sessionKey string) (bool, error) {
	var out struct {
		Cancelled bool `json:"cancelled"`
	}
	err := c.Call(ctx, protocol.MethodCancel, map[string]string{"sessionKey": sessionKey}, &out)
	return out.Cancelled, err
}

// Close sends a close frame and shuts down the connection.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
