package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

const (
	// clientEventBuffer bounds the per-client outbound event queue.
	// Slow consumers lose events rather than stalling the broadcaster.
	clientEventBuffer = 64

	clientWriteTimeout = 10 * time.Second
)

// Client is one WebSocket connection to the gateway. Requests are
// handled on the read loop; events are pushed through a buffered queue
// drained by a dedicated writer goroutine.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	mu     sync.Mutex // guards conn writes and authed
	authed bool

	events    chan protocol.EventFrame
	closeOnce sync.Once
	done      chan struct{}
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, s *Server) *Client {
	return &Client{
		id:     uuid.NewString()[:8],
		conn:   conn,
		server: s,
		events: make(chan protocol.EventFrame, clientEventBuffer),
		done:   make(chan struct{}),
	}
}

// Authed reports whether the client has completed the connect handshake.
func (c *Client) Authed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

func (c *Client) setAuthed() {
	c.mu.Lock()
	c.authed = true
	c.mu.Unlock()
}

// Run processes frames until the connection drops or ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writeLoop(ctx)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read failed", "client", c.id, "error", err)
			}
			return
		}

		frameType, err := protocol.ParseFrameType(raw)
		if err != nil {
			slog.Warn("unparseable frame", "client", c.id, "error", err)
			continue
		}
		if frameType != protocol.FrameTypeRequest {
			continue // clients only send requests
		}

		var req protocol.RequestFrame
		if err := json.Unmarshal(raw, &req); err != nil {
			slog.Warn("bad request frame", "client", c.id, "error", err)
			continue
		}

		// Handle each request off the read loop so long-running sends
		// don't block cancels arriving on the same connection.
		go func(req protocol.RequestFrame) {
			resp := c.server.router.Dispatch(ctx, c, req)
			if err := c.writeFrame(resp); err != nil {
				c.Close()
			}
		}(req)
	}
}

// SendEvent queues an event for delivery. Drops when the client's
// buffer is full.
func (c *Client) SendEvent(event protocol.EventFrame) {
	select {
	case c.events <- event:
	case <-c.done:
	default:
		slog.Debug("client event buffer full, dropping", "client", c.id, "event", event.Event)
	}
}

func (c *Client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case ev := <-c.events:
			if err := c.writeFrame(ev); err != nil {
				return
			}
		}
	}
}

func (c *Client) writeFrame(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
	return c.conn.WriteJSON(v)
}

// Close shuts the connection down. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
