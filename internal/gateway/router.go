package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// HandlerFunc processes one RPC method call and returns the response
// payload.
type HandlerFunc func(ctx context.Context, c *Client, params json.RawMessage) (any, error)

// methodError carries a protocol error code alongside the message.
type methodError struct {
	code string
	msg  string
}

func (e *methodError) Error() string { return e.msg }

func errCode(code, msg string) error { return &methodError{code: code, msg: msg} }

// MethodRouter maps RPC method names to handlers and enforces the
// auth and rate-limit gates in front of them.
type MethodRouter struct {
	server   *Server
	handlers map[string]HandlerFunc
}

// NewMethodRouter builds the router with the core method set registered.
func NewMethodRouter(s *Server) *MethodRouter {
	r := &MethodRouter{
		server:   s,
		handlers: make(map[string]HandlerFunc),
	}

	r.Register(protocol.MethodConnect, s.handleConnect)
	r.Register(protocol.MethodHealth, s.handleHealthMethod)
	r.Register(protocol.MethodStatus, s.handleStatus)
	r.Register(protocol.MethodSend, s.handleSend)
	r.Register(protocol.MethodCancel, s.handleCancel)
	r.Register(protocol.MethodSessionsList, s.handleSessionsList)
	r.Register(protocol.MethodSessionsReset, s.handleSessionsReset)
	r.Register(protocol.MethodCronList, s.handleCronList)
	r.Register(protocol.MethodCronCreate, s.handleCronCreate)
	r.Register(protocol.MethodCronDelete, s.handleCronDelete)
	r.Register(protocol.MethodCronRun, s.handleCronRun)

	return r
}

// Register adds or replaces a method handler.
func (r *MethodRouter) Register(method string, h HandlerFunc) {
	r.handlers[method] = h
}

// Dispatch runs the handler for one request and shapes its result into
// a response frame. Every method except connect requires a completed
// handshake first.
func (r *MethodRouter) Dispatch(ctx context.Context, c *Client, req protocol.RequestFrame) protocol.ResponseFrame {
	h, ok := r.handlers[req.Method]
	if !ok {
		return protocol.NewErrorResponse(req.ID, "unknown_method", "unknown method: "+req.Method)
	}

	if req.Method != protocol.MethodConnect && !c.Authed() {
		return protocol.NewErrorResponse(req.ID, "unauthorized", "connect first")
	}

	if !r.server.rateLimiter.Allow(c.id) {
		slog.Warn("client rate limited", "client", c.id, "method", req.Method)
		return protocol.NewErrorResponse(req.ID, "rate_limited", "too many requests")
	}

	payload, err := h(ctx, c, req.Params)
	if err != nil {
		var me *methodError
		if errors.As(err, &me) {
			return protocol.NewErrorResponse(req.ID, me.code, me.msg)
		}
		return protocol.NewErrorResponse(req.ID, "internal", err.Error())
	}
	return protocol.NewResponse(req.ID, payload)
}
