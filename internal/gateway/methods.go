package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawgate/internal/agent"
	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/scheduler"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
	"github.com/nextlevelbuilder/clawgate/internal/store"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

type connectParams struct {
	Token    string `json:"token,omitempty"`
	Protocol int    `json:"protocol,omitempty"`
	Client   string `json:"client,omitempty"`
}

type connectResult struct {
	Protocol int    `json:"protocol"`
	Server   string `json:"server"`
}

func (s *Server) handleConnect(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	var p connectParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, errCode("bad_params", "invalid connect params")
		}
	}

	if p.Protocol != 0 && p.Protocol != protocol.ProtocolVersion {
		return nil, errCode("protocol_mismatch",
			fmt.Sprintf("server speaks protocol %d, client sent %d", protocol.ProtocolVersion, p.Protocol))
	}

	if token := s.cfg.Gateway.Token; token != "" {
		if subtle.ConstantTimeCompare([]byte(p.Token), []byte(token)) != 1 {
			return nil, errCode("unauthorized", "invalid token")
		}
	}

	c.setAuthed()
	return connectResult{Protocol: protocol.ProtocolVersion, Server: "clawgate"}, nil
}

type healthResult struct {
	Status   string `json:"status"`
	Protocol int    `json:"protocol"`
	UptimeMs int64  `json:"uptimeMs"`
}

func (s *Server) handleHealthMethod(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	return healthResult{
		Status:   "ok",
		Protocol: protocol.ProtocolVersion,
		UptimeMs: time.Since(s.startedAt).Milliseconds(),
	}, nil
}

type statusParams struct {
	SessionKey string `json:"sessionKey,omitempty"`
}

type statusResult struct {
	UptimeMs   int64               `json:"uptimeMs"`
	Clients    int                 `json:"clients"`
	Sessions   int                 `json:"sessions"`
	ActiveRuns []agent.RunSnapshot `json:"activeRuns,omitempty"`
}

func (s *Server) handleStatus(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	var p statusParams
	if len(raw) > 0 {
		json.Unmarshal(raw, &p)
	}
	if p.SessionKey != "" {
		return s.sched.Status(p.SessionKey), nil
	}
	return statusResult{
		UptimeMs:   time.Since(s.startedAt).Milliseconds(),
		Clients:    s.clientCount(),
		Sessions:   s.sessions.ListPaged(store.SessionListOpts{Limit: 1}).Total,
		ActiveRuns: s.sched.ActiveRuns(),
	}, nil
}

type sendParams struct {
	SessionKey string   `json:"sessionKey,omitempty"`
	AgentID    string   `json:"agentId,omitempty"`
	Channel    string   `json:"channel,omitempty"`
	ChatID     string   `json:"chatId,omitempty"`
	Message    string   `json:"message"`
	Media      []string `json:"media,omitempty"`
	Stream     bool     `json:"stream,omitempty"`
}

type sendResult struct {
	SessionKey string `json:"sessionKey"`
	RunID      string `json:"runId"`
	Outcome    string `json:"outcome"`
	Content    string `json:"content,omitempty"`
}

func (s *Server) handleSend(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	var p sendParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errCode("bad_params", "invalid send params")
	}
	if strings.TrimSpace(p.Message) == "" {
		return nil, errCode("bad_params", "message is required")
	}
	if max := s.cfg.Gateway.MaxMessageChars; max > 0 && len(p.Message) > max {
		return nil, errCode("bad_params", fmt.Sprintf("message exceeds %d chars", max))
	}

	agentID := p.AgentID
	if agentID == "" {
		agentID = "main"
	}
	key := p.SessionKey
	if key == "" {
		channel, chatID := p.Channel, p.ChatID
		if channel == "" {
			channel = "ws"
		}
		if chatID == "" {
			chatID = c.id
		}
		key = sessions.BuildChannelKey(agentID, sessions.ScopeDM, channel, chatID)
	}

	req := agent.RunRequest{
		SessionKey: key,
		Message:    p.Message,
		Channel:    p.Channel,
		ChatID:     p.ChatID,
		Media:      p.Media,
		RunID:      uuid.NewString()[:8],
		TraceName:  "gateway.send",
	}
	if p.Stream {
		req.Stream = true
		req.OnOutput = func(text string) {
			c.SendEvent(*protocol.NewEvent(protocol.EventChat, map[string]any{
				"type":       protocol.ChatEventChunk,
				"sessionKey": key,
				"content":    text,
			}))
		}
	}

	sub := s.sched.Submit(ctx, scheduler.LaneMain, req, scheduler.ScheduleOpts{})
	if sub.Outcome == scheduler.OutcomeDropped {
		return sendResult{SessionKey: key, Outcome: string(sub.Outcome)}, nil
	}
	if sub.Done == nil {
		// Steered prompts fold into the active run, nothing to wait on.
		return sendResult{SessionKey: key, RunID: req.RunID, Outcome: string(sub.Outcome)}, nil
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-sub.Done:
		if res.Err != nil {
			return nil, errCode("run_failed", res.Err.Error())
		}
		return sendResult{
			SessionKey: res.SessionKey,
			RunID:      res.RunID,
			Outcome:    string(res.Outcome),
			Content:    res.Content,
		}, nil
	}
}

type cancelParams struct {
	SessionKey string `json:"sessionKey"`
}

func (s *Server) handleCancel(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	var p cancelParams
	if err := json.Unmarshal(raw, &p); err != nil || p.SessionKey == "" {
		return nil, errCode("bad_params", "sessionKey is required")
	}
	cancelled := s.sched.Cancel(p.SessionKey)
	return map[string]bool{"cancelled": cancelled}, nil
}

type sessionsListParams struct {
	AgentID string `json:"agentId,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Offset  int    `json:"offset,omitempty"`
}

func (s *Server) handleSessionsList(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	var p sessionsListParams
	if len(raw) > 0 {
		json.Unmarshal(raw, &p)
	}
	return s.sessions.ListPaged(store.SessionListOpts{
		AgentID: p.AgentID,
		Limit:   p.Limit,
		Offset:  p.Offset,
	}), nil
}

type sessionsResetParams struct {
	SessionKey string `json:"sessionKey"`
	Reason     string `json:"reason,omitempty"`
}

func (s *Server) handleSessionsReset(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	var p sessionsResetParams
	if err := json.Unmarshal(raw, &p); err != nil || p.SessionKey == "" {
		return nil, errCode("bad_params", "sessionKey is required")
	}
	if p.Reason == "" {
		p.Reason = "manual"
	}

	s.sched.Cancel(p.SessionKey)

	var oldID, newID string
	entry, err := s.sessions.Upsert(p.SessionKey, func(e *store.SessionEntry) {
		oldID = e.SessionID
		e.RotateSession()
	})
	if err != nil {
		return nil, fmt.Errorf("reset session: %w", err)
	}
	newID = entry.SessionID

	s.eventPub.Broadcast(bus.Event{
		Name: protocol.EventSessionReset,
		Payload: protocol.SessionResetPayload{
			SessionKey: p.SessionKey,
			Reason:     p.Reason,
			OldID:      oldID,
			NewID:      newID,
		},
	})

	return map[string]string{"sessionKey": p.SessionKey, "sessionId": newID}, nil
}

func (s *Server) handleCronList(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	if s.cron == nil {
		return nil, errCode("unavailable", "cron service not running")
	}
	jobs, err := s.cron.List()
	if err != nil {
		return nil, err
	}
	return map[string]any{"jobs": jobs}, nil
}

type cronCreateParams struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name,omitempty"`
	AgentID  string `json:"agentId,omitempty"`
	Schedule string `json:"schedule"`
	Message  string `json:"message"`
	Channel  string `json:"channel,omitempty"`
	To       string `json:"to,omitempty"`
	Deliver  bool   `json:"deliver,omitempty"`
}

func (s *Server) handleCronCreate(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	if s.cron == nil {
		return nil, errCode("unavailable", "cron service not running")
	}
	var p cronCreateParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errCode("bad_params", "invalid cron.create params")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()[:8]
	}
	job := store.CronJob{
		ID:       p.ID,
		Name:     p.Name,
		AgentID:  p.AgentID,
		Schedule: p.Schedule,
		Enabled:  true,
		Payload: store.CronPayload{
			Message: p.Message,
			Channel: p.Channel,
			To:      p.To,
			Deliver: p.Deliver,
		},
	}
	if err := s.cron.Add(job); err != nil {
		return nil, errCode("bad_params", err.Error())
	}
	return map[string]string{"id": job.ID}, nil
}

type cronIDParams struct {
	ID string `json:"id"`
}

func (s *Server) handleCronDelete(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	if s.cron == nil {
		return nil, errCode("unavailable", "cron service not running")
	}
	var p cronIDParams
	if err := json.Unmarshal(raw, &p); err != nil || p.ID == "" {
		return nil, errCode("bad_params", "id is required")
	}
	if err := s.cron.Remove(p.ID); err != nil {
		return nil, err
	}
	return map[string]bool{"deleted": true}, nil
}

func (s *Server) handleCronRun(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	if s.cron == nil {
		return nil, errCode("unavailable", "cron service not running")
	}
	var p cronIDParams
	if err := json.Unmarshal(raw, &p); err != nil || p.ID == "" {
		return nil, errCode("bad_params", "id is required")
	}
	// Detach from the connection: a manual run outlives the client.
	if err := s.cron.RunNow(context.WithoutCancel(ctx), p.ID); err != nil {
		return nil, errCode("not_found", err.Error())
	}
	return map[string]bool{"started": true}, nil
}
