package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/clawgate/internal/agent"
	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/ratelimit"
	"github.com/nextlevelbuilder/clawgate/internal/routing"
	"github.com/nextlevelbuilder/clawgate/internal/scheduler"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
)

// dispatcher turns monitor events into scheduled runs. It sits between
// the per-account sync loops and the scheduler: classify the input,
// let the intent router pick the agents, run, and push the reply back
// through the outbound bus.
type dispatcher struct {
	sched      *scheduler.Scheduler
	msgBus     *bus.MessageBus
	classifier *routing.Classifier
	router     *routing.Router
	limits     *ratelimit.Registry
}

// Dispatch is the monitor's DispatchFunc. It never blocks on the run
// itself; the monitor loop must keep polling while the agent works.
func (d *dispatcher) Dispatch(ctx context.Context, sessionKey string, ev channels.Event) error {
	// Inbound flood guard: dropping here keeps a chatty room from
	// backing up the session queue.
	if ok, retryIn := d.limits.Get(ev.ChannelID).Take(1); !ok {
		slog.Debug("inbound rate limited",
			"channel", ev.ChannelID, "room", ev.RoomID, "retry_in_ms", retryIn)
		return nil
	}

	cls := d.classifier.Classify(ev.Body)
	dec := d.router.Route(cls, ev.Body)

	req := agent.RunRequest{
		SessionKey: sessionKey,
		Message:    ev.Body,
		Channel:    ev.ChannelID,
		ChatID:     ev.RoomID,
		UserID:     ev.SenderID,
		SenderID:   ev.SenderID,
		PeerKind:   peerKind(ev),
		Media:      ev.Media,
		TraceName:  "channel.dispatch",
	}

	if dec.ShouldDelegate {
		slog.Debug("intent routed",
			"intent", cls.Intent,
			"confidence", cls.Confidence,
			"delegation", dec.DelegationType,
			"primary", dec.PrimaryAgent,
			"background", dec.BackgroundAgent)

		if dec.DelegationType == routing.DelegateBackground && dec.BackgroundAgent != "" {
			d.runBackground(ctx, sessionKey, dec, ev)
		}
		if dec.DelegationType == routing.DelegateBlocking && dec.PrimaryAgent != "" {
			req.SessionKey = retargetKey(sessionKey, dec.PrimaryAgent)
			req.Message = dec.PrimaryPrompt
		}
	}

	done := d.sched.Schedule(ctx, scheduler.LaneMain, req)
	go d.deliver(ev.ChannelID, ev.RoomID, ev.ThreadID, done)
	return nil
}

// runBackground fires the background half of a delegated intent on its
// own lane. The result lands in the same chat as a follow-up message.
func (d *dispatcher) runBackground(ctx context.Context, sessionKey string, dec routing.Decision, ev channels.Event) {
	req := agent.RunRequest{
		SessionKey: retargetKey(sessionKey, dec.BackgroundAgent),
		Message:    dec.BackgroundPrompt,
		Channel:    ev.ChannelID,
		ChatID:     ev.RoomID,
		UserID:     ev.SenderID,
		SenderID:   ev.SenderID,
		PeerKind:   peerKind(ev),
		TraceName:  "background.dispatch",
	}
	done := d.sched.Schedule(ctx, scheduler.LaneBackground, req)
	go d.deliver(ev.ChannelID, ev.RoomID, ev.ThreadID, done)
}

// deliver waits for one run result and publishes the reply. Errors the
// retry layer could not absorb become a short apology in the chat
// rather than silence.
func (d *dispatcher) deliver(channel, chatID, threadID string, done <-chan scheduler.Result) {
	res, ok := <-done
	if !ok {
		return
	}
	content := res.Content
	if res.Err != nil {
		slog.Error("run failed", "session", res.SessionKey, "run", res.RunID, "error", res.Err)
		content = "Sorry, something went wrong handling that message. Please try again."
	}
	if strings.TrimSpace(content) == "" {
		return
	}
	d.msgBus.PublishOutbound(bus.OutboundMessage{
		Channel:  channel,
		ChatID:   chatID,
		ThreadID: threadID,
		Content:  content,
	})
}

func peerKind(ev channels.Event) string {
	if ev.Group {
		return "group"
	}
	return "dm"
}

// retargetKey rebuilds a session key for a different agent, keeping
// the scope and conversation id so each agent holds its own history
// for the same chat.
func retargetKey(sessionKey, agentID string) string {
	k, err := sessions.ParseKey(sessionKey)
	if err != nil {
		return sessionKey
	}
	return sessions.BuildKey(agentID, k.Scope, k.ConversationID)
}

// consumeInbound drains the inbound bus. Only system-channel messages
// arrive here: agent-to-agent sends and subagent completion
// announcements, both carrying the target session key in ChatID.
func consumeInbound(ctx context.Context, msgBus *bus.MessageBus, sched *scheduler.Scheduler) {
	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		if msg.Channel != "system" {
			slog.Warn("unexpected inbound channel", "channel", msg.Channel, "sender", msg.SenderID)
			continue
		}

		sessionKey := msg.ChatID
		// Subagent announcements interleave with the parent's chat, so
		// they ride the main lane; peer sends stay off it.
		lane := scheduler.LaneBackground
		if strings.HasPrefix(msg.SenderID, "subagent:") {
			lane = scheduler.LaneMain
		}

		originChannel := msg.Metadata["origin_channel"]
		originChatID := msg.Metadata["origin_chat_id"]

		done := sched.Schedule(ctx, lane, agent.RunRequest{
			SessionKey: sessionKey,
			Message:    msg.Content,
			Channel:    msg.Channel,
			ChatID:     msg.ChatID,
			SenderID:   msg.SenderID,
			TraceName:  "system.dispatch",
		})

		go func() {
			res, ok := <-done
			if !ok {
				return
			}
			if res.Err != nil {
				slog.Error("system run failed", "session", res.SessionKey, "error", res.Err)
				return
			}
			if originChannel == "" || originChatID == "" || strings.TrimSpace(res.Content) == "" {
				return
			}
			msgBus.PublishOutbound(bus.OutboundMessage{
				Channel: originChannel,
				ChatID:  originChatID,
				Content: res.Content,
			})
		}()
	}
}
