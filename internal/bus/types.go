package bus

import "context"

// InboundMessage is a normalized message received from a channel
// account, ready for routing and scheduling.
type InboundMessage struct {
	Channel     string            `json:"channel"`
	AccountID   string            `json:"account_id,omitempty"`
	SenderID    string            `json:"sender_id"`
	SenderName  string            `json:"sender_name,omitempty"`
	ChatID      string            `json:"chat_id"`
	ThreadID    string            `json:"thread_id,omitempty"`
	EventID     string            `json:"event_id,omitempty"`
	Content     string            `json:"content"`
	Media       []string          `json:"media,omitempty"`
	PeerKind    string            `json:"peer_kind,omitempty"` // "dm" or "group"
	AgentID     string            `json:"agent_id,omitempty"`
	TimestampMs int64             `json:"timestamp_ms,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a message to deliver through a channel account.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	ThreadID string            `json:"thread_id,omitempty"`
	Content  string            `json:"content"`
	Media    []MediaAttachment `json:"media,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MediaAttachment is a file to send with a message.
type MediaAttachment struct {
	URL         string `json:"url"` // local path or URL
	ContentType string `json:"content_type,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

// Event is a server-side event broadcast to observers (lifecycle
// events, run progress, health).
type Event struct {
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

// MessageHandler handles one inbound message.
type MessageHandler func(InboundMessage) error

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast and subscription so the
// gateway server and the scheduler do not depend on the concrete bus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter abstracts inbound/outbound message flow between channel
// accounts and the agent runtime.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	SubscribeOutbound(ctx context.Context) (OutboundMessage, bool)
}
