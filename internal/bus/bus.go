// Package bus decouples channel accounts from the agent runtime:
// inbound and outbound messages flow through buffered queues, and
// lifecycle events fan out to named subscribers.
package bus

import (
	"context"
	"log/slog"
	"sync"
)

const defaultQueueSize = 256

// MessageBus is the in-process message and event hub.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu   sync.RWMutex
	subs map[string]EventHandler
}

// New creates a bus with the default queue capacity.
func New() *MessageBus {
	return NewWithCapacity(defaultQueueSize)
}

// NewWithCapacity creates a bus with explicit queue capacity.
func NewWithCapacity(n int) *MessageBus {
	if n < 1 {
		n = defaultQueueSize
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, n),
		outbound: make(chan OutboundMessage, n),
		subs:     make(map[string]EventHandler),
	}
}

// PublishInbound queues a message for the runtime. When the queue is
// full the message is dropped with a warning rather than blocking the
// channel poll loop.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	select {
	case b.inbound <- msg:
	default:
		slog.Warn("inbound queue full, dropping message",
			"channel", msg.Channel, "chat_id", msg.ChatID)
	}
}

// ConsumeInbound blocks for the next inbound message. Returns false
// when ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case <-ctx.Done():
		return InboundMessage{}, false
	case msg := <-b.inbound:
		return msg, true
	}
}

// PublishOutbound queues a message toward its channel account.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	select {
	case b.outbound <- msg:
	default:
		slog.Warn("outbound queue full, dropping message",
			"channel", msg.Channel, "chat_id", msg.ChatID)
	}
}

// SubscribeOutbound blocks for the next outbound message. Returns
// false when ctx is done.
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case <-ctx.Done():
		return OutboundMessage{}, false
	case msg := <-b.outbound:
		return msg, true
	}
}

// Subscribe registers a named event handler, replacing any previous
// handler under the same id.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[id] = handler
}

// Unsubscribe removes a named handler.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Broadcast delivers an event to every subscriber synchronously.
// Handlers must not block; anything slow belongs on the handler's own
// goroutine.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
