package bus

import (
	"context"
	"testing"
	"time"
)

func TestInboundRoundTrip(t *testing.T) {
	b := New()
	b.PublishInbound(InboundMessage{Channel: "telegram", ChatID: "42", Content: "hi"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("ConsumeInbound returned no message")
	}
	if msg.Channel != "telegram" || msg.ChatID != "42" || msg.Content != "hi" {
		t.Errorf("got %+v, want telegram/42/hi", msg)
	}
}

func TestConsumeInboundStopsOnCancel(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := b.ConsumeInbound(ctx); ok {
		t.Error("ConsumeInbound = ok on cancelled context")
	}
}

func TestFullInboundQueueDropsInsteadOfBlocking(t *testing.T) {
	b := NewWithCapacity(1)
	b.PublishInbound(InboundMessage{EventID: "1"})

	done := make(chan struct{})
	go func() {
		b.PublishInbound(InboundMessage{EventID: "2"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("PublishInbound blocked on full queue")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, _ := b.ConsumeInbound(ctx)
	if msg.EventID != "1" {
		t.Errorf("queued message = %q, want the first one", msg.EventID)
	}
}

func TestBroadcastFansOut(t *testing.T) {
	b := New()
	got := make(map[string]string)
	b.Subscribe("a", func(e Event) { got["a"] = e.Name })
	b.Subscribe("b", func(e Event) { got["b"] = e.Name })

	b.Broadcast(Event{Name: "session:start"})
	if got["a"] != "session:start" || got["b"] != "session:start" {
		t.Errorf("handlers saw %v, want both session:start", got)
	}

	b.Unsubscribe("a")
	b.Broadcast(Event{Name: "session:reset"})
	if got["a"] != "session:start" {
		t.Error("unsubscribed handler still invoked")
	}
	if got["b"] != "session:reset" {
		t.Error("remaining handler missed the second event")
	}
}

func TestSubscribeReplacesSameID(t *testing.T) {
	b := New()
	calls := 0
	b.Subscribe("x", func(Event) { calls += 100 })
	b.Subscribe("x", func(Event) { calls++ })

	b.Broadcast(Event{Name: "tick"})
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (replacement, not addition)", calls)
	}
}
