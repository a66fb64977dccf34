package providers

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ScriptedTurn is one pre-planned assistant turn for the Scripted fake.
type ScriptedTurn struct {
	// TextChunks are emitted as assistant_text events in order.
	TextChunks []string
	// ChunkDelay pauses before each text chunk, honoring ctx, so tests
	// can exercise deadlines mid-stream.
	ChunkDelay time.Duration
	// ToolCalls are emitted as tool_call events after the text.
	ToolCalls []ToolCall
	// Usage is attached to the end event.
	Usage *Usage
	// Err aborts the turn after TextChunks with this error.
	Err error
}

// Scripted is a fake Provider that plays back pre-planned turns, one
// per Stream call. Tests use it to drive the coordinator without a
// network. It records every request it receives.
type Scripted struct {
	mu    sync.Mutex
	turns []ScriptedTurn
	calls int

	// Requests holds a copy of every StreamRequest, in call order.
	Requests []StreamRequest
}

func NewScripted(turns ...ScriptedTurn) *Scripted {
	return &Scripted{turns: turns}
}

func (s *Scripted) Name() string         { return "scripted" }
func (s *Scripted) DefaultModel() string { return "scripted-model" }

// Calls returns how many times Stream has been invoked.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Append adds more turns to the script.
func (s *Scripted) Append(turns ...ScriptedTurn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, turns...)
}

func (s *Scripted) Stream(ctx context.Context, req StreamRequest, onEvent func(StreamEvent)) (*StreamResult, error) {
	s.mu.Lock()
	if s.calls >= len(s.turns) {
		s.mu.Unlock()
		return nil, fmt.Errorf("scripted provider: no turn for call %d", s.calls+1)
	}
	turn := s.turns[s.calls]
	s.calls++
	s.Requests = append(s.Requests, req)
	s.mu.Unlock()

	var content string
	for _, chunk := range turn.TextChunks {
		if turn.ChunkDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(turn.ChunkDelay):
			}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		content += chunk
		if onEvent != nil {
			onEvent(StreamEvent{Kind: StreamAssistantText, Text: chunk})
		}
	}

	if turn.Err != nil {
		if onEvent != nil {
			onEvent(StreamEvent{Kind: StreamError, Err: turn.Err})
		}
		return nil, turn.Err
	}

	for i := range turn.ToolCalls {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		tc := turn.ToolCalls[i]
		if onEvent != nil {
			onEvent(StreamEvent{Kind: StreamToolCall, ToolCall: &tc})
		}
	}

	if onEvent != nil {
		onEvent(StreamEvent{Kind: StreamEnd, Usage: turn.Usage})
	}

	stop := "stop"
	if len(turn.ToolCalls) > 0 {
		stop = "tool_calls"
	}
	return &StreamResult{
		Content:    content,
		ToolCalls:  turn.ToolCalls,
		StopReason: stop,
		Usage:      turn.Usage,
	}, nil
}
