package agent

import (
	"log/slog"

	"github.com/nextlevelbuilder/clawgate/internal/fault"
	"github.com/nextlevelbuilder/clawgate/internal/providers"
)

// repairTranscript fixes tool call/result pairing in a loaded
// transcript before it is replayed to a provider.
//
// Problems this repairs:
//   - orphaned tool messages at the start (left behind by compaction)
//   - tool results without a matching call in the preceding assistant turn
//   - assistant turns whose tool calls never got results (aborted runs)
//
// A transcript it cannot repair, such as one assistant turn carrying
// the same tool call id twice, returns a role-ordering conflict; the
// caller resets the session rather than replaying a turn sequence the
// provider will reject.
func repairTranscript(msgs []providers.Message) ([]providers.Message, error) {
	if len(msgs) == 0 {
		return msgs, nil
	}

	start := 0
	for start < len(msgs) && msgs[start].Role == "tool" {
		slog.Warn("dropping orphaned tool message at transcript start",
			"tool_call_id", msgs[start].ToolCallID)
		start++
	}
	if start >= len(msgs) {
		return nil, nil
	}

	var result []providers.Message
	for i := start; i < len(msgs); i++ {
		msg := msgs[i]

		switch {
		case msg.Role == "assistant" && len(msg.ToolCalls) > 0:
			expected := make(map[string]bool, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				if expected[tc.ID] {
					return nil, fault.Newf(fault.KindRoleOrderingConflict,
						"assistant turn repeats tool call id %s", tc.ID)
				}
				expected[tc.ID] = true
			}

			result = append(result, msg)

			for i+1 < len(msgs) && msgs[i+1].Role == "tool" {
				i++
				toolMsg := msgs[i]
				if expected[toolMsg.ToolCallID] {
					result = append(result, toolMsg)
					delete(expected, toolMsg.ToolCallID)
				} else {
					slog.Warn("dropping mismatched tool result",
						"tool_call_id", toolMsg.ToolCallID)
				}
			}

			// Synthesize in call order so a damaged transcript repairs
			// to the same bytes every time.
			for _, tc := range msg.ToolCalls {
				if !expected[tc.ID] {
					continue
				}
				slog.Warn("synthesizing missing tool result", "tool_call_id", tc.ID)
				result = append(result, providers.Message{
					Role:       "tool",
					Content:    "[Tool result missing from transcript]",
					ToolCallID: tc.ID,
				})
			}

		case msg.Role == "tool":
			slog.Warn("dropping orphaned tool message mid-transcript",
				"tool_call_id", msg.ToolCallID)

		default:
			result = append(result, msg)
		}
	}

	return result, nil
}

// limitTurns keeps only the last N user turns from a transcript. A turn
// is one user message plus everything until the next user message.
// limit <= 0 keeps the whole transcript.
func limitTurns(msgs []providers.Message, limit int) []providers.Message {
	if limit <= 0 || len(msgs) == 0 {
		return msgs
	}

	userCount := 0
	lastUserIndex := len(msgs)

	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			userCount++
			if userCount > limit {
				return msgs[lastUserIndex:]
			}
			lastUserIndex = i
		}
	}

	return msgs
}
