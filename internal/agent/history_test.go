package agent

import (
	"testing"

	"github.com/nextlevelbuilder/clawgate/internal/fault"
	"github.com/nextlevelbuilder/clawgate/internal/providers"
)

func userMsg(text string) providers.Message {
	return providers.Message{Role: "user", Content: text}
}

func assistantMsg(text string) providers.Message {
	return providers.Message{Role: "assistant", Content: text}
}

func toolCallMsg(ids ...string) providers.Message {
	m := providers.Message{Role: "assistant", Content: ""}
	for _, id := range ids {
		m.ToolCalls = append(m.ToolCalls, providers.ToolCall{ID: id, Name: "t"})
	}
	return m
}

func toolResultMsg(id string) providers.Message {
	return providers.Message{Role: "tool", Content: "ok", ToolCallID: id}
}

func roleSeq(msgs []providers.Message) []string {
	var out []string
	for _, m := range msgs {
		out = append(out, m.Role)
	}
	return out
}

func TestRepairTranscript(t *testing.T) {
	tests := []struct {
		name      string
		in        []providers.Message
		wantRoles []string
	}{
		{
			name:      "clean transcript untouched",
			in:        []providers.Message{userMsg("hi"), assistantMsg("hello")},
			wantRoles: []string{"user", "assistant"},
		},
		{
			name:      "orphaned tool at start dropped",
			in:        []providers.Message{toolResultMsg("a"), userMsg("hi"), assistantMsg("hello")},
			wantRoles: []string{"user", "assistant"},
		},
		{
			name:      "all orphans yields empty",
			in:        []providers.Message{toolResultMsg("a"), toolResultMsg("b")},
			wantRoles: nil,
		},
		{
			name: "mismatched tool result dropped",
			in: []providers.Message{
				userMsg("hi"), toolCallMsg("a"), toolResultMsg("a"), toolResultMsg("zzz"), assistantMsg("done"),
			},
			wantRoles: []string{"user", "assistant", "tool", "assistant"},
		},
		{
			name: "missing tool result synthesized",
			in: []providers.Message{
				userMsg("hi"), toolCallMsg("a", "b"), toolResultMsg("a"), assistantMsg("done"),
			},
			wantRoles: []string{"user", "assistant", "tool", "tool", "assistant"},
		},
		{
			name: "orphaned tool mid transcript dropped",
			in: []providers.Message{
				userMsg("hi"), assistantMsg("hello"), toolResultMsg("ghost"), userMsg("more"),
			},
			wantRoles: []string{"user", "assistant", "user"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repairTranscript(tt.in)
			if err != nil {
				t.Fatalf("repairTranscript() error = %v", err)
			}
			gotRoles := roleSeq(got)
			if len(gotRoles) != len(tt.wantRoles) {
				t.Fatalf("roles = %v, want %v", gotRoles, tt.wantRoles)
			}
			for i := range gotRoles {
				if gotRoles[i] != tt.wantRoles[i] {
					t.Errorf("role[%d] = %v, want %v", i, gotRoles[i], tt.wantRoles[i])
				}
			}
		})
	}
}

func TestRepairTranscriptSynthesizedContent(t *testing.T) {
	got, err := repairTranscript([]providers.Message{toolCallMsg("a"), assistantMsg("done")})
	if err != nil {
		t.Fatalf("repairTranscript() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[1].Role != "tool" || got[1].ToolCallID != "a" {
		t.Errorf("synthesized message = %+v, want tool result for id a", got[1])
	}
}

func TestRepairTranscriptSynthesizedOrder(t *testing.T) {
	// Three calls, only the middle one answered. The two synthesized
	// results must come out in call order, every run.
	in := []providers.Message{
		userMsg("hi"), toolCallMsg("a", "b", "c"), toolResultMsg("b"), assistantMsg("done"),
	}
	for run := 0; run < 20; run++ {
		got, err := repairTranscript(in)
		if err != nil {
			t.Fatalf("repairTranscript() error = %v", err)
		}
		var ids []string
		for _, m := range got {
			if m.Role == "tool" {
				ids = append(ids, m.ToolCallID)
			}
		}
		want := []string{"b", "a", "c"}
		if len(ids) != len(want) {
			t.Fatalf("tool result ids = %v, want %v", ids, want)
		}
		for i := range want {
			if ids[i] != want[i] {
				t.Fatalf("tool result ids = %v, want %v", ids, want)
			}
		}
	}
}

func TestRepairTranscriptDuplicateCallID(t *testing.T) {
	_, err := repairTranscript([]providers.Message{
		userMsg("hi"), toolCallMsg("dup", "dup"),
	})
	if err == nil {
		t.Fatal("repairTranscript() error = nil, want role ordering conflict")
	}
	if kind := fault.KindOf(err); kind != fault.KindRoleOrderingConflict {
		t.Errorf("KindOf(err) = %v, want %v", kind, fault.KindRoleOrderingConflict)
	}
}

func TestLimitTurns(t *testing.T) {
	msgs := []providers.Message{
		userMsg("one"), assistantMsg("a1"),
		userMsg("two"), assistantMsg("a2"),
		userMsg("three"), assistantMsg("a3"),
	}

	tests := []struct {
		name      string
		limit     int
		wantLen   int
		wantFirst string
	}{
		{"zero keeps all", 0, 6, "one"},
		{"negative keeps all", -1, 6, "one"},
		{"limit larger than turns keeps all", 10, 6, "one"},
		{"limit two keeps last two turns", 2, 4, "two"},
		{"limit one keeps last turn", 1, 2, "three"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := limitTurns(msgs, tt.limit)
			if len(got) != tt.wantLen {
				t.Fatalf("len = %d, want %d", len(got), tt.wantLen)
			}
			if got[0].Content != tt.wantFirst {
				t.Errorf("first message = %q, want %q", got[0].Content, tt.wantFirst)
			}
		})
	}
}
