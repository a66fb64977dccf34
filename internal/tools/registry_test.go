package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/fault"
)

type stubTool struct {
	name  string
	fn    func(ctx context.Context, args map[string]interface{}) *Result
	delay time.Duration
}

func (t *stubTool) Name() string        { return t.name }
func (t *stubTool) Description() string { return "stub" }
func (t *stubTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}

func (t *stubTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.delay > 0 {
		select {
		case <-time.After(t.delay):
		case <-ctx.Done():
			return ErrorResult("cancelled")
		}
	}
	if t.fn != nil {
		return t.fn(ctx, args)
	}
	return NewResult("ok")
}

func TestRegistryRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&stubTool{name: "echo"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register(&stubTool{name: "echo"}); err == nil {
		t.Fatal("expected duplicate registration error, got nil")
	}
}

func TestRegistryExecuteUnknown(t *testing.T) {
	r := NewRegistry()
	res := r.Execute(context.Background(), "nope", nil)
	if !res.IsError {
		t.Errorf("IsError = false, want true")
	}
	if !strings.Contains(res.ForLLM, "unknown tool") {
		t.Errorf("ForLLM = %q, want mention of unknown tool", res.ForLLM)
	}
}

func TestRegistryExecuteTimeout(t *testing.T) {
	r := NewRegistry()
	r.SetTimeout(20 * time.Millisecond)
	if err := r.Register(&stubTool{name: "slow", delay: 2 * time.Second}); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	res := r.Execute(context.Background(), "slow", nil)
	elapsed := time.Since(start)

	if !res.IsError {
		t.Fatalf("IsError = false, want true")
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("execute took %v, want well under the tool's own delay", elapsed)
	}
	if fault.KindOf(res.Err) != fault.KindTimeout {
		t.Errorf("KindOf(Err) = %v, want KindTimeout", fault.KindOf(res.Err))
	}
	if fault.PhaseOf(res.Err) != fault.PhaseToolExecution {
		t.Errorf("PhaseOf(Err) = %v, want PhaseToolExecution", fault.PhaseOf(res.Err))
	}
}

func TestRegistryExecutePanicBecomesError(t *testing.T) {
	r := NewRegistry()
	panicky := &stubTool{name: "boom", fn: func(context.Context, map[string]interface{}) *Result {
		panic("kaboom")
	}}
	if err := r.Register(panicky); err != nil {
		t.Fatal(err)
	}

	res := r.Execute(context.Background(), "boom", nil)
	if !res.IsError {
		t.Errorf("IsError = false, want true")
	}
	if !strings.Contains(res.ForLLM, "crashed") {
		t.Errorf("ForLLM = %q, want crash notice", res.ForLLM)
	}
}

func TestRegistryProviderDefsSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(&stubTool{name: name}); err != nil {
			t.Fatal(err)
		}
	}

	defs := r.ProviderDefs()
	want := []string{"alpha", "mid", "zeta"}
	if len(defs) != len(want) {
		t.Fatalf("len(defs) = %d, want %d", len(defs), len(want))
	}
	for i, d := range defs {
		if d.Name != want[i] {
			t.Errorf("defs[%d].Name = %q, want %q", i, d.Name, want[i])
		}
	}
}

func TestToolContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = WithToolChannel(ctx, "telegram")
	ctx = WithToolChatID(ctx, "42")
	ctx = WithToolPeerKind(ctx, "dm")
	ctx = WithToolSessionKey(ctx, "agent:main:dm:telegram:42")
	ctx = WithToolAgentID(ctx, "main")

	if got := ToolChannelFromCtx(ctx); got != "telegram" {
		t.Errorf("channel = %q, want %q", got, "telegram")
	}
	if got := ToolChatIDFromCtx(ctx); got != "42" {
		t.Errorf("chatID = %q, want %q", got, "42")
	}
	if got := ToolPeerKindFromCtx(ctx); got != "dm" {
		t.Errorf("peerKind = %q, want %q", got, "dm")
	}
	if got := ToolSessionKeyFromCtx(ctx); got != "agent:main:dm:telegram:42" {
		t.Errorf("sessionKey = %q, want %q", got, "agent:main:dm:telegram:42")
	}
	if got := ToolAgentIDFromCtx(ctx); got != "main" {
		t.Errorf("agentID = %q, want %q", got, "main")
	}
}

type fakeRunControl struct {
	question string
	answer   string
	err      error
}

func (f *fakeRunControl) AskUser(ctx context.Context, question string) (string, error) {
	f.question = question
	return f.answer, f.err
}

func TestAskUserTool(t *testing.T) {
	tool := NewAskUserTool()

	t.Run("no run control", func(t *testing.T) {
		res := tool.Execute(context.Background(), map[string]interface{}{"question": "which wallet?"})
		if !res.IsError {
			t.Error("IsError = false, want true without run control")
		}
	})

	t.Run("empty question", func(t *testing.T) {
		ctx := WithRunControl(context.Background(), &fakeRunControl{})
		res := tool.Execute(ctx, map[string]interface{}{})
		if !res.IsError {
			t.Error("IsError = false, want true for empty question")
		}
	})

	t.Run("answer returned", func(t *testing.T) {
		rc := &fakeRunControl{answer: "the main one"}
		ctx := WithRunControl(context.Background(), rc)
		res := tool.Execute(ctx, map[string]interface{}{"question": "which wallet?"})
		if res.IsError {
			t.Fatalf("IsError = true: %s", res.ForLLM)
		}
		if rc.question != "which wallet?" {
			t.Errorf("question = %q, want %q", rc.question, "which wallet?")
		}
		if !strings.Contains(res.ForLLM, "the main one") {
			t.Errorf("ForLLM = %q, want answer inside", res.ForLLM)
		}
	})

	t.Run("cancelled wait", func(t *testing.T) {
		rc := &fakeRunControl{err: errors.New("run cancelled")}
		ctx := WithRunControl(context.Background(), rc)
		res := tool.Execute(ctx, map[string]interface{}{"question": "still there?"})
		if !res.IsError {
			t.Error("IsError = false, want true when answer wait fails")
		}
	})
}

func TestCurrentTimeTool(t *testing.T) {
	tool := NewCurrentTimeTool()
	fixed := time.Date(2025, 3, 9, 14, 30, 0, 0, time.UTC)
	tool.now = func() time.Time { return fixed }

	res := tool.Execute(context.Background(), map[string]interface{}{"timezone": "UTC"})
	if res.IsError {
		t.Fatalf("IsError = true: %s", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "9 March 2025") {
		t.Errorf("ForLLM = %q, want formatted date", res.ForLLM)
	}

	res = tool.Execute(context.Background(), map[string]interface{}{"timezone": "Not/AZone"})
	if !res.IsError {
		t.Error("IsError = false, want true for unknown timezone")
	}
}
