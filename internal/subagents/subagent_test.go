package subagents

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/agent"
	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/retry"
	"github.com/nextlevelbuilder/clawgate/internal/scheduler"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
	"github.com/nextlevelbuilder/clawgate/internal/tools"
)

type spawnFakeRunner struct {
	reply string
}

func (r *spawnFakeRunner) Execute(ctx context.Context, req agent.RunRequest, run *agent.RunState) (*agent.RunResult, error) {
	return &agent.RunResult{Content: r.reply, RunID: req.RunID}, nil
}

func (r *spawnFakeRunner) Compact(ctx context.Context, sessionKey string) (int, error) {
	return 0, nil
}

func newSpawnFixture(t *testing.T, limits SubagentLimits) (*SubagentManager, *bus.MessageBus) {
	t.Helper()
	b := bus.New()
	sched := scheduler.NewScheduler(scheduler.Config{
		Runner:     &spawnFakeRunner{reply: "subagent says done"},
		Sessions:   sessions.NewManager(""),
		Retry:      retry.Config{Attempts: 1, MinDelay: time.Millisecond, MaxDelay: time.Millisecond},
		RunTimeout: 5 * time.Second,
	})
	t.Cleanup(sched.Close)
	return NewSubagentManager(sched, b, limits), b
}

func TestSpawnAnnouncesToParentSession(t *testing.T) {
	mgr, b := newSpawnFixture(t, SubagentLimits{})
	parentKey := "agent:main:dm:telegram:7"

	st, err := mgr.Spawn(context.Background(), parentKey, "main", "summarize the report", "report", "telegram", "7")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if sessions.ScopeOf(st.SessionKey) != sessions.ScopeSubagent {
		t.Errorf("SessionKey = %q, want subagent scope", st.SessionKey)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no announce arrived on the bus")
	}
	if msg.Channel != "system" || msg.ChatID != parentKey {
		t.Errorf("announce routed to %s/%s, want system/%s", msg.Channel, msg.ChatID, parentKey)
	}
	if !strings.HasPrefix(msg.SenderID, "subagent:") {
		t.Errorf("SenderID = %q, want subagent: prefix", msg.SenderID)
	}
	if !strings.Contains(msg.Content, "subagent says done") {
		t.Errorf("announce missing result: %q", msg.Content)
	}
	if msg.Metadata["origin_channel"] != "telegram" || msg.Metadata["origin_chat_id"] != "7" {
		t.Errorf("announce metadata = %v, want origin telegram/7", msg.Metadata)
	}
}

func TestSpawnDepthLimit(t *testing.T) {
	mgr, _ := newSpawnFixture(t, SubagentLimits{MaxSpawnDepth: 2})

	st1, err := mgr.Spawn(context.Background(), "agent:main:dm:tg:1", "main", "level one", "l1", "tg", "1")
	if err != nil {
		t.Fatalf("depth 1: %v", err)
	}
	st2, err := mgr.Spawn(context.Background(), st1.SessionKey, "main", "level two", "l2", "tg", "1")
	if err != nil {
		t.Fatalf("depth 2: %v", err)
	}
	if _, err := mgr.Spawn(context.Background(), st2.SessionKey, "main", "level three", "l3", "tg", "1"); err == nil {
		t.Fatal("depth 3 spawn succeeded, want depth limit error")
	}
}

func TestSpawnChildrenLimit(t *testing.T) {
	mgr, _ := newSpawnFixture(t, SubagentLimits{MaxChildrenPerAgent: 1})
	parentKey := "agent:main:dm:tg:2"

	if _, err := mgr.Spawn(context.Background(), parentKey, "main", "first", "", "tg", "2"); err != nil {
		t.Fatalf("first spawn: %v", err)
	}
	if _, err := mgr.Spawn(context.Background(), parentKey, "main", "second", "", "tg", "2"); err == nil {
		t.Fatal("second spawn succeeded, want children limit error")
	}
}

func TestSpawnToolRequiresSessionContext(t *testing.T) {
	mgr, _ := newSpawnFixture(t, SubagentLimits{})
	tool := NewSpawnTool(mgr)

	res := tool.Execute(context.Background(), map[string]interface{}{"task": "do something"})
	if !res.IsError {
		t.Fatalf("spawn without session context succeeded: %q", res.ForLLM)
	}

	ctx := tools.WithToolSessionKey(context.Background(), "agent:main:dm:tg:3")
	ctx = tools.WithToolAgentID(ctx, "main")
	res = tool.Execute(ctx, map[string]interface{}{"task": "do something"})
	if res.IsError {
		t.Fatalf("spawn failed: %s", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "Spawned subagent") {
		t.Errorf("ForLLM = %q", res.ForLLM)
	}
}

func TestSubagentsToolListAndCancel(t *testing.T) {
	mgr, _ := newSpawnFixture(t, SubagentLimits{})
	tool := NewSubagentsTool(mgr)
	ctx := tools.WithToolAgentID(context.Background(), "main")

	if _, err := mgr.Spawn(context.Background(), "agent:main:dm:tg:4", "main", "listable task", "listable", "tg", "4"); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	res := tool.Execute(ctx, map[string]interface{}{"action": "list"})
	if res.IsError || !strings.Contains(res.ForLLM, "listable") {
		t.Fatalf("list = %q", res.ForLLM)
	}

	res = tool.Execute(ctx, map[string]interface{}{"action": "cancel", "id": "missing"})
	if !res.IsError {
		t.Errorf("cancel of unknown id succeeded: %q", res.ForLLM)
	}
}
