// Subagent spawning. A spawned subagent is an ordinary scheduler run on
// the subagent lane with its own session key, so it gets the same
// reliability treatment (retry, breaker, timeout) as any other run. Its
// result is announced back to the parent session through the message
// bus rather than returned inline.
package subagents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawgate/internal/agent"
	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/scheduler"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
	"github.com/nextlevelbuilder/clawgate/internal/tools"
)

// Subagent task status constants.
const (
	TaskStatusRunning   = "running"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
	TaskStatusCancelled = "cancelled"
)

// SubagentLimits bounds the spawn tree.
type SubagentLimits struct {
	MaxSpawnDepth       int // nesting depth (default 3)
	MaxConcurrent       int // running subagents across all parents (default 4)
	MaxChildrenPerAgent int // children per parent session (default 8)
	ArchiveAfter        time.Duration
}

func (l SubagentLimits) withDefaults() SubagentLimits {
	if l.MaxSpawnDepth <= 0 {
		l.MaxSpawnDepth = 3
	}
	if l.MaxConcurrent <= 0 {
		l.MaxConcurrent = 4
	}
	if l.MaxChildrenPerAgent <= 0 {
		l.MaxChildrenPerAgent = 8
	}
	if l.ArchiveAfter <= 0 {
		l.ArchiveAfter = 30 * time.Minute
	}
	return l
}

// SubagentTask tracks one spawned run.
type SubagentTask struct {
	ID            string `json:"id"`
	SessionKey    string `json:"sessionKey"`
	ParentKey     string `json:"parentKey"`
	Label         string `json:"label"`
	Task          string `json:"task"`
	Status        string `json:"status"`
	Result        string `json:"result,omitempty"`
	Depth         int    `json:"depth"`
	OriginChannel string `json:"originChannel,omitempty"`
	OriginChatID  string `json:"originChatId,omitempty"`
	CreatedAt     int64  `json:"createdAt"`
	CompletedAt   int64  `json:"completedAt,omitempty"`

	cancel context.CancelFunc
}

// SubagentManager tracks spawned tasks and enforces the tree limits.
type SubagentManager struct {
	sched  *scheduler.Scheduler
	msgBus *bus.MessageBus
	limits SubagentLimits

	mu    sync.Mutex
	tasks map[string]*SubagentTask // by id
	byKey map[string]*SubagentTask // by subagent session key
}

func NewSubagentManager(sched *scheduler.Scheduler, msgBus *bus.MessageBus, limits SubagentLimits) *SubagentManager {
	return &SubagentManager{
		sched:  sched,
		msgBus: msgBus,
		limits: limits.withDefaults(),
		tasks:  make(map[string]*SubagentTask),
		byKey:  make(map[string]*SubagentTask),
	}
}

// Spawn submits a subagent run and returns immediately. parentKey is
// the session that asked for the spawn; channel/chatID locate the user
// conversation the eventual announce should surface in.
func (sm *SubagentManager) Spawn(ctx context.Context, parentKey, agentID, task, label, channel, chatID string) (*SubagentTask, error) {
	sm.mu.Lock()

	depth := 1
	if parent, ok := sm.byKey[parentKey]; ok {
		depth = parent.Depth + 1
	}
	if depth > sm.limits.MaxSpawnDepth {
		sm.mu.Unlock()
		return nil, fmt.Errorf("spawn depth limit reached (%d)", sm.limits.MaxSpawnDepth)
	}

	running, children := 0, 0
	for _, t := range sm.tasks {
		if t.Status == TaskStatusRunning {
			running++
		}
		if t.ParentKey == parentKey {
			children++
		}
	}
	if running >= sm.limits.MaxConcurrent {
		sm.mu.Unlock()
		return nil, fmt.Errorf("max concurrent subagents reached (%d/%d)", running, sm.limits.MaxConcurrent)
	}
	if children >= sm.limits.MaxChildrenPerAgent {
		sm.mu.Unlock()
		return nil, fmt.Errorf("max children per session reached (%d/%d)", children, sm.limits.MaxChildrenPerAgent)
	}

	id := uuid.NewString()[:8]
	if label == "" {
		label = truncateRunes(task, 50)
	}
	st := &SubagentTask{
		ID:            id,
		SessionKey:    sessions.BuildSubagentKey(agentID, label+"-"+id),
		ParentKey:     parentKey,
		Label:         label,
		Task:          task,
		Status:        TaskStatusRunning,
		Depth:         depth,
		OriginChannel: channel,
		OriginChatID:  chatID,
		CreatedAt:     time.Now().UnixMilli(),
	}

	// Detach from the parent run: the child outlives the tool call.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	st.cancel = cancel
	sm.tasks[id] = st
	sm.byKey[st.SessionKey] = st
	sm.mu.Unlock()

	slog.Info("subagent.spawned", "id", id, "parent", parentKey, "depth", depth, "label", label)

	done := sm.sched.Schedule(runCtx, scheduler.LaneSubagent, agent.RunRequest{
		SessionKey: st.SessionKey,
		Message:    task,
		Channel:    channel,
		ChatID:     chatID,
		RunID:      "sub-" + id,
		TraceName:  "subagent.run",
	})
	go sm.waitAndAnnounce(runCtx, st, done)

	return st, nil
}

func (sm *SubagentManager) waitAndAnnounce(ctx context.Context, st *SubagentTask, done <-chan scheduler.Result) {
	res := <-done

	sm.mu.Lock()
	st.CompletedAt = time.Now().UnixMilli()
	switch {
	case res.Err != nil && ctx.Err() != nil:
		st.Status = TaskStatusCancelled
		st.Result = "cancelled"
	case res.Err != nil:
		st.Status = TaskStatusFailed
		st.Result = res.Err.Error()
	default:
		st.Status = TaskStatusCompleted
		st.Result = res.Content
	}
	announce := fmt.Sprintf("Subagent %q finished with status %s after %s.\n\nResult:\n%s",
		st.Label, st.Status, time.Since(time.UnixMilli(st.CreatedAt)).Round(time.Second), st.Result)
	parentKey, agentID := st.ParentKey, sessions.AgentOf(st.ParentKey)
	meta := map[string]string{
		"subagent_id":    st.ID,
		"subagent_label": st.Label,
		"origin_channel": st.OriginChannel,
		"origin_chat_id": st.OriginChatID,
	}
	sm.mu.Unlock()

	slog.Info("subagent.finished", "id", st.ID, "status", st.Status, "run_id", res.RunID)

	// Inject the result into the parent session. System-channel inbound
	// carries the target session key in ChatID.
	if sm.msgBus != nil {
		sm.msgBus.PublishInbound(bus.InboundMessage{
			Channel:  "system",
			SenderID: "subagent:" + st.ID,
			ChatID:   parentKey,
			Content:  announce,
			AgentID:  agentID,
			Metadata: meta,
		})
	}

	if sm.limits.ArchiveAfter > 0 {
		time.AfterFunc(sm.limits.ArchiveAfter, func() { sm.archive(st.ID) })
	}
}

func (sm *SubagentManager) archive(id string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if st, ok := sm.tasks[id]; ok && st.Status != TaskStatusRunning {
		delete(sm.byKey, st.SessionKey)
		delete(sm.tasks, id)
	}
}

// List returns tasks whose parent belongs to agentID, newest first.
func (sm *SubagentManager) List(agentID string) []SubagentTask {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make([]SubagentTask, 0, len(sm.tasks))
	for _, t := range sm.tasks {
		if sessions.AgentOf(t.ParentKey) == agentID {
			out = append(out, *t)
		}
	}
	return out
}

// Cancel stops a running task. Returns false when the id is unknown or
// the task already finished.
func (sm *SubagentManager) Cancel(id string) bool {
	sm.mu.Lock()
	st, ok := sm.tasks[id]
	sm.mu.Unlock()
	if !ok || st.Status != TaskStatusRunning {
		return false
	}
	st.cancel()
	sm.sched.Cancel(st.SessionKey)
	return true
}

// SpawnTool exposes Spawn as the sessions_spawn tool.
type SpawnTool struct {
	mgr *SubagentManager
}

func NewSpawnTool(mgr *SubagentManager) *SpawnTool { return &SpawnTool{mgr: mgr} }

func (t *SpawnTool) Name() string { return "sessions_spawn" }
func (t *SpawnTool) Description() string {
	return "Spawn a background subagent to work on a task. Returns immediately; the result is announced back to this conversation when the subagent finishes."
}
func (t *SpawnTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"description": "The task for the subagent to perform",
			},
			"label": map[string]interface{}{
				"type":        "string",
				"description": "Short label for the subagent (default: derived from task)",
			},
		},
		"required": []string{"task"},
	}
}

func (t *SpawnTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	task, _ := args["task"].(string)
	if task == "" {
		return tools.ErrorResult("task is required")
	}
	label, _ := args["label"].(string)

	parentKey := tools.ToolSessionKeyFromCtx(ctx)
	agentID := tools.ToolAgentIDFromCtx(ctx)
	if parentKey == "" || agentID == "" {
		return tools.ErrorResult("no session context available")
	}

	st, err := t.mgr.Spawn(ctx, parentKey, agentID, task, label, tools.ToolChannelFromCtx(ctx), tools.ToolChatIDFromCtx(ctx))
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("spawn failed: %v", err))
	}
	return tools.SilentResult(fmt.Sprintf("Spawned subagent %q (id=%s, depth=%d). The result will be announced when it finishes.",
		st.Label, st.ID, st.Depth))
}

// SubagentsTool lists and cancels spawned subagents.
type SubagentsTool struct {
	mgr *SubagentManager
}

func NewSubagentsTool(mgr *SubagentManager) *SubagentsTool { return &SubagentsTool{mgr: mgr} }

func (t *SubagentsTool) Name() string { return "subagents" }
func (t *SubagentsTool) Description() string {
	return "List or cancel background subagents spawned from this agent"
}
func (t *SubagentsTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"list", "cancel"},
				"description": "Operation to perform (default: list)",
			},
			"id": map[string]interface{}{
				"type":        "string",
				"description": "Subagent id, required for cancel",
			},
		},
	}
}

func (t *SubagentsTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	action, _ := args["action"].(string)
	switch action {
	case "cancel":
		id, _ := args["id"].(string)
		if id == "" {
			return tools.ErrorResult("id is required for cancel")
		}
		if !t.mgr.Cancel(id) {
			return tools.ErrorResult(fmt.Sprintf("no running subagent %q", id))
		}
		return tools.SilentResult(fmt.Sprintf("cancelled subagent %s", id))
	case "", "list":
		tasks := t.mgr.List(tools.ToolAgentIDFromCtx(ctx))
		if len(tasks) == 0 {
			return tools.SilentResult("no subagents")
		}
		data, err := json.MarshalIndent(tasks, "", "  ")
		if err != nil {
			return tools.ErrorResult(fmt.Sprintf("marshal: %v", err))
		}
		return tools.SilentResult(string(data))
	default:
		return tools.ErrorResult(fmt.Sprintf("unknown action %q", action))
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
