// Package tools holds the tool registry the coordinator dispatches
// model-requested tool calls into, plus the builtin tools shipped with
// the gateway. Tool instances are immutable after registration; all
// per-call state travels through the context (see context_keys.go), so
// concurrent execution is safe.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/fault"
	"github.com/nextlevelbuilder/clawgate/internal/providers"
)

// Tool is one callable capability offered to the model.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// LongRunning is an optional interface for tools that wait on external
// input (for example a human reply). They are exempt from the default
// execution timeout and bounded only by the run context.
type LongRunning interface {
	LongRunning() bool
}

// DefaultToolTimeout bounds a single tool execution.
const DefaultToolTimeout = 30 * time.Second

// Registry maps tool names to implementations and executes calls with a
// bounded timeout.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	timeout time.Duration
}

func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		timeout: DefaultToolTimeout,
	}
}

// SetTimeout overrides the per-call execution bound.
func (r *Registry) SetTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d > 0 {
		r.timeout = d
	}
}

// Register adds a tool. Registering a duplicate name is an error.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool has empty name")
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = t
	return nil
}

// Unregister removes a tool. Unknown names are a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProviderDefs returns tool definitions in the shape providers consume,
// sorted by name so identical registries produce identical requests.
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]providers.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, providers.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs the named tool with the per-call timeout. An unknown
// tool, a panic, or a timeout all come back as an error Result so the
// model can see what happened and recover; a timeout additionally
// carries a classified tool-execution timeout in Result.Err.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) *Result {
	r.mu.RLock()
	t, ok := r.tools[name]
	timeout := r.timeout
	r.mu.RUnlock()

	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}

	callCtx := ctx
	if lr, isLong := t.(LongRunning); !isLong || !lr.LongRunning() {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan *Result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				slog.Error("tool panicked", "tool", name, "panic", p)
				done <- ErrorResult(fmt.Sprintf("tool %s crashed: %v", name, p))
			}
		}()
		done <- t.Execute(callCtx, args)
	}()

	select {
	case res := <-done:
		if res == nil {
			return ErrorResult(fmt.Sprintf("tool %s returned no result", name))
		}
		return res
	case <-callCtx.Done():
		// The goroutine keeps running until the tool notices the
		// cancelled context; its result is discarded.
		if ctx.Err() != nil {
			return ErrorResult(fmt.Sprintf("tool %s cancelled", name)).
				WithError(ctx.Err())
		}
		slog.Warn("tool timed out", "tool", name, "timeout", timeout)
		return ErrorResult(fmt.Sprintf("tool %s timed out after %s", name, timeout)).
			WithError(fault.Timeout(fault.PhaseToolExecution, fmt.Sprintf("tool %s", name)))
	}
}
