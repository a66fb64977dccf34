package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/clawgate/internal/bootstrap"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
)

// PromptMode selects how much of the prompt a session gets. Interactive
// chat sessions get the full prompt; cron and subagent sessions get the
// minimal one, since persona files and chat etiquette only add tokens
// there.
type PromptMode int

const (
	PromptFull PromptMode = iota
	PromptMinimal
)

// SystemPromptConfig is the input to BuildSystemPrompt. The builder is
// deterministic: the same config always produces byte-identical output,
// so prompt caching stays effective across runs.
type SystemPromptConfig struct {
	AgentID   string
	Model     string
	Channel   string
	Hostname  string
	Timezone  string
	Workspace string

	Mode         PromptMode
	ToolNames    []string
	ContextFiles []bootstrap.ContextFile
	ExtraPrompt  string
}

// BuildSystemPrompt assembles the system prompt from fixed sections in
// a fixed order. No clocks, no randomness.
func BuildSystemPrompt(cfg SystemPromptConfig) string {
	var b strings.Builder

	b.WriteString("You are ")
	if cfg.AgentID != "" {
		b.WriteString(cfg.AgentID)
	} else {
		b.WriteString("an agent")
	}
	b.WriteString(", a personal assistant reachable over chat. You act on the user's behalf: answer directly, use tools when they get you further, and keep replies suited to a chat window.\n")

	b.WriteString("\n## Runtime\n")
	writeRuntimeLine(&b, "Agent", cfg.AgentID)
	writeRuntimeLine(&b, "Model", cfg.Model)
	writeRuntimeLine(&b, "Host", cfg.Hostname)
	writeRuntimeLine(&b, "Workspace", cfg.Workspace)
	writeRuntimeLine(&b, "Channel", cfg.Channel)
	writeRuntimeLine(&b, "Timezone", cfg.Timezone)

	if len(cfg.ToolNames) > 0 {
		names := append([]string(nil), cfg.ToolNames...)
		sort.Strings(names)
		b.WriteString("\n## Tools\n")
		b.WriteString("Available: ")
		b.WriteString(strings.Join(names, ", "))
		b.WriteString("\nCall tools rather than describing what you would do. Tool output is invisible to the user until you relay it.\n")
	}

	if cfg.Mode == PromptFull {
		b.WriteString("\n## Replying\n")
		b.WriteString("- Reply in plain chat text. No markdown tables.\n")
		b.WriteString("- In group conversations, reply with exactly NO_REPLY when the message needs nothing from you.\n")
		b.WriteString("- Ask before acting on anything destructive or expensive.\n")

		for _, cf := range cfg.ContextFiles {
			b.WriteString("\n## ")
			b.WriteString(cf.Path)
			b.WriteString("\n")
			b.WriteString(strings.TrimRight(cf.Content, "\n"))
			b.WriteString("\n")
		}
	}

	if cfg.ExtraPrompt != "" {
		b.WriteString("\n")
		b.WriteString(strings.TrimRight(cfg.ExtraPrompt, "\n"))
		b.WriteString("\n")
	}

	return b.String()
}

func writeRuntimeLine(b *strings.Builder, label, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(b, "- %s: %s\n", label, value)
}

// buildSystemPrompt resolves the prompt inputs for one run. Context
// files are re-read per run so workspace edits apply without a restart.
func (e *Engine) buildSystemPrompt(spec AgentSpec, req RunRequest, model string) string {
	mode := PromptFull
	switch sessions.ScopeOf(req.SessionKey) {
	case sessions.ScopeCron, sessions.ScopeSubagent:
		mode = PromptMinimal
	}

	var files []bootstrap.ContextFile
	if mode == PromptFull && spec.Workspace != "" {
		files = bootstrap.LoadContextFiles(spec.Workspace)
	}

	extra := spec.ExtraPrompt
	if req.ExtraSystemPrompt != "" {
		if extra != "" {
			extra += "\n\n" + req.ExtraSystemPrompt
		} else {
			extra = req.ExtraSystemPrompt
		}
	}

	return BuildSystemPrompt(SystemPromptConfig{
		AgentID:      sessions.AgentOf(req.SessionKey),
		Model:        model,
		Channel:      req.Channel,
		Hostname:     e.cfg.Hostname,
		Timezone:     e.cfg.Timezone,
		Workspace:    spec.Workspace,
		Mode:         mode,
		ToolNames:    e.cfg.Tools.List(),
		ContextFiles: files,
		ExtraPrompt:  extra,
	})
}
