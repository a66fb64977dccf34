package routing

import (
	"os"
	"strings"
)

// DelegationType says how a delegated prompt runs relative to the
// user's own session.
type DelegationType string

const (
	DelegateBlocking   DelegationType = "blocking"
	DelegateBackground DelegationType = "background"
	DelegateNone       DelegationType = "none"
)

// Decision is the router's output: whether to delegate, to whom, and
// with what prompts.
type Decision struct {
	ShouldDelegate   bool
	DelegationType   DelegationType
	PrimaryAgent     string
	BackgroundAgent  string
	PrimaryPrompt    string
	BackgroundPrompt string
}

// noDecision is the no-op result: the default agent handles the input.
var noDecision = Decision{DelegationType: DelegateNone}

// Router turns a classification into a delegation decision by static
// table lookup plus template substitution. It performs no I/O.
type Router struct {
	intents map[string]Intent
	enabled bool
}

// NewRouter builds a router over the same intent set the classifier
// scores against. enabled=false makes every decision a no-op.
func NewRouter(intents []Intent, enabled bool) *Router {
	byName := make(map[string]Intent, len(intents))
	for _, it := range intents {
		byName[it.Name] = it
	}
	return &Router{intents: byName, enabled: enabled}
}

// Route maps a classification to a decision. The ORCHESTRATION=false
// environment flag forces a no-op for every input regardless of config.
func (r *Router) Route(cls Classification, input string) Decision {
	if !r.enabled || orchestrationDisabled() {
		return noDecision
	}
	if !cls.ShouldOrchestrate {
		return noDecision
	}
	intent, ok := r.intents[cls.Intent]
	if !ok {
		return noDecision
	}

	dt := intent.Delegation
	if dt == "" {
		dt = DelegateBlocking
	}
	if dt == DelegateNone {
		return noDecision
	}

	d := Decision{
		ShouldDelegate:  true,
		DelegationType:  dt,
		PrimaryAgent:    firstNonEmpty(cls.PrimaryAgent, intent.Primary),
		BackgroundAgent: firstNonEmpty(cls.BackgroundAgent, intent.Background),
	}
	d.PrimaryPrompt = expandTemplate(intent.Template, cls, input)
	if d.BackgroundAgent != "" {
		tpl := intent.BackgroundTemplate
		if tpl == "" {
			tpl = intent.Template
		}
		d.BackgroundPrompt = expandTemplate(tpl, cls, input)
	}
	return d
}

// expandTemplate substitutes {{input}}, {{intent}} and
// {{keywords}} placeholders. Parameter substitution only; an empty
// template passes the input through unchanged.
func expandTemplate(tpl string, cls Classification, input string) string {
	if tpl == "" {
		return input
	}
	out := strings.ReplaceAll(tpl, "{{input}}", input)
	out = strings.ReplaceAll(out, "{{intent}}", cls.Intent)
	out = strings.ReplaceAll(out, "{{keywords}}", strings.Join(cls.MatchedKeywords, ", "))
	return out
}

func orchestrationDisabled() bool {
	return strings.EqualFold(os.Getenv("ORCHESTRATION"), "false")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
