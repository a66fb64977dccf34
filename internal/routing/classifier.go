// Package routing classifies prompts into intents and turns the
// classification into a delegation decision. Classification and routing
// are pure functions of (input, config); neither makes I/O calls.
package routing

import (
	"log/slog"
	"sort"
	"strings"
	"time"
)

// IntentGeneral is the fallback intent: handled by the default agent,
// never delegated.
const IntentGeneral = "general"

// bypassPrefix short-circuits classification for explicit commands.
const bypassPrefix = "directly:"

// Intent is one configured intent with its keyword list and routing
// targets.
type Intent struct {
	Name       string
	Keywords   []string
	Primary    string
	Background string
	Delegation DelegationType
	Template   string
	// BackgroundTemplate, when set, builds the background agent's
	// prompt; empty falls back to Template.
	BackgroundTemplate string
}

// Classification is the sole output of the classifier.
type Classification struct {
	Intent            string
	Confidence        float64
	MatchedKeywords   []string
	ShouldOrchestrate bool
	PrimaryAgent      string
	BackgroundAgent   string
}

// Classifier scores input against the configured intents.
type Classifier struct {
	intents   []Intent
	threshold float64

	now func() time.Time
}

// classifyBudget is the soft latency budget for one classification.
// Overruns are logged, never fatal.
const classifyBudget = 10 * time.Millisecond

// NewClassifier builds a classifier over the given intents in the given
// order. Order matters: it is the tie-break for equal scores. A
// threshold <= 0 falls back to 0.6.
func NewClassifier(intents []Intent, threshold float64) *Classifier {
	if threshold <= 0 {
		threshold = 0.6
	}
	return &Classifier{
		intents:   intents,
		threshold: threshold,
		now:       time.Now,
	}
}

// SortedIntents normalizes a name-keyed intent table into a
// deterministic slice: explicit order first, remaining names
// lexicographic.
func SortedIntents(byName map[string]Intent, order []string) []Intent {
	out := make([]Intent, 0, len(byName))
	seen := make(map[string]bool, len(byName))
	for _, name := range order {
		it, ok := byName[name]
		if !ok || seen[name] {
			continue
		}
		it.Name = name
		out = append(out, it)
		seen[name] = true
	}
	rest := make([]string, 0, len(byName))
	for name := range byName {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	for _, name := range rest {
		it := byName[name]
		it.Name = name
		out = append(out, it)
	}
	return out
}

// Classify scores the input. Slash commands and the "directly:" prefix
// bypass scoring entirely.
func (c *Classifier) Classify(input string) Classification {
	start := c.now()
	defer func() {
		if elapsed := c.now().Sub(start); elapsed > classifyBudget {
			slog.Warn("intent classification over budget",
				"elapsed_ms", elapsed.Milliseconds(), "input_len", len(input))
		}
	}()

	trimmed := strings.TrimSpace(input)
	if strings.HasPrefix(trimmed, "/") || hasFoldPrefix(trimmed, bypassPrefix) {
		return Classification{Intent: IntentGeneral, Confidence: 1.0}
	}

	lower := strings.ToLower(trimmed)
	best := Classification{Intent: IntentGeneral}

	for _, intent := range c.intents {
		matched := matchKeywords(lower, intent.Keywords)
		if len(matched) == 0 {
			continue
		}
		score := scoreMatches(matched)
		// Strictly-greater keeps the earlier intent on ties.
		if score > best.Confidence {
			best = Classification{
				Intent:          intent.Name,
				Confidence:      score,
				MatchedKeywords: matched,
				PrimaryAgent:    intent.Primary,
				BackgroundAgent: intent.Background,
			}
		}
	}

	best.ShouldOrchestrate = best.Intent != IntentGeneral && best.Confidence >= c.threshold
	return best
}

// matchKeywords returns the distinct keywords found in the lowercased
// input, preserving keyword-list order.
func matchKeywords(lower string, keywords []string) []string {
	var matched []string
	seen := make(map[string]bool, len(keywords))
	for _, kw := range keywords {
		k := strings.ToLower(strings.TrimSpace(kw))
		if k == "" || seen[k] {
			continue
		}
		if strings.Contains(lower, k) {
			matched = append(matched, k)
			seen[k] = true
		}
	}
	return matched
}

// scoreMatches computes base 0.65, +0.10 per extra keyword, plus a
// length bonus rewarding longer (more specific) matched keywords,
// capped at 1.0.
func scoreMatches(matched []string) float64 {
	total := 0
	for _, kw := range matched {
		total += len(kw)
	}
	avgLen := float64(total) / float64(len(matched))

	lengthBonus := avgLen / 50
	if lengthBonus > 0.10 {
		lengthBonus = 0.10
	}

	score := 0.65 + 0.10*float64(len(matched)-1) + lengthBonus
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func hasFoldPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
