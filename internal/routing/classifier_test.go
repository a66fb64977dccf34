package routing

import (
	"math"
	"strings"
	"testing"
)

func testIntents() []Intent {
	return []Intent{
		{
			Name:       "trading",
			Keywords:   []string{"swap", "price", "portfolio", "buy token"},
			Primary:    "trader",
			Background: "risk-watcher",
			Delegation: DelegateBlocking,
			Template:   "Handle this trading request: {{input}}",
		},
		{
			Name:       "research",
			Keywords:   []string{"research", "investigate", "summarize findings"},
			Primary:    "researcher",
			Delegation: DelegateBackground,
			Template:   "Research task ({{intent}}): {{input}}",
		},
	}
}

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestBypassRules(t *testing.T) {
	c := NewClassifier(testIntents(), 0.6)
	tests := []struct {
		name  string
		input string
	}{
		{"slash command", "/status now"},
		{"directly prefix", "directly: check the swap price"},
		{"directly mixed case", "Directly: check the swap price"},
		{"leading whitespace", "  /help"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.input)
			if got.Intent != IntentGeneral || got.Confidence != 1.0 || got.ShouldOrchestrate {
				t.Errorf("Classify(%q) = {%s %.2f orchestrate=%v}, want {general 1.00 orchestrate=false}",
					tt.input, got.Intent, got.Confidence, got.ShouldOrchestrate)
			}
		})
	}
}

func TestNoKeywordMatchIsGeneral(t *testing.T) {
	c := NewClassifier(testIntents(), 0.6)
	got := c.Classify("hello there, how are you today?")
	if got.Intent != IntentGeneral || got.ShouldOrchestrate {
		t.Errorf("Classify = {%s orchestrate=%v}, want general without orchestration", got.Intent, got.ShouldOrchestrate)
	}
	if got.Confidence != 0 {
		t.Errorf("Confidence = %v, want 0", got.Confidence)
	}
}

func TestSingleKeywordScore(t *testing.T) {
	c := NewClassifier(testIntents(), 0.6)
	got := c.Classify("what is the current swap rate?")

	// base 0.65 + length bonus len("swap")/50 = 0.08.
	want := 0.65 + 4.0/50
	if got.Intent != "trading" || !almostEqual(got.Confidence, want) {
		t.Errorf("Classify = {%s %.4f}, want {trading %.4f}", got.Intent, got.Confidence, want)
	}
	if !got.ShouldOrchestrate {
		t.Error("ShouldOrchestrate = false, want true above threshold")
	}
	if got.PrimaryAgent != "trader" || got.BackgroundAgent != "risk-watcher" {
		t.Errorf("agents = %q/%q, want trader/risk-watcher", got.PrimaryAgent, got.BackgroundAgent)
	}
}

func TestExtraKeywordsAddTenPercent(t *testing.T) {
	c := NewClassifier(testIntents(), 0.6)
	got := c.Classify("swap half my portfolio at the current price")

	// 3 matches: swap(4), price(5), portfolio(9); avg 6 → bonus 0.12 capped 0.10.
	want := 0.65 + 0.10*2 + 0.10
	if !almostEqual(got.Confidence, want) {
		t.Errorf("Confidence = %.4f, want %.4f", got.Confidence, want)
	}
	if len(got.MatchedKeywords) != 3 {
		t.Errorf("MatchedKeywords = %v, want 3 entries", got.MatchedKeywords)
	}
}

func TestScoreCapsAtOne(t *testing.T) {
	c := NewClassifier([]Intent{{
		Name:     "everything",
		Keywords: []string{"alpha", "beta", "gamma", "delta", "epsilon"},
	}}, 0.6)
	got := c.Classify("alpha beta gamma delta epsilon")
	if got.Confidence != 1.0 {
		t.Errorf("Confidence = %v, want capped 1.0", got.Confidence)
	}
}

func TestLengthBonusCapped(t *testing.T) {
	long := strings.Repeat("x", 60)
	c := NewClassifier([]Intent{{Name: "long", Keywords: []string{long}}}, 0.6)
	got := c.Classify("prefix " + long + " suffix")
	want := 0.65 + 0.10
	if !almostEqual(got.Confidence, want) {
		t.Errorf("Confidence = %.4f, want %.4f (length bonus capped at 0.10)", got.Confidence, want)
	}
}

func TestTieBreakPrefersConfiguredOrder(t *testing.T) {
	intents := []Intent{
		{Name: "first", Keywords: []string{"watch"}},
		{Name: "second", Keywords: []string{"watch"}},
	}
	c := NewClassifier(intents, 0.6)
	if got := c.Classify("watch this"); got.Intent != "first" {
		t.Errorf("tie went to %q, want first-configured intent", got.Intent)
	}
}

func TestBelowThresholdDoesNotOrchestrate(t *testing.T) {
	c := NewClassifier(testIntents(), 0.9)
	got := c.Classify("check the swap")
	if got.Intent != "trading" {
		t.Fatalf("Intent = %q, want trading", got.Intent)
	}
	if got.ShouldOrchestrate {
		t.Error("ShouldOrchestrate = true below threshold 0.9")
	}
}

func TestSortedIntents(t *testing.T) {
	byName := map[string]Intent{
		"zeta":  {Keywords: []string{"z"}},
		"alpha": {Keywords: []string{"a"}},
		"mid":   {Keywords: []string{"m"}},
	}
	got := SortedIntents(byName, []string{"mid"})
	names := make([]string, len(got))
	for i, it := range got {
		names[i] = it.Name
	}
	want := []string{"mid", "alpha", "zeta"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("order = %v, want %v", names, want)
		}
	}
}
