package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestNormalizeFreshness(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"pd", "pd"},
		{"PW", "pw"},
		{" py ", "py"},
		{"2024-01-01to2024-06-30", "2024-01-01to2024-06-30"},
		{"2024-06-30to2024-01-01", ""}, // reversed range
		{"2024-13-01to2024-13-02", ""}, // invalid dates
		{"yesterday", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := normalizeFreshness(tt.in); got != tt.want {
			t.Errorf("normalizeFreshness(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseDDGResults(t *testing.T) {
	html := `
<a rel="nofollow" class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.com%2Fdocs&amp;rut=abc">Example <b>Docs</b></a>
<a class="result__snippet" href="#">A reference <b>site</b>.</a>
<a rel="nofollow" class="result__a" href="https://plain.test/page">Plain Result</a>`

	hits := parseDDGResults(html, 5)
	if len(hits) != 2 {
		t.Fatalf("parsed %d hits, want 2", len(hits))
	}
	if hits[0].URL != "https://example.com/docs" {
		t.Errorf("redirect not unwrapped: %q", hits[0].URL)
	}
	if hits[0].Title != "Example Docs" {
		t.Errorf("Title = %q, want tags stripped", hits[0].Title)
	}
	if hits[0].Snippet != "A reference site." {
		t.Errorf("Snippet = %q", hits[0].Snippet)
	}
	if hits[1].URL != "https://plain.test/page" {
		t.Errorf("plain URL mangled: %q", hits[1].URL)
	}

	if got := parseDDGResults(html, 1); len(got) != 1 {
		t.Errorf("count bound ignored: %d hits", len(got))
	}
	if got := parseDDGResults("<p>no results here</p>", 5); got != nil {
		t.Errorf("expected nil for empty page, got %v", got)
	}
}

func TestRenderHits(t *testing.T) {
	got := renderHits("go schedulers", "brave", []searchHit{
		{Title: "First", URL: "https://a.test", Snippet: "about a"},
		{Title: "Second", URL: "https://b.test"},
	})
	for _, want := range []string{
		"Search results for: go schedulers (via brave)",
		"1. First\n   https://a.test\n   about a",
		"2. Second\n   https://b.test",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("renderHits missing %q:\n%s", want, got)
		}
	}

	empty := renderHits("nothing", "brave", nil)
	if !strings.Contains(empty, "No results found for: nothing") {
		t.Errorf("empty rendering = %q", empty)
	}
}

// scriptedSearch is a provider returning fixed hits or a fixed error,
// counting calls.
type scriptedSearch struct {
	name  string
	hits  []searchHit
	err   error
	calls int
}

func (s *scriptedSearch) Name() string { return s.name }
func (s *scriptedSearch) Search(ctx context.Context, q searchQuery) ([]searchHit, error) {
	s.calls++
	return s.hits, s.err
}

func TestWebSearchProviderFallback(t *testing.T) {
	broken := &scriptedSearch{name: "primary", err: errors.New("quota exhausted")}
	working := &scriptedSearch{name: "fallback", hits: []searchHit{{Title: "hit", URL: "https://h.test"}}}
	tool := &WebSearchTool{
		providers: []SearchProvider{broken, working},
		cache:     newWebCache(8, 0),
	}

	res := tool.Execute(context.Background(), map[string]interface{}{"query": "anything"})
	if res.IsError {
		t.Fatalf("Execute error: %s", res.ForLLM)
	}
	if broken.calls != 1 || working.calls != 1 {
		t.Errorf("calls = %d/%d, want primary tried then fallback", broken.calls, working.calls)
	}
	if !strings.Contains(res.ForLLM, "via fallback") {
		t.Errorf("result not attributed to fallback:\n%s", res.ForLLM)
	}

	// Same query again comes from cache, no provider calls.
	tool.Execute(context.Background(), map[string]interface{}{"query": "anything"})
	if broken.calls != 1 || working.calls != 1 {
		t.Errorf("cache miss on repeat: calls = %d/%d", broken.calls, working.calls)
	}
}

func TestWebSearchAllProvidersFail(t *testing.T) {
	tool := &WebSearchTool{
		providers: []SearchProvider{&scriptedSearch{name: "p", err: errors.New("down")}},
		cache:     newWebCache(8, 0),
	}
	res := tool.Execute(context.Background(), map[string]interface{}{"query": "x"})
	if !res.IsError || !strings.Contains(res.ForLLM, "all search providers failed") {
		t.Errorf("result = %+v, want aggregate failure", res)
	}
}

func TestNewWebSearchToolProviderSelection(t *testing.T) {
	if tool := NewWebSearchTool(WebSearchConfig{}); tool != nil {
		t.Error("no providers enabled should yield nil")
	}
	tool := NewWebSearchTool(WebSearchConfig{BraveAPIKey: "k", BraveEnabled: true, DDGEnabled: true})
	if tool == nil || len(tool.providers) != 2 {
		t.Fatalf("providers = %v, want brave then ddg", tool)
	}
	if tool.providers[0].Name() != "brave" || tool.providers[1].Name() != "duckduckgo" {
		t.Errorf("order = %s, %s; want brave first", tool.providers[0].Name(), tool.providers[1].Name())
	}
}
