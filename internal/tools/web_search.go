package tools

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

const (
	searchDefaultCount = 5
	searchMaxCount     = 10
	searchTimeout      = 30 * time.Second
)

// SearchProvider is one web search backend. Providers are tried in
// registration order; the first that answers wins.
type SearchProvider interface {
	Search(ctx context.Context, q searchQuery) ([]searchHit, error)
	Name() string
}

type searchQuery struct {
	Text       string
	Count      int
	Country    string
	SearchLang string
	UILang     string
	Freshness  string
}

type searchHit struct {
	Title   string
	URL     string
	Snippet string
}

// WebSearchTool answers search queries through a provider chain,
// Brave first when a key is configured, DuckDuckGo as the keyless
// fallback. Results are cached per query shape.
type WebSearchTool struct {
	providers []SearchProvider
	cache     *webCache
}

// WebSearchConfig selects and tunes the providers.
type WebSearchConfig struct {
	BraveAPIKey     string
	BraveEnabled    bool
	BraveMaxResults int
	DDGEnabled      bool
	DDGMaxResults   int
	CacheTTL        time.Duration
}

// NewWebSearchTool returns nil when no provider is enabled; callers
// skip registration in that case.
func NewWebSearchTool(cfg WebSearchConfig) *WebSearchTool {
	var providers []SearchProvider
	if cfg.BraveEnabled && cfg.BraveAPIKey != "" {
		providers = append(providers, newBraveProvider(cfg.BraveAPIKey))
	}
	if cfg.DDGEnabled {
		providers = append(providers, newDDGProvider())
	}
	if len(providers) == 0 {
		return nil
	}
	return &WebSearchTool{
		providers: providers,
		cache:     newWebCache(webCacheEntries, cfg.CacheTTL),
	}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Search the web for current information. Returns titles, URLs, and snippets."
}

func (t *WebSearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Search query",
			},
			"count": map[string]interface{}{
				"type":        "number",
				"description": "Number of results (1-10)",
				"minimum":     1.0,
				"maximum":     float64(searchMaxCount),
			},
			"country": map[string]interface{}{
				"type":        "string",
				"description": "2-letter country code for regional results ('DE', 'US', 'ALL')",
			},
			"search_lang": map[string]interface{}{
				"type":        "string",
				"description": "ISO language code for the results ('de', 'en', 'fr')",
			},
			"ui_lang": map[string]interface{}{
				"type":        "string",
				"description": "ISO language code for UI strings",
			},
			"freshness": map[string]interface{}{
				"type":        "string",
				"description": "Restrict by discovery time: 'pd', 'pw', 'pm', 'py', or a 'YYYY-MM-DDtoYYYY-MM-DD' range",
			},
		},
		"required": []string{"query"},
	}
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	text, _ := args["query"].(string)
	if text == "" {
		return ErrorResult("query is required")
	}

	count := searchDefaultCount
	if v, ok := args["count"].(float64); ok && int(v) >= 1 && int(v) <= searchMaxCount {
		count = int(v)
	}

	q := searchQuery{Text: text, Count: count}
	q.Country, _ = args["country"].(string)
	q.SearchLang, _ = args["search_lang"].(string)
	q.UILang, _ = args["ui_lang"].(string)
	q.Freshness, _ = args["freshness"].(string)

	key := q.cacheKey()
	if body, ok := t.cache.get(key); ok {
		slog.Debug("web_search cache hit", "query", text)
		return NewResult(body)
	}

	var lastErr error
	for _, p := range t.providers {
		hits, err := p.Search(ctx, q)
		if err != nil {
			slog.Warn("search provider failed", "provider", p.Name(), "error", err)
			lastErr = err
			continue
		}
		body := untrustedBlock("web search", renderHits(text, p.Name(), hits))
		t.cache.set(key, body)
		return NewResult(body)
	}

	if lastErr != nil {
		return ErrorResult(fmt.Sprintf("all search providers failed: %v", lastErr))
	}
	return ErrorResult("no search providers configured")
}

func (q searchQuery) cacheKey() string {
	field := func(s string) string {
		if s == "" {
			return "-"
		}
		return s
	}
	return strings.Join([]string{
		q.Text, fmt.Sprintf("%d", q.Count),
		field(q.Country), field(q.SearchLang), field(q.UILang), field(q.Freshness),
	}, "|")
}

func renderHits(query, provider string, hits []searchHit) string {
	if len(hits) == 0 {
		return fmt.Sprintf("No results found for: %s", query)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Search results for: %s (via %s)\n\n", query, provider)
	for i, h := range hits {
		fmt.Fprintf(&sb, "%d. %s\n   %s\n", i+1, h.Title, h.URL)
		if h.Snippet != "" {
			fmt.Fprintf(&sb, "   %s\n", h.Snippet)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Freshness accepts the search API shortcuts (pd/pw/pm/py) or an
// explicit, ordered date range; anything else is dropped silently so a
// bad filter degrades to an unfiltered search instead of failing it.

var (
	freshnessShortcuts = map[string]bool{"pd": true, "pw": true, "pm": true, "py": true}
	freshnessRange     = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})to(\d{4}-\d{2}-\d{2})$`)
)

func normalizeFreshness(value string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return ""
	}
	if freshnessShortcuts[v] {
		return v
	}
	if m := freshnessRange.FindStringSubmatch(v); len(m) == 3 {
		start, errS := time.Parse("2006-01-02", m[1])
		end, errE := time.Parse("2006-01-02", m[2])
		if errS == nil && errE == nil && !start.After(end) {
			return v
		}
	}
	return ""
}
