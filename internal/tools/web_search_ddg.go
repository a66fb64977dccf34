package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// ddgProvider scrapes the DuckDuckGo HTML endpoint. Keyless, so it is
// the fallback when Brave is not configured.
type ddgProvider struct {
	client *http.Client
}

func newDDGProvider() *ddgProvider {
	return &ddgProvider{client: &http.Client{Timeout: searchTimeout}}
}

func (p *ddgProvider) Name() string { return "duckduckgo" }

func (p *ddgProvider) Search(ctx context.Context, q searchQuery) ([]searchHit, error) {
	endpoint := "https://html.duckduckgo.com/html/?q=" + url.QueryEscape(q.Text)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return parseDDGResults(string(body), q.Count), nil
}

var (
	ddgResultLink = regexp.MustCompile(`<a[^>]*class="[^"]*result__a[^"]*"[^>]*href="([^"]+)"[^>]*>([\s\S]*?)</a>`)
	ddgSnippet    = regexp.MustCompile(`<a class="result__snippet[^"]*".*?>([\s\S]*?)</a>`)
	ddgTag        = regexp.MustCompile(`<[^>]+>`)
)

// parseDDGResults pulls result anchors out of the DDG HTML page.
// Links come back wrapped in DDG's redirect; the real target sits in
// the uddg query parameter.
func parseDDGResults(html string, count int) []searchHit {
	links := ddgResultLink.FindAllStringSubmatch(html, count+5)
	if len(links) == 0 {
		return nil
	}
	snippets := ddgSnippet.FindAllStringSubmatch(html, count+5)

	var hits []searchHit
	for i := 0; i < len(links) && i < count; i++ {
		hit := searchHit{
			URL:   unwrapDDGRedirect(links[i][1]),
			Title: strings.TrimSpace(ddgTag.ReplaceAllString(links[i][2], "")),
		}
		if i < len(snippets) {
			hit.Snippet = strings.TrimSpace(ddgTag.ReplaceAllString(snippets[i][1], ""))
		}
		hits = append(hits, hit)
	}
	return hits
}

func unwrapDDGRedirect(raw string) string {
	if !strings.Contains(raw, "uddg=") {
		return raw
	}
	// Redirect links are scheme-relative ("//duckduckgo.com/l/?uddg=...").
	u, err := url.Parse(strings.TrimPrefix(raw, "//"))
	if err != nil {
		return raw
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	return raw
}
