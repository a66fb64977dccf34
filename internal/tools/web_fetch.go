package tools

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	fetchMaxChars    = 50000
	fetchErrMaxChars = 4000
	fetchRedirects   = 3
	fetchTimeout     = 30 * time.Second
	fetchUserAgent   = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_7_2) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// WebFetchTool retrieves a URL and renders its content for the model:
// HTML is reduced to markdown or plain text, JSON is pretty-printed,
// anything else passes through raw. Every hop, redirects included,
// goes through the private-address guard, and rendered pages are
// cached per request shape.
type WebFetchTool struct {
	maxChars int
	cache    *webCache
	guard    func(string) error
}

// WebFetchConfig tunes the fetch tool. Zero values get defaults.
type WebFetchConfig struct {
	MaxChars int
	CacheTTL time.Duration
}

func NewWebFetchTool(cfg WebFetchConfig) *WebFetchTool {
	maxChars := cfg.MaxChars
	if maxChars <= 0 {
		maxChars = fetchMaxChars
	}
	return &WebFetchTool{
		maxChars: maxChars,
		cache:    newWebCache(webCacheEntries, cfg.CacheTTL),
		guard:    guardURL,
	}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch a URL and return its content. HTML is converted to markdown or plain text, JSON is pretty-printed. Private and internal addresses are refused."
}

func (t *WebFetchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "HTTP or HTTPS URL to fetch",
			},
			"extractMode": map[string]interface{}{
				"type":        "string",
				"description": "How to reduce HTML: \"markdown\" (default) or \"text\"",
				"enum":        []string{"markdown", "text"},
			},
			"maxChars": map[string]interface{}{
				"type":        "number",
				"description": "Truncate the rendered content at this many characters",
				"minimum":     100.0,
			},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return ErrorResult("url is required")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid URL: %v", err))
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ErrorResult("only http and https URLs are supported")
	}
	if parsed.Host == "" {
		return ErrorResult("missing hostname in URL")
	}
	if err := t.guard(rawURL); err != nil {
		return ErrorResult(fmt.Sprintf("refusing to fetch: %v", err))
	}

	mode := "markdown"
	if v, ok := args["extractMode"].(string); ok && (v == "markdown" || v == "text") {
		mode = v
	}
	maxChars := t.maxChars
	if v, ok := args["maxChars"].(float64); ok && int(v) >= 100 {
		maxChars = int(v)
	}

	cacheKey := fmt.Sprintf("%s|%s|%d", rawURL, mode, maxChars)
	if body, ok := t.cache.get(cacheKey); ok {
		slog.Debug("web_fetch cache hit", "url", rawURL)
		return NewResult(body)
	}

	page, err := t.fetch(ctx, rawURL, maxChars)
	if err != nil {
		return ErrorResult(fmt.Sprintf("fetch failed: %s", clip(err.Error(), fetchErrMaxChars)))
	}

	rendered := renderPage(page, mode, maxChars)
	t.cache.set(cacheKey, rendered)
	return NewResult(rendered)
}

// fetchedPage is one retrieved response, body already bounded.
type fetchedPage struct {
	url         string
	status      int
	contentType string
	body        []byte
}

func (t *WebFetchTool) fetch(ctx context.Context, rawURL string, maxChars int) (*fetchedPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	client := &http.Client{
		Timeout: fetchTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > fetchRedirects {
				return fmt.Errorf("stopped after %d redirects", fetchRedirects)
			}
			if err := t.guard(req.URL.String()); err != nil {
				return fmt.Errorf("redirect refused: %w", err)
			}
			return nil
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// HTML carries markup overhead, so read past the char budget and
	// let rendering do the final cut.
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxChars*4)))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return &fetchedPage{
		url:         resp.Request.URL.String(),
		status:      resp.StatusCode,
		contentType: resp.Header.Get("Content-Type"),
		body:        body,
	}, nil
}

// renderPage reduces a response to fenced text with a short header
// describing what was fetched and how it was extracted.
func renderPage(p *fetchedPage, mode string, maxChars int) string {
	var text, extractor string
	switch {
	case strings.Contains(p.contentType, "application/json"):
		text, extractor = prettyJSON(p.body)

	case strings.Contains(p.contentType, "text/markdown"):
		text, extractor = string(p.body), "markdown-passthrough"
		if mode == "text" {
			text = markdownToText(text)
		}

	case strings.Contains(p.contentType, "text/html"),
		strings.Contains(p.contentType, "application/xhtml"):
		if mode == "markdown" {
			text, extractor = htmlToMarkdown(string(p.body)), "html-to-markdown"
		} else {
			text, extractor = htmlToText(string(p.body)), "html-to-text"
		}

	default:
		text, extractor = string(p.body), "raw"
	}

	truncated := false
	if len(text) > maxChars {
		text = text[:maxChars]
		truncated = true
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "URL: %s\n", p.url)
	fmt.Fprintf(&sb, "Status: %d\n", p.status)
	fmt.Fprintf(&sb, "Extractor: %s\n", extractor)
	if truncated {
		fmt.Fprintf(&sb, "Truncated: true (limit: %d chars)\n", maxChars)
	}
	fmt.Fprintf(&sb, "Length: %d\n\n", len(text))
	sb.WriteString(untrustedBlock(p.url, text))
	return sb.String()
}
