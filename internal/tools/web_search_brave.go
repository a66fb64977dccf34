package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

const braveEndpoint = "https://api.search.brave.com/res/v1/web/search"

// braveProvider queries the Brave Search API with a subscription key.
type braveProvider struct {
	apiKey string
	client *http.Client
}

func newBraveProvider(apiKey string) *braveProvider {
	return &braveProvider{
		apiKey: apiKey,
		client: &http.Client{Timeout: searchTimeout},
	}
}

func (p *braveProvider) Name() string { return "brave" }

func (p *braveProvider) Search(ctx context.Context, q searchQuery) ([]searchHit, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, braveEndpoint+"?"+braveValues(q).Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("brave API returned %d: %s", resp.StatusCode, clip(string(body), 200))
	}

	var payload struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	hits := make([]searchHit, 0, len(payload.Web.Results))
	for _, r := range payload.Web.Results {
		hits = append(hits, searchHit{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}
	return hits, nil
}

func braveValues(q searchQuery) url.Values {
	v := url.Values{}
	v.Set("q", q.Text)
	v.Set("count", strconv.Itoa(q.Count))
	if q.Country != "" {
		v.Set("country", q.Country)
	}
	if q.SearchLang != "" {
		v.Set("search_lang", q.SearchLang)
	}
	if q.UILang != "" {
		v.Set("ui_lang", q.UILang)
	}
	if f := normalizeFreshness(q.Freshness); f != "" {
		v.Set("freshness", f)
	}
	return v
}
