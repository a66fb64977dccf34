package tools

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestHTMLToMarkdown(t *testing.T) {
	tests := []struct {
		name string
		html string
		want []string
	}{
		{
			name: "headings and paragraphs",
			html: `<h1>Title</h1><p>Body text.</p><h2>Section</h2>`,
			want: []string{"# Title", "Body text.", "## Section"},
		},
		{
			name: "links and emphasis",
			html: `<p><a href="https://example.com">site</a> is <strong>bold</strong> and <em>soft</em></p>`,
			want: []string{"[site](https://example.com)", "**bold**", "*soft*"},
		},
		{
			name: "code block",
			html: `<pre>x := 1</pre><p>inline <code>y</code></p>`,
			want: []string{"```\nx := 1\n```", "`y`"},
		},
		{
			name: "list items",
			html: `<ul><li>one</li><li>two</li></ul>`,
			want: []string{"- one", "- two"},
		},
		{
			name: "script and nav stripped",
			html: `<nav>menu</nav><script>alert(1)</script><p>kept</p>`,
			want: []string{"kept"},
		},
		{
			name: "blockquote prefixed",
			html: `<blockquote>quoted line</blockquote>`,
			want: []string{"> quoted line"},
		},
		{
			name: "entities decoded",
			html: `<p>a &amp; b &lt;c&gt;</p>`,
			want: []string{"a & b <c>"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := htmlToMarkdown(tt.html)
			for _, want := range tt.want {
				if !strings.Contains(got, want) {
					t.Errorf("htmlToMarkdown output missing %q:\n%s", want, got)
				}
			}
		})
	}

	if got := htmlToMarkdown(`<nav>menu</nav><p>kept</p>`); strings.Contains(got, "menu") {
		t.Errorf("nav content survived: %q", got)
	}
}

func TestHTMLToText(t *testing.T) {
	got := htmlToText(`<header>chrome</header><p>First.</p><p>Second.</p><ul><li>item</li></ul>`)
	if strings.Contains(got, "chrome") {
		t.Errorf("header content survived: %q", got)
	}
	for _, want := range []string{"First.", "Second.", "- item"} {
		if !strings.Contains(got, want) {
			t.Errorf("htmlToText missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "<") {
		t.Errorf("tags survived: %q", got)
	}
}

func TestMarkdownToText(t *testing.T) {
	got := markdownToText("# Head\n\nSee [docs](https://x.test) and **bold** `code`.")
	for _, want := range []string{"Head", "See docs and bold code."} {
		if !strings.Contains(got, want) {
			t.Errorf("markdownToText missing %q:\n%s", want, got)
		}
	}
	for _, gone := range []string{"#", "](", "**", "`"} {
		if strings.Contains(got, gone) {
			t.Errorf("marker %q survived: %q", gone, got)
		}
	}
}

func TestRenderPage(t *testing.T) {
	t.Run("json pretty printed", func(t *testing.T) {
		got := renderPage(&fetchedPage{
			url: "https://api.test/x", status: 200,
			contentType: "application/json",
			body:        []byte(`{"b":2,"a":1}`),
		}, "markdown", 1000)
		if !strings.Contains(got, "Extractor: json") {
			t.Errorf("extractor line wrong:\n%s", got)
		}
		if !strings.Contains(got, "\"a\": 1") {
			t.Errorf("json not re-indented:\n%s", got)
		}
	})

	t.Run("truncation marked", func(t *testing.T) {
		got := renderPage(&fetchedPage{
			url: "https://x.test", status: 200,
			contentType: "text/plain",
			body:        []byte(strings.Repeat("a", 500)),
		}, "text", 100)
		if !strings.Contains(got, "Truncated: true (limit: 100 chars)") {
			t.Errorf("missing truncation marker:\n%s", got)
		}
	})

	t.Run("content fenced", func(t *testing.T) {
		got := renderPage(&fetchedPage{
			url: "https://x.test", status: 200,
			contentType: "text/plain",
			body:        []byte("payload"),
		}, "text", 1000)
		if !strings.Contains(got, `<external_content source="https://x.test">`) {
			t.Errorf("missing content fence:\n%s", got)
		}
		if !strings.Contains(got, "untrusted external data") {
			t.Errorf("missing trust note:\n%s", got)
		}
	})
}

func TestGuardIP(t *testing.T) {
	tests := []struct {
		url     string
		blocked bool
	}{
		{"http://127.0.0.1/admin", true},
		{"http://10.0.0.5/", true},
		{"http://192.168.1.1/", true},
		{"http://169.254.169.254/latest/meta-data", true},
		{"http://[::1]/", true},
		{"http://0.0.0.0/", true},
		{"http://93.184.216.34/", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := guardURL(tt.url)
			if tt.blocked && err == nil {
				t.Errorf("guardURL(%s) = nil, want blocked", tt.url)
			}
			if !tt.blocked && err != nil {
				t.Errorf("guardURL(%s) = %v, want allowed", tt.url, err)
			}
		})
	}
}

func TestWebFetchRejectsGuardedURL(t *testing.T) {
	tool := NewWebFetchTool(WebFetchConfig{})
	res := tool.Execute(context.Background(), map[string]interface{}{
		"url": "http://127.0.0.1:8080/secrets",
	})
	if !res.IsError {
		t.Fatal("expected loopback fetch to be refused")
	}
	if !strings.Contains(res.ForLLM, "refusing to fetch") {
		t.Errorf("error = %q, want guard refusal", res.ForLLM)
	}
}

func TestWebCacheExpiry(t *testing.T) {
	c := newWebCache(2, 10*time.Millisecond)
	c.set("k", "v")
	if got, ok := c.get("k"); !ok || got != "v" {
		t.Fatalf("get = %q, %v; want fresh hit", got, ok)
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.get("k"); ok {
		t.Error("expired entry still served")
	}

	c.set("a", "1")
	c.set("b", "2")
	c.set("c", "3") // over cap, one of a/b evicted
	hits := 0
	for _, k := range []string{"a", "b", "c"} {
		if _, ok := c.get(k); ok {
			hits++
		}
	}
	if hits != 2 {
		t.Errorf("entries after eviction = %d, want 2", hits)
	}
}
