package tools

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Regex-based HTML reduction. Deliberately not a full DOM walk: the
// output feeds a model, so "readable and roughly structured" is the
// bar, not spec-complete parsing.

// prettyJSON re-indents a JSON body; invalid JSON falls through raw.
func prettyJSON(body []byte) (string, string) {
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return string(body), "raw"
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	return string(out), "json"
}

// Elements removed wholesale before conversion: non-content markup and
// page chrome.
var dropPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<script[\s\S]*?</script>`),
	regexp.MustCompile(`(?is)<style[\s\S]*?</style>`),
	regexp.MustCompile(`<!--[\s\S]*?-->`),
	regexp.MustCompile(`(?is)<nav[\s\S]*?</nav>`),
	regexp.MustCompile(`(?is)<footer[\s\S]*?</footer>`),
}

// htmlRewrite maps one HTML construct to its markdown shape. Order
// matters: pre/code run before inline rules, inline rules before the
// final tag strip.
type htmlRewrite struct {
	re   *regexp.Regexp
	repl string
}

var markdownRewrites = []htmlRewrite{
	{regexp.MustCompile(`(?i)<h1[^>]*>([\s\S]*?)</h1>`), "\n# $1\n"},
	{regexp.MustCompile(`(?i)<h2[^>]*>([\s\S]*?)</h2>`), "\n## $1\n"},
	{regexp.MustCompile(`(?i)<h3[^>]*>([\s\S]*?)</h3>`), "\n### $1\n"},
	{regexp.MustCompile(`(?i)<h4[^>]*>([\s\S]*?)</h4>`), "\n#### $1\n"},
	{regexp.MustCompile(`(?i)<h5[^>]*>([\s\S]*?)</h5>`), "\n##### $1\n"},
	{regexp.MustCompile(`(?i)<h6[^>]*>([\s\S]*?)</h6>`), "\n###### $1\n"},
	{regexp.MustCompile(`(?is)<pre[^>]*>([\s\S]*?)</pre>`), "\n```\n$1\n```\n"},
	{regexp.MustCompile(`(?i)<code[^>]*>([\s\S]*?)</code>`), "`$1`"},
	{regexp.MustCompile(`(?i)<a[^>]*href="([^"]*)"[^>]*>([\s\S]*?)</a>`), "[$2]($1)"},
	{regexp.MustCompile(`(?i)<img[^>]*alt="([^"]*)"[^>]*/?>`), "![$1]"},
	{regexp.MustCompile(`(?i)<(?:strong|b)[^>]*>([\s\S]*?)</(?:strong|b)>`), "**$1**"},
	{regexp.MustCompile(`(?i)<(?:em|i)[^>]*>([\s\S]*?)</(?:em|i)>`), "*$1*"},
	{regexp.MustCompile(`(?i)<p[^>]*>([\s\S]*?)</p>`), "\n$1\n"},
	{regexp.MustCompile(`(?i)<br\s*/?>`), "\n"},
	{regexp.MustCompile(`(?i)<li[^>]*>([\s\S]*?)</li>`), "\n- $1"},
}

var (
	reHeaderEl  = regexp.MustCompile(`(?is)<header[\s\S]*?</header>`)
	reParagraph = regexp.MustCompile(`(?i)<p[^>]*>([\s\S]*?)</p>`)
	reLineBreak = regexp.MustCompile(`(?i)<br\s*/?>`)
	reListItem  = regexp.MustCompile(`(?i)<li[^>]*>([\s\S]*?)</li>`)
	reBlockq    = regexp.MustCompile(`(?is)<blockquote[^>]*>([\s\S]*?)</blockquote>`)
	reAnyTag    = regexp.MustCompile(`<[^>]+>`)
	reBlankRuns = regexp.MustCompile(`\n{3,}`)
	reSpaceRuns = regexp.MustCompile(`[ \t]{2,}`)
)

// htmlToMarkdown converts an HTML document to a markdown-ish rendering.
func htmlToMarkdown(html string) string {
	s := html
	for _, re := range dropPatterns {
		s = re.ReplaceAllString(s, "")
	}

	// Blockquotes need per-line prefixing, so they get a function.
	s = reBlockq.ReplaceAllStringFunc(s, func(match string) string {
		inner := reBlockq.FindStringSubmatch(match)
		if len(inner) < 2 {
			return match
		}
		var quoted []string
		for _, line := range strings.Split(strings.TrimSpace(inner[1]), "\n") {
			quoted = append(quoted, "> "+strings.TrimSpace(line))
		}
		return "\n" + strings.Join(quoted, "\n") + "\n"
	})

	for _, rw := range markdownRewrites {
		s = rw.re.ReplaceAllString(s, rw.repl)
	}

	s = reAnyTag.ReplaceAllString(s, "")
	s = decodeEntities(s)
	s = reBlankRuns.ReplaceAllString(s, "\n\n")
	s = reSpaceRuns.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// htmlToText strips a document down to plain text, one block per line.
func htmlToText(html string) string {
	s := html
	for _, re := range dropPatterns {
		s = re.ReplaceAllString(s, "")
	}
	s = reHeaderEl.ReplaceAllString(s, "")

	s = reParagraph.ReplaceAllString(s, "\n$1\n")
	s = reLineBreak.ReplaceAllString(s, "\n")
	s = reListItem.ReplaceAllString(s, "\n- $1")

	s = reAnyTag.ReplaceAllString(s, "")
	s = decodeEntities(s)
	s = reSpaceRuns.ReplaceAllString(s, " ")

	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

var (
	reMdHeading = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	reMdCode    = regexp.MustCompile("`[^`]+`")
	reMdImage   = regexp.MustCompile(`!\[([^\]]*)\]\([^)]+\)`)
	reMdLink    = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
)

// markdownToText drops markdown syntax when text mode was requested
// for a document that already arrived as markdown.
func markdownToText(md string) string {
	s := reMdHeading.ReplaceAllString(md, "")
	s = strings.ReplaceAll(s, "**", "")
	s = strings.ReplaceAll(s, "__", "")
	s = reMdCode.ReplaceAllStringFunc(s, func(m string) string {
		return strings.Trim(m, "`")
	})
	s = reMdImage.ReplaceAllString(s, "$1")
	s = reMdLink.ReplaceAllString(s, "$1")
	s = reBlankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

var entityReplacer = strings.NewReplacer(
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#39;", "'",
	"&apos;", "'",
	"&nbsp;", " ",
	"&mdash;", "—",
	"&ndash;", "–",
	"&laquo;", "«",
	"&raquo;", "»",
	"&bull;", "•",
	"&hellip;", "...",
	"&copy;", "(c)",
	"&reg;", "(R)",
	"&trade;", "(TM)",
)

// decodeEntities covers the entities that actually show up in article
// bodies; anything rarer survives encoded.
func decodeEntities(s string) string {
	return entityReplacer.Replace(s)
}
