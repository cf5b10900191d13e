package helpers

import (
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	strictPolicyOnce sync.Once
	strictPolicy     *bluemonday.Policy

	articlePolicyOnce sync.Once
	articlePolicy     *bluemonday.Policy
)

// StrictHTMLPolicy strips every element and attribute.
func StrictHTMLPolicy() *bluemonday.Policy {
	strictPolicyOnce.Do(func() {
		strictPolicy = bluemonday.StrictPolicy()
	})
	return strictPolicy
}

// ArticleHTMLPolicy keeps the structural markup that survives Markdown
// conversion (headings, lists, tables, code, links, images) and drops
// scripts, styles, frames, forms and event handlers.
func ArticleHTMLPolicy() *bluemonday.Policy {
	articlePolicyOnce.Do(func() {
		policy := bluemonday.UGCPolicy()
		policy.AllowElements("article", "section", "main", "figure", "figcaption")
		policy.AllowAttrs("class").OnElements("code", "pre")
		policy.AllowURLSchemes("http", "https", "mailto", "data")
		policy.AllowRelativeURLs(true)
		articlePolicy = policy
	})
	return articlePolicy
}

// PlainText removes every HTML tag from s, used for titles and snippets.
func PlainText(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return strings.TrimSpace(StrictHTMLPolicy().Sanitize(s))
}

// SanitizeArticleHTML cleans scraped HTML before Markdown conversion.
func SanitizeArticleHTML(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return ArticleHTMLPolicy().Sanitize(s)
}
