package helpers

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// StripCodeFence unwraps s when the whole text is a single ``` or ~~~ fenced
// block, with or without a language tag. Other input is returned trimmed.
func StripCodeFence(s string) string {
	s = trimBOM(strings.TrimSpace(s))
	for _, fence := range []string{"```", "~~~"} {
		if !strings.HasPrefix(s, fence) || !strings.HasSuffix(s, fence) || len(s) < 2*len(fence) {
			continue
		}
		rest := s[len(fence) : len(s)-len(fence)]
		nl := strings.IndexByte(rest, '\n')
		if nl == -1 {
			return strings.TrimSpace(rest)
		}
		return strings.TrimSpace(rest[nl+1:])
	}
	return s
}

var (
	base64ImageMD   = regexp.MustCompile(`!\[[^\]]*\]\(\s*data:image/[^)]*\)`)
	base64ImageHTML = regexp.MustCompile(`(?i)<img[^>]+src=["']data:image/[^"']*["'][^>]*>`)
	blankRuns       = regexp.MustCompile(`\n{3,}`)
)

// StripBase64Images removes inline data-URI images from Markdown.
func StripBase64Images(md string) string {
	md = base64ImageMD.ReplaceAllString(md, "")
	md = base64ImageHTML.ReplaceAllString(md, "")
	return blankRuns.ReplaceAllString(md, "\n\n")
}

// CharsPerToken is the estimate used where no tokenizer is available.
const CharsPerToken = 4

// TruncateTokens shortens s to roughly maxTokens tokens on a rune boundary.
func TruncateTokens(s string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	limit := maxTokens * CharsPerToken
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// trimBOM removes an optional UTF-8 BOM.
func trimBOM(s string) string {
	return strings.TrimPrefix(s, "\uFEFF")
}
