package helpers

import (
	"strings"
	"testing"
)

func TestPlainText_RemovesTagsAndScripts(t *testing.T) {
	input := `<p>Hello <strong>world</strong><script>alert('x')</script></p>`
	got := PlainText(input)
	want := "Hello world"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestSanitizeArticleHTML_DropsActiveContent(t *testing.T) {
	input := `<article><h2 onclick="evil()">Title</h2><script>x()</script><iframe src="https://ads"></iframe><table><tr><td>cell</td></tr></table></article>`
	got := SanitizeArticleHTML(input)
	for _, bad := range []string{"<script", "onclick", "<iframe", "x()"} {
		if strings.Contains(got, bad) {
			t.Fatalf("expected %q to be removed from %q", bad, got)
		}
	}
	for _, good := range []string{"<h2>Title</h2>", "<td>cell</td>"} {
		if !strings.Contains(got, good) {
			t.Fatalf("expected %q to survive in %q", good, got)
		}
	}
}

func TestSanitizeArticleHTML_Empty(t *testing.T) {
	if got := SanitizeArticleHTML("   "); got != "" {
		t.Fatalf("expected empty output, got %q", got)
	}
}
