package helpers

import "testing"

func TestStripCodeFence(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "  \"a\"\n\"b\"  ", "\"a\"\n\"b\""},
		{"backticks with lang", "```text\n\"a\"\n\"b\"\n```", "\"a\"\n\"b\""},
		{"tildes", "~~~\nbody\n~~~", "body"},
		{"single line", "```x```", "x"},
		{"bom", "\uFEFF```\nq\n```", "q"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := StripCodeFence(tt.in); got != tt.want {
				t.Fatalf("StripCodeFence() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStripBase64Images(t *testing.T) {
	t.Parallel()
	in := "intro\n\n![logo](data:image/png;base64,AAAA)\n\n\n\n<img src=\"data:image/gif;base64,BBB\" alt=\"x\">\n![ok](https://example.com/a.png)"
	want := "intro\n\n![ok](https://example.com/a.png)"
	if got := StripBase64Images(in); got != want {
		t.Fatalf("StripBase64Images() = %q, want %q", got, want)
	}
}

func TestTruncateTokens(t *testing.T) {
	t.Parallel()
	if got := TruncateTokens("abcdefghij", 2); got != "abcdefgh" {
		t.Fatalf("TruncateTokens() = %q", got)
	}
	if got := TruncateTokens("short", 10); got != "short" {
		t.Fatalf("TruncateTokens() = %q", got)
	}
	// "é" is two bytes; the cut must not split it
	if got := TruncateTokens("aaaé", 1); got != "aaa" {
		t.Fatalf("TruncateTokens() = %q", got)
	}
	if got := TruncateTokens("abc", 0); got != "" {
		t.Fatalf("TruncateTokens() = %q", got)
	}
}
