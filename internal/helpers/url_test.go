package helpers

import "testing"

func TestCanonicalURL(t *testing.T) {
	t.Parallel()
	cases := []struct{ in, want string }{
		{"Example.com/docs/../guide/intro", "https://example.com/guide/intro"},
		{"http://wiki.example.com:80/page?id=7&utm_source=rss#x", "http://wiki.example.com/page?id=7"},
		{"https://example.com/dir/?b=2&a=1&fbclid=xyz", "https://example.com/dir/?a=1&b=2"},
		{"//blog.example.com/post/42?utm_medium=email", "https://blog.example.com/post/42"},
		{"https://example.com//a//b///c", "https://example.com/a/b/c"},
		{"https://example.com:8443/x", "https://example.com:8443/x"},
		{"https://example.com", "https://example.com/"},
	}
	for _, tc := range cases {
		in, want := tc.in, tc.want
		got, err := CanonicalURL(in)
		if err != nil {
			t.Fatalf("CanonicalURL(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("CanonicalURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCanonicalURLErrors(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "   ", ":///invalid"} {
		if _, err := CanonicalURL(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestDedupKey(t *testing.T) {
	t.Parallel()
	a := DedupKey("https://Example.com/Report?utm_campaign=launch&b=2&a=1")
	b := DedupKey("HTTPS://example.com/Report?a=1&b=2#summary")
	if a != b {
		t.Fatalf("expected equal keys, got %s vs %s", a, b)
	}
	if DedupKey("https://example.com/a") == DedupKey("https://example.com/b") {
		t.Fatalf("different pages share a key")
	}
	if got := DedupKey(" :///invalid "); got != ":///invalid" {
		t.Fatalf("expected raw fallback, got %q", got)
	}
}
