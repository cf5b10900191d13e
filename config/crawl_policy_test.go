package config

import "testing"

func TestCrawlPolicyNormalize(t *testing.T) {
	cfg := CrawlPolicyConfig{
		Allow:    []string{"Example.com", "https://news.example.com/path"},
		Disallow: []string{"www.Bad.com", "bad.com"},
		Paywall:  []string{"Paywall.com", "PAYWALL.COM/"},
	}

	norm := cfg.Normalize()
	if len(norm.Allow) != 2 || norm.Allow[0] != "example.com" || norm.Allow[1] != "news.example.com" {
		t.Fatalf("unexpected allow list: %#v", norm.Allow)
	}
	if len(norm.Disallow) != 1 || norm.Disallow[0] != "bad.com" {
		t.Fatalf("unexpected disallow list: %#v", norm.Disallow)
	}
	if len(norm.Paywall) != 1 || norm.Paywall[0] != "paywall.com" {
		t.Fatalf("unexpected paywall list: %#v", norm.Paywall)
	}
	blocked := cfg.Blocked()
	if len(blocked) != 2 || blocked[0] != "bad.com" || blocked[1] != "paywall.com" {
		t.Fatalf("unexpected blocked list: %#v", blocked)
	}
}

func TestCrawlPolicyValidate(t *testing.T) {
	valid := CrawlPolicyConfig{
		Allow:    []string{"example.com"},
		Disallow: []string{"blocked.com"},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}

	conflict := CrawlPolicyConfig{
		Allow:    []string{"example.com"},
		Disallow: []string{"www.example.com"},
	}
	if err := conflict.Validate(); err == nil {
		t.Fatalf("expected conflict validation error")
	}

	paywallConflict := CrawlPolicyConfig{
		Allow:   []string{"paywall.com"},
		Paywall: []string{"paywall.com"},
	}
	if err := paywallConflict.Validate(); err == nil {
		t.Fatalf("expected paywall/allow conflict error")
	}
}

func TestNormalizeHost(t *testing.T) {
	cases := map[string]string{
		"https://WWW.Example.com:8443/a": "example.com",
		"example.com/path":               "example.com",
		"  ":                             "",
	}
	for in, want := range cases {
		if got := NormalizeHost(in); got != want {
			t.Fatalf("NormalizeHost(%q) = %q, want %q", in, got, want)
		}
	}
}
