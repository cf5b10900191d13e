package config

import (
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"
)

// Normalize returns a copy with every host list cleaned, deduplicated and
// sorted.
func (c CrawlPolicyConfig) Normalize() CrawlPolicyConfig {
	c.Allow = hostSet(c.Allow)
	c.Disallow = hostSet(c.Disallow)
	c.Paywall = hostSet(c.Paywall)
	return c
}

// Validate rejects a host that is both allowed and blocked.
func (c CrawlPolicyConfig) Validate() error {
	norm := c.Normalize()
	for _, host := range norm.Allow {
		switch {
		case slices.Contains(norm.Disallow, host):
			return fmt.Errorf("crawl policy: %q is both allowed and disallowed", host)
		case slices.Contains(norm.Paywall, host):
			return fmt.Errorf("crawl policy: %q is both allowed and paywalled", host)
		}
	}
	return nil
}

// Blocked returns the hosts that must never be scraped.
func (c CrawlPolicyConfig) Blocked() []string {
	return hostSet(slices.Concat(c.Disallow, c.Paywall))
}

func hostSet(values []string) []string {
	set := map[string]bool{}
	for _, v := range values {
		if h := NormalizeHost(v); h != "" {
			set[h] = true
		}
	}
	if len(set) == 0 {
		return nil
	}
	return slices.Sorted(maps.Keys(set))
}

// NormalizeHost reduces a host or url to its bare lowercase hostname
// without port or "www.".
func NormalizeHost(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return ""
	}
	if !strings.Contains(value, "://") {
		value = "http://" + value
	}
	u, err := url.Parse(value)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}
