package web_fetch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/deepresearch/config"
	"github.com/mohammad-safakhou/deepresearch/internal/retry"
	"github.com/mohammad-safakhou/deepresearch/models"
)

// ErrHostBlocked is returned for urls the crawl policy forbids.
var ErrHostBlocked = errors.New("host blocked by crawl policy")

type policyScraper struct {
	next    Scraper
	allow   []string
	blocked []string
}

// WithCrawlPolicy refuses urls whose host is blocked, or not allowed when an
// allow list is set. Subdomains match their parent entry. The refusal is
// permanent so retries stop immediately.
func WithCrawlPolicy(next Scraper, policy config.CrawlPolicyConfig) Scraper {
	norm := policy.Normalize()
	blocked := policy.Blocked()
	if len(norm.Allow) == 0 && len(blocked) == 0 {
		return next
	}
	return &policyScraper{next: next, allow: norm.Allow, blocked: blocked}
}

func (p *policyScraper) Scrape(ctx context.Context, url string, opts models.ScrapeOptions) (*models.Page, error) {
	host := config.NormalizeHost(url)
	if matchHost(host, p.blocked) || (len(p.allow) > 0 && !matchHost(host, p.allow)) {
		return nil, &retry.Permanent{Err: fmt.Errorf("%w: %s", ErrHostBlocked, host)}
	}
	return p.next.Scrape(ctx, url, opts)
}

func matchHost(host string, list []string) bool {
	for _, h := range list {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}
