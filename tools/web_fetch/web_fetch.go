package web_fetch

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mohammad-safakhou/deepresearch/models"
	"github.com/mohammad-safakhou/deepresearch/tools/web_fetch/chromedp"
	"github.com/mohammad-safakhou/deepresearch/tools/web_fetch/firecrawl"
)

const (
	DefaultTimeout = 30 * time.Second
	DefaultWaitFor = 4 * time.Second
)

// ErrEmptyResult is returned by Func adapters and providers that got no page.
var ErrEmptyResult = errors.New("scraper returned no page")

// Scraper turns a url into cleaned Markdown plus links and metadata.
type Scraper interface {
	Scrape(ctx context.Context, url string, opts models.ScrapeOptions) (*models.Page, error)
}

// Func adapts a function to Scraper. A nil page without error is reported
// as ErrEmptyResult.
type Func func(ctx context.Context, url string, opts models.ScrapeOptions) (*models.Page, error)

func (f Func) Scrape(ctx context.Context, url string, opts models.ScrapeOptions) (*models.Page, error) {
	p, err := f(ctx, url, opts)
	if err == nil && p == nil {
		return nil, ErrEmptyResult
	}
	return p, err
}

// DefaultOptions are the scrape settings used by the research engine.
func DefaultOptions() models.ScrapeOptions {
	return models.ScrapeOptions{
		Formats:            []string{models.FormatMarkdown, models.FormatLinks},
		WaitFor:            DefaultWaitFor,
		Timeout:            DefaultTimeout,
		RemoveBase64Images: true,
	}
}

type FetcherType string

const (
	ChromedpFetcherType  FetcherType = "chromedp"
	FirecrawlFetcherType FetcherType = "firecrawl"
)

var ErrUnsupportedFetcher = errors.New("unsupported fetcher type")

// NewScraper builds the configured provider. baseURL and apiKey only apply
// to firecrawl; an empty baseURL selects the hosted api.
func NewScraper(fetcherType FetcherType, baseURL, apiKey string, client *http.Client) (Scraper, error) {
	switch fetcherType {
	case ChromedpFetcherType, "":
		return &chromedp.Fetch{}, nil
	case FirecrawlFetcherType:
		return firecrawl.New(baseURL, apiKey, client), nil
	default:
		return nil, ErrUnsupportedFetcher
	}
}
