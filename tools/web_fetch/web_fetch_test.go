package web_fetch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mohammad-safakhou/deepresearch/config"
	"github.com/mohammad-safakhou/deepresearch/internal/retry"
	"github.com/mohammad-safakhou/deepresearch/models"
	"github.com/mohammad-safakhou/deepresearch/tools/web_fetch/firecrawl"
)

func TestFuncNilPage(t *testing.T) {
	s := Func(func(context.Context, string, models.ScrapeOptions) (*models.Page, error) { return nil, nil })
	if _, err := s.Scrape(context.Background(), "http://a", DefaultOptions()); !errors.Is(err, ErrEmptyResult) {
		t.Fatalf("Scrape() error = %v, want ErrEmptyResult", err)
	}
}

func TestNewScraper(t *testing.T) {
	if _, err := NewScraper(ChromedpFetcherType, "", "", nil); err != nil {
		t.Fatalf("chromedp: %v", err)
	}
	if _, err := NewScraper(FirecrawlFetcherType, "", "k", nil); err != nil {
		t.Fatalf("firecrawl: %v", err)
	}
	if _, err := NewScraper("curl", "", "", nil); !errors.Is(err, ErrUnsupportedFetcher) {
		t.Fatalf("unknown: %v", err)
	}
}

func TestFirecrawlScrape(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/scrape" || r.Header.Get("Authorization") != "Bearer key" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"success":true,"data":{"markdown":"# A\n\n![x](data:image/png;base64,AA)\n\nbody","links":["https://b"],"metadata":{"title":"A <i>page</i>","favicon":"https://a/favicon.ico"}}}`))
	}))
	defer srv.Close()

	s := firecrawl.New(srv.URL, "key", srv.Client())
	page, err := s.Scrape(context.Background(), "https://a", DefaultOptions())
	if err != nil {
		t.Fatalf("Scrape() error = %v", err)
	}
	if got["waitFor"].(float64) != 4000 || got["timeout"].(float64) != 30000 || got["removeBase64Images"] != true {
		t.Fatalf("request payload = %v", got)
	}
	if page.Markdown != "# A\n\nbody" || page.Metadata.Title != "A page" || page.Links[0] != "https://b" {
		t.Fatalf("page = %+v", page)
	}
}

func TestFirecrawlFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"error":"blocked"}`))
	}))
	defer srv.Close()

	_, err := firecrawl.New(srv.URL, "", srv.Client()).Scrape(context.Background(), "https://a", DefaultOptions())
	if err == nil || err.Error() != "firecrawl: blocked" {
		t.Fatalf("Scrape() error = %v", err)
	}
}

func TestWithCrawlPolicy(t *testing.T) {
	calls := 0
	next := Func(func(context.Context, string, models.ScrapeOptions) (*models.Page, error) {
		calls++
		return &models.Page{Markdown: "ok"}, nil
	})
	s := WithCrawlPolicy(next, config.CrawlPolicyConfig{
		Disallow: []string{"bad.com"},
		Paywall:  []string{"https://www.paywall.com"},
	})
	for _, u := range []string{"https://bad.com/a", "http://news.bad.com", "https://paywall.com/x"} {
		_, err := s.Scrape(context.Background(), u, DefaultOptions())
		if !errors.Is(err, ErrHostBlocked) || retry.IsTransient(err) {
			t.Fatalf("Scrape(%s) error = %v, want permanent ErrHostBlocked", u, err)
		}
	}
	if _, err := s.Scrape(context.Background(), "https://notbad.com", DefaultOptions()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	allowOnly := WithCrawlPolicy(next, config.CrawlPolicyConfig{Allow: []string{"example.com"}})
	if _, err := allowOnly.Scrape(context.Background(), "https://docs.example.com/p", DefaultOptions()); err != nil {
		t.Fatalf("subdomain of allowed host rejected: %v", err)
	}
	if _, err := allowOnly.Scrape(context.Background(), "https://other.org", DefaultOptions()); !errors.Is(err, ErrHostBlocked) {
		t.Fatalf("host outside allow list accepted: %v", err)
	}
	if calls != 2 {
		t.Fatalf("next scraper called %d times, want 2", calls)
	}
}
