package app

import (
	"errors"
	"testing"
	"time"

	"github.com/mohammad-safakhou/deepresearch/config"
	"github.com/mohammad-safakhou/deepresearch/internal/research"
	"github.com/mohammad-safakhou/deepresearch/models"
	"github.com/mohammad-safakhou/deepresearch/tools/web_search"
)

func loadDefaults(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg
}

func TestResearchOptionsFromDefaults(t *testing.T) {
	cfg := loadDefaults(t)
	o := ResearchOptions(cfg)

	if o.Knobs != research.DefaultKnobs() {
		t.Fatalf("knobs %+v, want %+v", o.Knobs, research.DefaultKnobs())
	}
	if o.TopicWorkers != 6 || o.ScrapeWorkers != 32 || o.CompactWorkers != 10 {
		t.Fatalf("unexpected pools: %d/%d/%d", o.TopicWorkers, o.ScrapeWorkers, o.CompactWorkers)
	}
	if o.Oversize != research.OversizeDrop || o.SafeSearch != models.SafeSearchModerate {
		t.Fatalf("unexpected policies: %q %q", o.Oversize, o.SafeSearch)
	}
	if o.Scrape.Timeout != 30*time.Second || o.Scrape.WaitFor != 4*time.Second || !o.Scrape.RemoveBase64Images {
		t.Fatalf("unexpected scrape options: %+v", o.Scrape)
	}
	if o.Budget.HighWater != nil || o.Budget.MaxTimeSeconds != nil {
		t.Fatalf("zero budget values should keep engine defaults")
	}
	if err := o.Validate(); err != nil {
		t.Fatalf("default options invalid: %v", err)
	}
}

func TestResearchOptionsOverrides(t *testing.T) {
	cfg := loadDefaults(t)
	cfg.LLM.ThinkingModel = "pro"
	cfg.LLM.FastModel = "flash"
	cfg.LLM.SummaryModel = ""
	cfg.LLM.ReportModel = ""
	cfg.Research.MaxDepth = 5
	cfg.Research.OversizeSitePolicy = "truncate"
	cfg.Budget.HighWater = 500_000
	cfg.Budget.MaxTime = 90 * time.Second
	cfg.Search.SafeSearch = "off"

	o := ResearchOptions(cfg)
	if o.SummaryModel != "flash" || o.ReportModel != "pro" {
		t.Fatalf("model fallbacks wrong: summary=%q report=%q", o.SummaryModel, o.ReportModel)
	}
	if o.MaxDepth != 5 || o.Oversize != research.OversizeTruncate || o.SafeSearch != models.SafeSearchOff {
		t.Fatalf("overrides not applied: %+v", o)
	}
	if o.Budget.HighWater == nil || *o.Budget.HighWater != 500_000 {
		t.Fatalf("high water not mapped")
	}
	if o.Budget.MaxTimeSeconds == nil || *o.Budget.MaxTimeSeconds != 90 {
		t.Fatalf("max time not mapped")
	}
}

func TestLLMRetryPolicy(t *testing.T) {
	p := llmRetryPolicy(config.LLMConfig{MaxRetries: 7, InitialBackoff: 2 * time.Second})
	if p.MaxAttempts != 7 || p.InitialDelay != 2*time.Second {
		t.Fatalf("unexpected policy: %+v", p)
	}
	p = llmRetryPolicy(config.LLMConfig{})
	if p.MaxAttempts != 5 || p.InitialDelay != time.Second {
		t.Fatalf("defaults not kept: %+v", p)
	}
}

func TestNewSearcher(t *testing.T) {
	if _, err := NewSearcher(config.SearchConfig{Provider: "duckduckgo"}); err != nil {
		t.Fatalf("duckduckgo: %v", err)
	}
	_, err := NewSearcher(config.SearchConfig{Provider: "serper"})
	if !errors.Is(err, web_search.ErrMissingAPIKey) {
		t.Fatalf("expected missing key error, got %v", err)
	}
	if _, err := NewSearcher(config.SearchConfig{Provider: "brave", BraveAPIKey: "k"}); err != nil {
		t.Fatalf("brave: %v", err)
	}
	if _, err := NewSearcher(config.SearchConfig{Provider: "altavista"}); !errors.Is(err, web_search.ErrUnsupportedProvider) {
		t.Fatalf("expected unsupported provider, got %v", err)
	}
}

func TestNewScraper(t *testing.T) {
	if _, err := NewScraper(config.ScrapeConfig{Provider: "firecrawl", FirecrawlAPIKey: "k"}); err != nil {
		t.Fatalf("firecrawl: %v", err)
	}
	if _, err := NewScraper(config.ScrapeConfig{Provider: "wget"}); err == nil {
		t.Fatalf("expected unsupported scraper error")
	}
}
