// Package app turns a loaded configuration into the collaborators of a
// research run.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/deepresearch/config"
	"github.com/mohammad-safakhou/deepresearch/internal/budget"
	"github.com/mohammad-safakhou/deepresearch/internal/llm"
	"github.com/mohammad-safakhou/deepresearch/internal/llm/gemini"
	"github.com/mohammad-safakhou/deepresearch/internal/research"
	"github.com/mohammad-safakhou/deepresearch/internal/retry"
	"github.com/mohammad-safakhou/deepresearch/internal/store"
	"github.com/mohammad-safakhou/deepresearch/internal/telemetry"
	"github.com/mohammad-safakhou/deepresearch/models"
	"github.com/mohammad-safakhou/deepresearch/repository"
	"github.com/mohammad-safakhou/deepresearch/tools/web_fetch"
	"github.com/mohammad-safakhou/deepresearch/tools/web_search"
)

// Version is reported to the tracer resource.
var Version = "dev"

// Runtime bundles what commands need to start runs. Trees and Archive are
// nil when their storage is not configured.
type Runtime struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *telemetry.Metrics
	Options research.Options
	Deps    research.Deps
	Trees   repository.TreeRepository
	Archive *store.Store

	tracing *telemetry.Tracing
}

// Build wires cfg. reg receives the prometheus collectors; nil uses the
// default registerer.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*Runtime, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	rt := &Runtime{Config: cfg, Logger: logger, Metrics: telemetry.NewMetrics(reg), Options: ResearchOptions(cfg)}
	rt.Options.Retry.OnRetry = func(attempt int, delay time.Duration, err error) {
		logger.Debug("retrying", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
	}

	tracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry, Version)
	if err != nil {
		return nil, err
	}
	rt.tracing = tracing

	client, err := NewLLM(ctx, cfg.LLM, rt.Metrics)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	searcher, err := NewSearcher(cfg.Search)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	scraper, err := NewScraper(cfg.Scrape)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}

	if cfg.Storage.Redis.Enabled() {
		rt.Trees, err = repository.NewTreeRepository(ctx, repository.RepoTypeRedis, cfg.Storage.Redis)
		if err != nil {
			rt.Close(ctx)
			return nil, fmt.Errorf("redis: %w", err)
		}
		logger.Info("tree checkpoints enabled", zap.String("host", cfg.Storage.Redis.Host))
	}
	if cfg.Storage.Postgres.Enabled() {
		timeout := cfg.Storage.Postgres.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		pctx, cancel := context.WithTimeout(ctx, timeout)
		rt.Archive, err = store.NewWithDSN(pctx, cfg.Storage.Postgres.DSN())
		cancel()
		if err != nil {
			rt.Close(ctx)
			return nil, fmt.Errorf("postgres: %w", err)
		}
		logger.Info("run archive enabled")
	}

	rt.Deps = research.Deps{
		LLM:      client,
		Searcher: searcher,
		Scraper:  scraper,
		Metrics:  rt.Metrics,
		Logger:   logger,
	}
	if rt.Trees != nil {
		rt.Deps.Checkpointer = rt.Trees
	}
	return rt, nil
}

// Close releases storage connections and flushes traces.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.Trees != nil {
		errs = append(errs, rt.Trees.Close())
	}
	if rt.Archive != nil {
		errs = append(errs, rt.Archive.Close())
	}
	errs = append(errs, rt.tracing.Shutdown(ctx))
	return errors.Join(errs...)
}

// NewLLM creates the Gemini client wrapped with metrics, rate limiting and
// retries. An empty api key falls back to GEMINI_API_KEY.
func NewLLM(ctx context.Context, cfg config.LLMConfig, obs llm.Observer) (llm.Client, error) {
	key := cfg.APIKey
	if key == "" {
		key = os.Getenv("GEMINI_API_KEY")
	}
	client, err := gemini.New(ctx, key, cfg.ThinkingBudget)
	if err != nil {
		return nil, err
	}
	return llm.Chain(client,
		llm.WithObserver(obs),
		llm.WithRetry(llmRetryPolicy(cfg)),
		llm.WithRateLimit(cfg.RequestsPerMin),
	), nil
}

func llmRetryPolicy(cfg config.LLMConfig) retry.Policy {
	p := retry.DefaultPolicy()
	if cfg.MaxRetries > 0 {
		p.MaxAttempts = cfg.MaxRetries
	}
	if cfg.InitialBackoff > 0 {
		p.InitialDelay = cfg.InitialBackoff
	}
	return p
}

func NewSearcher(cfg config.SearchConfig) (web_search.WebSearcher, error) {
	client := &http.Client{Timeout: cfg.Timeout}
	s, err := web_search.NewWebSearcher(web_search.Provider(cfg.Provider), cfg.APIKey(), client)
	if err != nil {
		return nil, fmt.Errorf("search provider %q: %w", cfg.Provider, err)
	}
	return s, nil
}

// NewScraper builds the configured scraper behind the crawl policy.
func NewScraper(cfg config.ScrapeConfig) (web_fetch.Scraper, error) {
	// firecrawl applies its own page timeout; leave room for the round trip
	client := &http.Client{Timeout: cfg.Timeout + 15*time.Second}
	s, err := web_fetch.NewScraper(web_fetch.FetcherType(cfg.Provider), cfg.FirecrawlURL, cfg.FirecrawlAPIKey, client)
	if err != nil {
		return nil, fmt.Errorf("scrape provider %q: %w", cfg.Provider, err)
	}
	return web_fetch.WithCrawlPolicy(s, cfg.CrawlPolicy), nil
}

// ResearchOptions maps the configuration onto engine options.
func ResearchOptions(cfg *config.Config) research.Options {
	o := research.DefaultOptions()
	r := cfg.Research
	o.Knobs = research.Knobs{
		MaxDepth:      r.MaxDepth,
		MaxBranches:   r.MaxBranches,
		MaxQueries:    r.MaxQueries,
		SemanticDrift: r.SemanticDrift,
		DetailLevel:   r.DetailLevel,
	}
	o.TopicWorkers = r.TopicWorkers
	o.ScrapeWorkers = r.ScrapeWorkers
	o.CompactWorkers = r.CompactWorkers
	o.SearchResults = r.SearchResults
	o.Oversize = research.OversizePolicy(r.OversizeSitePolicy)
	o.QueryAttempts = r.QueryAttempts
	o.MaxPlannerRounds = r.MaxPlannerRounds
	o.MaxContinuations = r.MaxContinuations
	o.ReportMaxOutputTokens = int(r.ReportMaxOutputTokens)
	o.StopPoll = r.StopPoll

	if m := cfg.LLM.ThinkingModel; m != "" {
		o.ThinkingModel = m
	}
	if m := cfg.LLM.FastModel; m != "" {
		o.FastModel = m
	}
	o.SummaryModel = firstNonEmpty(cfg.LLM.SummaryModel, o.FastModel)
	o.ReportModel = firstNonEmpty(cfg.LLM.ReportModel, o.ThinkingModel)

	o.SafeSearch = models.SafeSearch(cfg.Search.SafeSearch)
	o.Scrape.Timeout = cfg.Scrape.Timeout
	o.Scrape.WaitFor = cfg.Scrape.WaitFor
	o.Scrape.Proxy = cfg.Scrape.Proxy
	o.Scrape.RemoveBase64Images = cfg.Scrape.RemoveBase64Images

	o.Budget = budgetConfig(cfg.Budget)
	o.Retry = retry.DefaultPolicy()
	return o
}

func budgetConfig(b config.BudgetConfig) budget.Config {
	var out budget.Config
	set := func(dst **int64, v int64) {
		if v > 0 {
			*dst = budget.Int64(v)
		}
	}
	set(&out.HighWater, b.HighWater)
	set(&out.ThinkingThreshold, b.ThinkingThreshold)
	set(&out.TopicSiteStage, b.TopicSiteStage)
	set(&out.SiteSummarize, b.SiteSummarize)
	set(&out.SiteDrop, b.SiteDrop)
	set(&out.Transcript, b.Transcript)
	set(&out.MaxTimeSeconds, int64(b.MaxTime/time.Second))
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
