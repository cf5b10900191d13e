package research

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/mohammad-safakhou/deepresearch/internal/helpers"
	"github.com/mohammad-safakhou/deepresearch/internal/retry"
	"github.com/mohammad-safakhou/deepresearch/models"
	"github.com/mohammad-safakhou/deepresearch/tools/web_fetch"
	"github.com/mohammad-safakhou/deepresearch/tools/web_search"
)

// Fetcher runs the searches and scrapes of a single topic.
type Fetcher struct {
	// root is rendered into topic_updated events; nil means the topic itself.
	root     *models.Topic
	opts     Options
	searcher web_search.WebSearcher
	scraper  web_fetch.Scraper
	queries  *QueryGenerator
	stop     *StopFlag
	events   *emitter
	metrics  Metrics
	logger   *zap.Logger
}

func newFetcher(root *models.Topic, opts Options, searcher web_search.WebSearcher, scraper web_fetch.Scraper, queries *QueryGenerator,
	stop *StopFlag, events *emitter, metrics Metrics, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		root:     root,
		opts:     opts,
		searcher: searcher,
		scraper:  scraper,
		queries:  queries,
		stop:     stop,
		events:   events,
		metrics:  metrics,
		logger:   logger.Named("fetcher"),
	}
}

// ResearchTopic searches every pending query of topic, scrapes the results
// and the pending seed urls, and marks the topic researched. Urls are
// deduplicated across the run through reg. Only ErrStopped and context
// errors are returned; failed searches and scrapes are recorded on the topic.
func (f *Fetcher) ResearchTopic(ctx context.Context, topic *models.Topic, reg *URLRegistry) error {
	if err := f.stop.Check(); err != nil {
		return err
	}
	log := f.logger.With(zap.String("topic_id", topic.ID()))

	if len(topic.PendingQueries()) == 0 && len(topic.SearchedQueries()) == 0 {
		queries, err := f.generateQueries(ctx, topic.Title())
		switch {
		case err == nil:
			topic.AddQueries(queries...)
		case isStop(err) || ctx.Err() != nil:
			return f.interrupted(ctx)
		default:
			log.Warn("query generation failed, using seed urls only", zap.Error(err))
		}
	}

	queries := topic.PendingQueries()
	urls := topic.PendingURLs()
	f.events.emit(Event{Type: EventSearch, ID: topic.ID(), Queries: queries, URLs: urls})

	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sem := semaphore.NewWeighted(int64(f.opts.ScrapeWorkers))
	g, gctx := errgroup.WithContext(workCtx)
	for _, q := range queries {
		g.Go(func() error { return f.runQuery(gctx, sem, topic, reg, q) })
	}
	for _, u := range urls {
		g.Go(func() error { return f.runURL(gctx, sem, topic, reg, u) })
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	ticker := time.NewTicker(f.opts.StopPoll)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			if err != nil {
				if isStop(err) || f.stop.IsSet() {
					return ErrStopped
				}
				return err
			}
			if !topic.MarkResearched() {
				log.Debug("topic gained work while fetching", zap.Strings("queries", topic.PendingQueries()), zap.Strings("urls", topic.PendingURLs()))
			}
			tree := f.root
			if tree == nil {
				tree = topic
			}
			f.events.treeUpdated(tree, topic.ID())
			return nil
		case <-ticker.C:
			if f.stop.IsSet() {
				cancel()
				<-done
				return ErrStopped
			}
		}
	}
}

func (f *Fetcher) generateQueries(ctx context.Context, title string) ([]string, error) {
	var lastErr error
	for attempt := 0; attempt < f.opts.QueryAttempts; attempt++ {
		if err := f.stop.Check(); err != nil {
			return nil, err
		}
		queries, err := f.queries.Generate(ctx, title, f.opts.MaxQueries)
		if err == nil {
			return queries, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		f.logger.Debug("query generation attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, lastErr
}

// runQuery searches q and scrapes its results. q is marked searched only
// after every url it produced has been resolved.
func (f *Fetcher) runQuery(ctx context.Context, sem *semaphore.Weighted, topic *models.Topic, reg *URLRegistry, q string) error {
	if err := f.stop.Check(); err != nil {
		return err
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return f.interrupted(ctx)
	}
	results, err := retry.DoValue(ctx, f.retryPolicy("search"), func(ctx context.Context) ([]models.SearchResult, error) {
		return f.searcher.Search(ctx, q, models.SearchOptions{SafeSearch: f.opts.SafeSearch, MaxResults: f.opts.SearchResults})
	})
	sem.Release(1)
	f.metrics.ObserveSearch(err)
	if err != nil {
		if ctx.Err() != nil || f.stop.IsSet() {
			return f.interrupted(ctx)
		}
		f.logger.Warn("search failed", zap.String("topic_id", topic.ID()), zap.String("query", q), zap.Error(err))
		topic.MarkQuerySearched(q)
		f.events.emit(Event{Type: EventUpdateSearch, ID: topic.ID(), Query: q, Status: StatusFailed})
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	seen := map[string]bool{}
	n := 0
	for _, r := range results {
		if r.Href == "" || n == f.opts.SearchResults {
			continue
		}
		key := helpers.DedupKey(r.Href)
		if seen[key] {
			continue
		}
		seen[key] = true
		n++
		u := r.Href
		g.Go(func() error { return f.runURL(gctx, sem, topic, reg, u) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	topic.MarkQuerySearched(q)
	f.events.emit(Event{Type: EventUpdateSearch, ID: topic.ID(), Query: q, Status: StatusSearched})
	return nil
}

// runURL resolves url for topic. The first claimant in the run scrapes it;
// other topics reuse the outcome without calling the scraper.
func (f *Fetcher) runURL(ctx context.Context, sem *semaphore.Weighted, topic *models.Topic, reg *URLRegistry, url string) error {
	if err := f.stop.Check(); err != nil {
		return err
	}
	claim, owner := reg.Claim(url)
	if owner {
		outcome, page := f.scrape(ctx, sem, url)
		// content goes on the topic before waiters in the same topic can
		// record the url without it
		if outcome == OutcomeFetched && page != nil {
			site := models.NewSite(url, *page)
			topic.RecordFetched(url, &site)
		}
		reg.Finish(claim, outcome, page)
	}
	outcome, err := claim.Wait(ctx, f.stop)
	if err != nil {
		return f.interrupted(ctx)
	}
	switch outcome {
	case OutcomeFetched:
		if !owner {
			f.metrics.ObserveScrape(ScrapeShared)
		}
		topic.RecordFetched(url, nil)
		f.events.emit(Event{Type: EventUpdateSearch, ID: topic.ID(), URL: url, Status: StatusFetched})
	case OutcomeFailed:
		topic.RecordFailed(url)
		f.events.emit(Event{Type: EventUpdateSearch, ID: topic.ID(), URL: url, Status: StatusFailed})
	default:
		return ErrStopped
	}
	return nil
}

func (f *Fetcher) scrape(ctx context.Context, sem *semaphore.Weighted, url string) (Outcome, *models.Page) {
	if err := sem.Acquire(ctx, 1); err != nil {
		return OutcomeAborted, nil
	}
	defer sem.Release(1)
	if f.stop.IsSet() {
		return OutcomeAborted, nil
	}
	page, err := retry.DoValue(ctx, f.retryPolicy("scrape"), func(ctx context.Context) (*models.Page, error) {
		p, err := f.scraper.Scrape(ctx, url, f.opts.Scrape)
		if err == nil && p == nil {
			err = web_fetch.ErrEmptyResult
		}
		return p, err
	})
	if err != nil {
		if ctx.Err() != nil || f.stop.IsSet() {
			return OutcomeAborted, nil
		}
		f.metrics.ObserveScrape(ScrapeFailed)
		log := f.logger.Warn
		if errors.Is(err, web_fetch.ErrEmptyResult) {
			log = f.logger.Info
		}
		log("scrape failed", zap.String("url", url), zap.Error(err))
		return OutcomeFailed, nil
	}
	if f.opts.Scrape.RemoveBase64Images {
		page.Markdown = helpers.StripBase64Images(page.Markdown)
	}
	f.metrics.ObserveScrape(ScrapeFetched)
	return OutcomeFetched, page
}

func (f *Fetcher) retryPolicy(op string) retry.Policy {
	p := f.opts.Retry
	next := p.OnRetry
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		f.metrics.ObserveRetry(op)
		f.logger.Debug("retrying", zap.String("op", op), zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		if next != nil {
			next(attempt, delay, err)
		}
	}
	return p
}

// interrupted maps a cancelled work context to the error the caller expects.
func (f *Fetcher) interrupted(ctx context.Context) error {
	if f.stop.IsSet() {
		return ErrStopped
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrStopped
}
