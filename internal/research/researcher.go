package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mohammad-safakhou/deepresearch/internal/budget"
	"github.com/mohammad-safakhou/deepresearch/internal/llm"
	"github.com/mohammad-safakhou/deepresearch/models"
	"github.com/mohammad-safakhou/deepresearch/tools/web_fetch"
	"github.com/mohammad-safakhou/deepresearch/tools/web_search"
)

var tracer trace.Tracer = otel.Tracer("deepresearch/internal/research")

// Stop reasons reported in Result.
const (
	ReasonComplete    = "complete"
	ReasonMaxDepth    = "max_depth"
	ReasonStopped     = "stopped"
	ReasonTokenBudget = "token_budget"
	ReasonTimeBudget  = "time_budget"
	ReasonCancelled   = "cancelled"
)

// Checkpointer persists the tree between iterations.
// repository.TreeRepository implements it.
type Checkpointer interface {
	SaveTree(ctx context.Context, runID string, root *models.Topic) error
}

// Deps are the collaborators of a run. Checkpointer, Metrics, Logger and
// Callback are optional.
type Deps struct {
	LLM          llm.Client
	Searcher     web_search.WebSearcher
	Scraper      web_fetch.Scraper
	Checkpointer Checkpointer
	Metrics      Metrics
	Logger       *zap.Logger
	Callback     Callback
}

// Result is what a run hands back to its caller.
type Result struct {
	RunID       string           `json:"run_id"`
	Query       string           `json:"query"`
	Tree        models.TopicData `json:"tree"`
	Report      *Report          `json:"report,omitempty"`
	ReportError string           `json:"report_error,omitempty"`
	Stopped     bool             `json:"stopped"`
	StopReason  string           `json:"stop_reason"`
	Depth       int              `json:"depth"`
	Tokens      int64            `json:"tokens"`
	Visited     []string         `json:"visited_urls"`
	Failed      []string         `json:"failed_urls"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  time.Time        `json:"finished_at"`
}

// DeepResearcher owns one research run: the tree, the stop flag, the url
// registry and the depth loop.
type DeepResearcher struct {
	id    string
	query string
	root  *models.Topic
	opts  Options
	deps  Deps

	stop     *StopFlag
	events   *emitter
	monitor  *budget.Monitor
	registry *URLRegistry
	logger   *zap.Logger

	fetcher   *Fetcher
	planner   *Planner
	compactor *Compactor
	reporter  *ReportWriter

	depth int
}

// New prepares a run for query. seedURLs are attached to the root topic.
func New(query string, seedURLs []string, opts Options, deps Deps) (*DeepResearcher, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("research query is empty")
	}
	return NewFromTree(uuid.NewString(), models.NewTopic(query, nil, dedupeSites(seedURLs)), opts, deps)
}

// NewFromTree resumes a run from a saved tree. Urls the tree already fetched
// or failed are not scraped again.
func NewFromTree(runID string, root *models.Topic, opts Options, deps Deps) (*DeepResearcher, error) {
	if root == nil {
		return nil, errors.New("research tree is nil")
	}
	if deps.LLM == nil || deps.Searcher == nil || deps.Scraper == nil {
		return nil, errors.New("research needs an llm client, a searcher and a scraper")
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid research options: %w", err)
	}
	opts = opts.withDefaults()
	if deps.Metrics == nil {
		deps.Metrics = noopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if runID == "" {
		runID = uuid.NewString()
	}

	r := &DeepResearcher{
		id:       runID,
		query:    root.Title(),
		root:     root,
		opts:     opts,
		deps:     deps,
		stop:     NewStopFlag(),
		events:   newEmitter(runID, deps.Callback),
		monitor:  budget.NewMonitor(opts.Budget),
		registry: NewURLRegistry(),
		logger:   deps.Logger.Named("research").With(zap.String("run_id", runID)),
	}
	root.Walk(func(t *models.Topic) bool {
		r.registry.Seed(t.FetchedURLs(), t.FailedFetchedURLs())
		return true
	})
	limits := r.monitor.Limits()
	queries := NewQueryGenerator(deps.LLM, opts.FastModel)
	r.fetcher = newFetcher(root, opts, deps.Searcher, deps.Scraper, queries, r.stop, r.events, deps.Metrics, r.logger)
	r.planner = newPlanner(deps.LLM, opts, limits.Transcript, r.stop, r.events, r.logger)
	r.compactor = newCompactor(deps.LLM, opts, limits, r.stop, r.events, deps.Metrics, r.logger)
	r.reporter = newReportWriter(deps.LLM, opts, r.events, r.logger)
	return r, nil
}

func (r *DeepResearcher) ID() string { return r.id }

func (r *DeepResearcher) Root() *models.Topic { return r.root }

// Stop sets the stop flag. The run finishes its current step, then writes
// the report.
func (r *DeepResearcher) Stop() { r.stop.Set() }

func (r *DeepResearcher) StopFlag() *StopFlag { return r.stop }

// Run executes the research loop and writes the report. A stop is not an
// error; the only error returned is the cancellation of ctx.
func (r *DeepResearcher) Run(ctx context.Context) (*Result, error) {
	ctx, span := tracer.Start(ctx, "research.run", trace.WithAttributes(
		attribute.String("run_id", r.id),
		attribute.Int("max_depth", r.opts.MaxDepth),
	))
	defer span.End()

	res := &Result{RunID: r.id, Query: r.query, StartedAt: time.Now().UTC()}
	r.logger.Info("research started", zap.String("query", r.query), zap.Int("max_depth", r.opts.MaxDepth))
	res.StopReason = r.loop(ctx)
	res.Stopped = res.StopReason == ReasonStopped

	if err := ctx.Err(); err != nil {
		res.StopReason = ReasonCancelled
		r.finish(ctx, res)
		span.SetStatus(codes.Error, "cancelled")
		r.deps.Metrics.ObserveRun(ReasonCancelled, time.Since(res.StartedAt))
		return res, err
	}

	rctx, rspan := tracer.Start(ctx, "research.report")
	report, err := r.reporter.Generate(rctx, r.root)
	if err != nil {
		rspan.RecordError(err)
		rspan.SetStatus(codes.Error, err.Error())
		res.ReportError = err.Error()
		r.logger.Error("report generation failed", zap.Error(err))
	}
	rspan.End()
	res.Report = report
	r.finish(ctx, res)

	status := res.StopReason
	if res.ReportError != "" {
		status = "report_failed"
	}
	r.deps.Metrics.ObserveRun(status, time.Since(res.StartedAt))
	r.logger.Info("research finished", zap.String("reason", res.StopReason), zap.Int("depth", res.Depth),
		zap.Int("visited", len(res.Visited)), zap.Int("failed", len(res.Failed)))
	return res, nil
}

func (r *DeepResearcher) finish(ctx context.Context, res *Result) {
	res.Tree = r.root.Snapshot()
	res.Depth = r.depth
	res.Tokens, _, _ = r.monitor.Usage()
	res.Visited = r.registry.Visited()
	res.Failed = r.registry.Failed()
	res.FinishedAt = time.Now().UTC()
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	r.checkpoint(cctx)
}

// loop runs collect, fetch, token check, compaction and planning until one
// of the exit conditions holds, and returns the reason.
func (r *DeepResearcher) loop(ctx context.Context) string {
	for {
		if r.stop.IsSet() {
			return ReasonStopped
		}
		if ctx.Err() != nil {
			return ReasonCancelled
		}
		if err := r.monitor.CheckTime(); err != nil {
			r.logger.Warn("time budget exhausted", zap.Error(err))
			return ReasonTimeBudget
		}
		if r.depth >= r.opts.MaxDepth {
			return ReasonMaxDepth
		}
		pending := r.root.Unresearched()
		if len(pending) == 0 {
			return ReasonComplete
		}

		if err := r.fetchBatch(ctx, pending); err != nil {
			if isStop(err) {
				return ReasonStopped
			}
			return ReasonCancelled
		}
		r.depth++
		r.checkpoint(ctx)
		if r.stop.IsSet() {
			return ReasonStopped
		}

		tokens := r.countTree(ctx)
		if r.monitor.Observe(tokens) == budget.Compact {
			if err := r.compact(ctx); err != nil {
				if isStop(err) {
					return ReasonStopped
				}
				return ReasonCancelled
			}
			tokens = r.countTree(ctx)
			if err := r.monitor.AfterCompaction(tokens); err != nil {
				r.logger.Warn("tree still over budget after compaction", zap.Error(err))
				return ReasonTokenBudget
			}
			r.checkpoint(ctx)
		}
		if r.stop.IsSet() {
			return ReasonStopped
		}
		if r.depth >= r.opts.MaxDepth {
			return ReasonMaxDepth
		}

		if err := r.plan(ctx); err != nil {
			switch {
			case isStop(err):
				return ReasonStopped
			case ctx.Err() != nil:
				return ReasonCancelled
			default:
				r.logger.Warn("planner pass failed", zap.Int("depth", r.depth), zap.Error(err))
			}
		}
	}
}

func (r *DeepResearcher) fetchBatch(ctx context.Context, topics []*models.Topic) error {
	ctx, span := tracer.Start(ctx, "research.fetch_batch", trace.WithAttributes(
		attribute.Int("depth", r.depth),
		attribute.Int("topics", len(topics)),
	))
	defer span.End()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.TopicWorkers)
	for _, t := range topics {
		if r.stop.IsSet() {
			break
		}
		g.Go(func() error { return r.fetcher.ResearchTopic(gctx, t, r.registry) })
	}
	err := g.Wait()
	if err == nil && r.stop.IsSet() {
		err = ErrStopped
	}
	if err != nil && !isStop(err) {
		span.RecordError(err)
	}
	return err
}

func (r *DeepResearcher) compact(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "research.compact")
	defer span.End()
	return r.compactor.SummarizeSites(ctx, r.root)
}

func (r *DeepResearcher) plan(ctx context.Context) error {
	thinking := r.monitor.UseThinking()
	ctx, span := tracer.Start(ctx, "research.plan", trace.WithAttributes(
		attribute.Int("depth", r.depth),
		attribute.Bool("thinking", thinking),
	))
	defer span.End()
	before := r.root.Count()
	err := r.planner.Analyse(ctx, r.root, thinking)
	r.logger.Info("planner pass finished", zap.Int("depth", r.depth), zap.Int("added", r.root.Count()-before))
	return err
}

func (r *DeepResearcher) countTree(ctx context.Context) int64 {
	tokens := countTokens(ctx, r.deps.LLM, r.opts.ThinkingModel, r.root.RenderForLLM(0, true), r.logger)
	r.deps.Metrics.SetTreeTokens(r.id, tokens)
	r.logger.Debug("tree measured", zap.Int("depth", r.depth), zap.Int64("tokens", tokens))
	return tokens
}

func (r *DeepResearcher) checkpoint(ctx context.Context) {
	if r.deps.Checkpointer == nil {
		return
	}
	if err := r.deps.Checkpointer.SaveTree(ctx, r.id, r.root); err != nil {
		r.logger.Warn("checkpoint failed", zap.Error(err))
	}
}
