package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mohammad-safakhou/deepresearch/internal/budget"
	"github.com/mohammad-safakhou/deepresearch/internal/helpers"
	"github.com/mohammad-safakhou/deepresearch/internal/llm"
	"github.com/mohammad-safakhou/deepresearch/models"
)

var errEmptySummary = errors.New("summary model returned no text")

// Compactor replaces the fetched content of topics with model summaries when
// the tree outgrows the context window.
type Compactor struct {
	client  llm.Client
	opts    Options
	limits  budget.Limits
	stop    *StopFlag
	events  *emitter
	metrics Metrics
	logger  *zap.Logger
}

func newCompactor(client llm.Client, opts Options, limits budget.Limits, stop *StopFlag, events *emitter, metrics Metrics, logger *zap.Logger) *Compactor {
	return &Compactor{
		client:  client,
		opts:    opts,
		limits:  limits,
		stop:    stop,
		events:  events,
		metrics: metrics,
		logger:  logger.Named("compactor"),
	}
}

// SummarizeSites compacts every topic of root that still holds raw content.
// Topics already summarised are left alone. A failed summary keeps the raw
// content of that topic; only ErrStopped and context errors are returned.
func (c *Compactor) SummarizeSites(ctx context.Context, root *models.Topic) error {
	if err := c.stop.Check(); err != nil {
		return err
	}
	start := time.Now()
	c.events.emit(Event{Type: EventSummarizeSites})

	var pending []*models.Topic
	root.Walk(func(t *models.Topic) bool {
		if !t.IsSummarized() && t.HasContent() {
			pending = append(pending, t)
		}
		return true
	})

	var compacted atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.CompactWorkers)
	for _, t := range pending {
		if c.stop.IsSet() {
			break
		}
		g.Go(func() error {
			err := c.compactTopic(gctx, t)
			switch {
			case err == nil:
				compacted.Add(1)
				return nil
			case isStop(err) || gctx.Err() != nil:
				return err
			default:
				c.logger.Warn("topic compaction failed", zap.String("topic_id", t.ID()), zap.Error(err))
				return nil
			}
		})
	}
	if err := g.Wait(); err != nil {
		if c.stop.IsSet() {
			return ErrStopped
		}
		return err
	}
	if err := c.stop.Check(); err != nil {
		return err
	}

	c.metrics.ObserveCompaction(int(compacted.Load()), time.Since(start))
	c.logger.Info("compaction finished", zap.Int("topics", len(pending)), zap.Int32("compacted", compacted.Load()))
	snap := root.Snapshot()
	c.events.emit(Event{Type: EventSummarizeSitesComplete, Tree: &snap})
	return nil
}

func (c *Compactor) compactTopic(ctx context.Context, t *models.Topic) error {
	if err := c.stop.Check(); err != nil {
		return err
	}
	if tokens := c.count(ctx, t.RenderContent()); tokens > c.limits.TopicSiteStage {
		if err := c.compactSites(ctx, t); err != nil {
			return err
		}
	}
	if err := c.stop.Check(); err != nil {
		return err
	}
	summary, err := c.summarizeTopic(ctx, t)
	if err != nil {
		return err
	}
	t.SetSummary(summary)
	return nil
}

// compactSites shrinks individual sites: oversize ones are dropped or
// truncated, large ones are replaced by a fast-model summary.
func (c *Compactor) compactSites(ctx context.Context, t *models.Topic) error {
	for _, site := range t.FetchedContent() {
		if err := c.stop.Check(); err != nil {
			return err
		}
		tokens := c.count(ctx, site.Markdown)
		log := c.logger.With(zap.String("topic_id", t.ID()), zap.String("url", site.URL), zap.Int64("tokens", tokens))
		switch {
		case tokens > c.limits.SiteDrop:
			if c.opts.Oversize == OversizeTruncate {
				t.ReplaceSiteContent(site.URL, helpers.TruncateTokens(site.Markdown, int(c.limits.SiteSummarize)))
				log.Info("oversize site truncated")
			} else {
				t.DropSite(site.URL)
				log.Info("oversize site dropped")
			}
		case tokens > c.limits.SiteSummarize:
			res, err := c.client.Generate(ctx, llm.Request{
				Model:             c.opts.FastModel,
				SystemInstruction: strings.TrimSpace(prompts.SummarizeSiteSystem),
				Contents:          []llm.Content{llm.UserText(fmt.Sprintf("Source: %s\n\n%s", site.URL, site.Markdown))},
			})
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Warn("site summary failed, keeping raw content", zap.Error(err))
				continue
			}
			if text := strings.TrimSpace(res.Text()); text != "" {
				t.ReplaceSiteContent(site.URL, text)
			}
		}
	}
	return nil
}

// summarizeTopic asks the summary model for a digest of the topic content,
// continuing the conversation while the answer is cut off by MAX_TOKENS.
func (c *Compactor) summarizeTopic(ctx context.Context, t *models.Topic) (string, error) {
	user, err := render(prompts.SummarizeTopicUser, map[string]any{"Title": t.Title(), "Content": t.RenderContent()})
	if err != nil {
		return "", err
	}
	contents := []llm.Content{llm.UserText(user)}
	var out strings.Builder
	for i := 0; ; i++ {
		res, err := c.client.Generate(ctx, llm.Request{
			Model:             c.opts.SummaryModel,
			SystemInstruction: strings.TrimSpace(prompts.SummarizeTopic),
			Contents:          contents,
		})
		if err != nil {
			return "", fmt.Errorf("summarize topic: %w", err)
		}
		text := res.Text()
		out.WriteString(text)
		if res.FinishReason != llm.FinishMaxTokens || i >= c.opts.MaxContinuations {
			break
		}
		if err := c.stop.Check(); err != nil {
			return "", err
		}
		contents = append(contents,
			llm.Content{Role: llm.RoleModel, Parts: []llm.Part{llm.TextPart(text)}},
			llm.UserText(strings.TrimSpace(prompts.Continue)))
	}
	summary := strings.TrimSpace(out.String())
	if summary == "" {
		return "", errEmptySummary
	}
	return summary, nil
}

func (c *Compactor) count(ctx context.Context, text string) int64 {
	return countTokens(ctx, c.client, c.opts.SummaryModel, text, c.logger)
}

// countTokens asks the model for a token count and falls back to a
// character estimate when the call fails.
func countTokens(ctx context.Context, client llm.Client, model, text string, logger *zap.Logger) int64 {
	n, err := client.CountTokens(ctx, model, []llm.Content{llm.UserText(text)})
	if err != nil {
		logger.Debug("count tokens failed, estimating", zap.String("model", model), zap.Error(err))
		return int64(len(text) / helpers.CharsPerToken)
	}
	return int64(n)
}
