package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/deepresearch/internal/app"
	"github.com/mohammad-safakhou/deepresearch/internal/research"
	"github.com/mohammad-safakhou/deepresearch/internal/store"
)

func researchCMD(cfgPath *string) *cobra.Command {
	var (
		urls      []string
		depth     int
		breadth   int
		out       string
		resume    string
		showThink bool
	)
	var cmd = &cobra.Command{
		Use:   "research [query]",
		Short: "Run one research to completion and write the report",
		Long: "Run one research to completion and write the report.\n" +
			"Ctrl-C stops the research and still writes a report of what was found; a second Ctrl-C aborts.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := ""
			if len(args) == 1 {
				query = strings.TrimSpace(args[0])
			}
			if query == "" && resume == "" {
				return errors.New("a query or --resume is required")
			}

			cfg, logger, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if depth > 0 {
				cfg.Research.MaxDepth = depth
			}
			if breadth > 0 {
				cfg.Research.MaxBranches = breadth
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			rt, err := app.Build(ctx, cfg, logger, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer func() {
				cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = rt.Close(cctx)
			}()

			deps := rt.Deps
			deps.Callback = progress(logger)
			var r *research.DeepResearcher
			if resume != "" {
				if rt.Trees == nil {
					return errors.New("--resume needs storage.redis to be configured")
				}
				tree, err := rt.Trees.GetTree(ctx, resume)
				if err != nil {
					return fmt.Errorf("load tree %s: %w", resume, err)
				}
				r, err = research.NewFromTree(resume, tree, rt.Options, deps)
				if err != nil {
					return err
				}
			} else {
				r, err = research.New(query, urls, rt.Options, deps)
				if err != nil {
					return err
				}
			}
			if rt.Archive != nil && resume == "" {
				if err := rt.Archive.CreateRun(ctx, r.ID(), query, rt.Options.Knobs); err != nil {
					logger.Warn("archive run start failed", zap.Error(err))
				}
			}

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			go stopOnSignal(runCtx, cancel, r, logger)

			logger.Info("research started", zap.String("run_id", r.ID()))
			res, runErr := r.Run(runCtx)
			if rt.Archive != nil && res != nil {
				if rec, err := store.RecordFromResult(res, rt.Options.Knobs, runErr); err == nil {
					actx, acancel := context.WithTimeout(context.Background(), 15*time.Second)
					if err := rt.Archive.FinishRun(actx, rec); err != nil {
						logger.Warn("archive run failed", zap.Error(err))
					}
					acancel()
				}
			}
			if runErr != nil {
				return runErr
			}
			if res.ReportError != "" {
				logger.Error("report incomplete", zap.String("error", res.ReportError))
			}

			report := res.Report.Markdown()
			if showThink {
				if thoughts := res.Report.Thoughts(); thoughts != "" {
					report = "<!--\n" + thoughts + "\n-->\n\n" + report
				}
			}
			if out == "" {
				fmt.Fprintln(cmd.OutOrStdout(), report)
			} else if err := os.WriteFile(out, []byte(report), 0o644); err != nil {
				return err
			}
			logger.Info("research done",
				zap.String("run_id", res.RunID),
				zap.String("reason", res.StopReason),
				zap.Int("depth", res.Depth),
				zap.Int("visited", len(res.Visited)),
				zap.Int("failed", len(res.Failed)))
			if res.ReportError != "" {
				return fmt.Errorf("report: %s", res.ReportError)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&urls, "url", nil, "seed url for the root topic (repeatable)")
	cmd.Flags().IntVar(&depth, "depth", 0, "maximum research depth (overrides research.max_depth)")
	cmd.Flags().IntVar(&breadth, "breadth", 0, "maximum subtopics per topic (overrides research.max_branches)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the report to this file instead of stdout")
	cmd.Flags().StringVar(&resume, "resume", "", "continue a checkpointed run by id")
	cmd.Flags().BoolVar(&showThink, "thoughts", false, "include the model's report reasoning as an html comment")
	return cmd
}

// stopOnSignal sets the stop flag on the first interrupt and cancels the run
// on the second.
func stopOnSignal(ctx context.Context, cancel context.CancelFunc, r *research.DeepResearcher, logger *zap.Logger) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	select {
	case <-sigs:
		logger.Warn("stopping research, the report will still be written; interrupt again to abort")
		r.Stop()
	case <-ctx.Done():
		return
	}
	select {
	case <-sigs:
		logger.Warn("aborting research")
		cancel()
	case <-ctx.Done():
	}
}

func progress(logger *zap.Logger) research.Callback {
	return func(ev research.Event) {
		switch ev.Type {
		case research.EventSearch:
			logger.Info("searching", zap.String("topic_id", ev.ID), zap.Strings("queries", ev.Queries), zap.Strings("urls", ev.URLs))
		case research.EventUpdateSearch:
			logger.Debug("search update", zap.String("topic_id", ev.ID), zap.String("query", ev.Query), zap.String("url", ev.URL), zap.String("status", ev.Status))
		case research.EventSummarizeSites:
			logger.Info("compacting tree")
		case research.EventStartThinking:
			logger.Info("planning next topics")
		case research.EventGeneratingReport:
			logger.Info("writing report")
		}
	}
}
