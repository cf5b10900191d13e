package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/deepresearch/internal/app"
	srv "github.com/mohammad-safakhou/deepresearch/internal/server"
	"github.com/mohammad-safakhou/deepresearch/internal/store"
)

func serveCMD(cfgPath *string) *cobra.Command {
	var serveAddr string
	var migrate bool
	var shutdownTimeout time.Duration
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if serveAddr != "" {
				cfg.Server.Address = serveAddr
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if migrate && cfg.Storage.Postgres.Enabled() {
				if err := store.Migrate(store.DefaultMigrationsDir, cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
					logger.Warn("migrations failed", zap.Error(err))
				}
			}
			rt, err := app.Build(ctx, cfg, logger, prometheus.DefaultRegisterer)
			if err != nil {
				return err
			}
			defer func() {
				cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = rt.Close(cctx)
			}()

			var archive srv.Archive
			if rt.Archive != nil {
				archive = rt.Archive
			}
			manager := srv.NewRunManager(cfg.Server, rt.Options, rt.Deps, archive, logger)
			manager.StartJanitor(ctx)
			server := srv.New(cfg.Server, manager, archive, prometheus.DefaultGatherer, logger)

			errCh := make(chan error, 1)
			go func() { errCh <- server.Start() }()
			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			logger.Info("shutting down", zap.Duration("timeout", shutdownTimeout))
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(sctx)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.address)")
	serve.Flags().BoolVar(&migrate, "migrate", true, "apply database migrations on start when postgres is configured")
	serve.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 2*time.Minute, "time given to live runs to write their reports")

	return serve
}
