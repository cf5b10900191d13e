package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/deepresearch/config"
	"github.com/mohammad-safakhou/deepresearch/internal/store"
)

func migrateCMD(cfgPath *string) *cobra.Command {
	var (
		dir       string
		direction string
		steps     int
	)
	var migrate = &cobra.Command{
		Use:   "migrate",
		Short: "Apply the run archive schema to postgres",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(*cfgPath)
			if !cfg.Storage.Postgres.Enabled() {
				return fmt.Errorf("postgres not configured (storage.postgres.url or storage.postgres.host)")
			}
			if err := store.Migrate(dir, cfg.Storage.Postgres.DSN(), direction, steps); err != nil {
				return fmt.Errorf("migrate %s: %w", direction, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %s\n", direction)
			return nil
		},
	}
	migrate.Flags().StringVar(&dir, "dir", store.DefaultMigrationsDir, "migrations source url")
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")

	return migrate
}
