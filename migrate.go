package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattfrayser/boardrelay/internal/config"
	"github.com/mattfrayser/boardrelay/internal/logging"
	"github.com/mattfrayser/boardrelay/internal/storage"
)

func migrateCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply storage schema migrations",
		Long:  `Bring the configured store's schema up to date. The memory driver has no schema.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			ran, err := storage.Migrate(ctx, cfg, logging.New(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat))
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			if !ran {
				fmt.Printf("%s driver has no schema, nothing to do\n", cfg.StorageDriver)
				return nil
			}
			fmt.Printf("%s schema is up to date\n", cfg.StorageDriver)
			return nil
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", time.Minute, "Give up after this long")

	return cmd
}
