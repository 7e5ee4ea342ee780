package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattfrayser/boardrelay/internal/board"
	"github.com/mattfrayser/boardrelay/internal/config"
	"github.com/mattfrayser/boardrelay/internal/logging"
	"github.com/mattfrayser/boardrelay/internal/storage"
)

func boardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "board",
		Short: "Manage boards in the configured store",
	}
	cmd.AddCommand(boardCreateCmd())
	return cmd
}

func boardCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <board-id>",
		Short: "Create an empty board",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			if err := board.ValidateID(args[0]); err != nil {
				return err
			}

			store, err := storage.Open(ctx, cfg, logging.New(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat))
			if err != nil {
				return fmt.Errorf("failed to open storage: %w", err)
			}
			defer store.Close()

			if err := store.CreateBoard(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Created board %s\n", args[0])
			return nil
		},
	}
}
