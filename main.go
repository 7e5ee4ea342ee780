package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "boardrelay",
		Short: "Realtime relay for collaborative whiteboards",
		Long: `boardrelay keeps shared whiteboards in sync.

Viewers connect to /board/{id} over a websocket, receive the board's
current objects and then every object added after that, in order.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		migrateCmd(),
		boardCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
