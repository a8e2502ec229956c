// Package main provides the CLI entry point for gatekeeper, the
// human-in-the-loop approval coordinator for agent tool calls.
//
// Start the server:
//
//	gatekeeper serve --config gatekeeper.yaml
//
// Inspect a running deployment through the shared store:
//
//	gatekeeper status
//	gatekeeper audit --limit 20
//
// Configuration can reference environment variables with ${VAR} syntax, so
// tokens like SLACK_BOT_TOKEN stay out of the file.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gatekeeper",
		Short:         "Human-in-the-loop approval coordination for agent tool calls",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "path to config file (default gatekeeper.yaml if present)")

	root.AddCommand(buildServeCmd())
	root.AddCommand(buildStatusCmd())
	root.AddCommand(buildAuditCmd())
	root.AddCommand(buildTokenCmd())
	return root
}
