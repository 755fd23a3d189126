// Package main provides the CLI entry point for the switchyard agent gateway.
//
// switchyard routes chat messages to long-running agent sessions, picks a
// model and credential for every run, and falls back across providers when
// one fails.
//
// # Basic Usage
//
// Start the gateway:
//
//	switchyard serve --config ~/.switchyard/config.yaml
//
// Inspect sessions and credentials:
//
//	switchyard sessions list
//	switchyard auth list
//
// # Environment Variables
//
//   - SWITCHYARD_CONFIG: path to the configuration file
//   - SWITCHYARD_STATE_DIR: state directory (default: ~/.switchyard)
//   - SWITCHYARD_ALLOW_MULTI_GATEWAY: set to 1 to skip the singleton lock
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	var configPath string
	rootCmd := &cobra.Command{
		Use:   "switchyard",
		Short: "switchyard - agent session gateway",
		Long: `switchyard routes inbound chat messages to agent sessions.

Every session carries its own model, credential and thinking overrides,
set with inline directives such as /model, /think and /stop. Runs fall
back across providers and credentials when one is rate limited or out of
credit.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to the configuration file (default: $SWITCHYARD_CONFIG or <state dir>/config.yaml)")

	rootCmd.AddCommand(
		buildServeCmd(&configPath),
		buildSessionsCmd(&configPath),
		buildAuthCmd(&configPath),
		buildModelsCmd(&configPath),
		buildConfigCmd(&configPath),
		buildVersionCmd(),
	)
	return rootCmd
}
