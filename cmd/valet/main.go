// Package main provides the CLI entry point for the Valet personal AI
// assistant.
//
// Valet runs a single-user agent daemon on your own machine: local models
// via Ollama for everyday work, with budget-gated escalation to Anthropic
// cloud models when a task needs more, plus a job scheduler and a
// loopback-only control surface.
//
// # Basic Usage
//
// Start the daemon:
//
//	valet serve --config valet.yaml
//
// Talk to the assistant without the daemon:
//
//	valet chat
//
// Manage scheduled jobs on a running daemon:
//
//	valet jobs list
//	valet jobs add morning-brief --cron "0 8 * * *" --prompt "Summarize my day" --notify
//
// # Environment Variables
//
//   - VALET_CONFIG: Path to configuration file (default: valet.yaml)
//   - VALET_ANTHROPIC_API_KEY: Anthropic API key for cloud tiers
//     (falls back to ANTHROPIC_API_KEY; never read from config files)
//   - VALET_ESCALATION_ENABLED: true|false, overrides router.escalation_enabled
//   - VALET_LOG_LEVEL: debug|info|warn|error, overrides log.level
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

// main sets up the root command and all subcommands, then executes based
// on CLI args.
func main() {
	// A plain text logger covers everything before serve installs the
	// configured one.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "valet",
		Short: "Valet - local-first personal AI assistant",
		Long: `Valet is a single-user AI assistant that lives on your machine.

Local Ollama models handle everyday requests; hard ones escalate to
Anthropic cloud tiers under a daily budget. A scheduler runs background
jobs against the same agent runtime, and a loopback-only HTTP surface
serves chat clients, job management, and metrics.

Environment: VALET_CONFIG (config path, default valet.yaml),
VALET_ANTHROPIC_API_KEY or ANTHROPIC_API_KEY (cloud credential, never
read from config files), VALET_ESCALATION_ENABLED, VALET_LOG_LEVEL.

Documentation: https://github.com/haasonsaas/valet`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
		buildJobsCmd(),
		buildUsageCmd(),
		buildStatusCmd(),
	)

	return rootCmd
}
