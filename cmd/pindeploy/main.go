// Package main provides the device-side CLI for pindeploy.
//
// pindeploy keeps the wearable pin's application checkout in step with its
// remote branch and restarts the application unit after every update.
//
// # Basic Usage
//
// Run the agent (normally under systemd):
//
//	pindeploy run --config /etc/pindeploy/pindeploy.yaml
//
// Ask a running agent for an immediate check:
//
//	pindeploy trigger
//
// Check the device:
//
//	pindeploy doctor
//
// # Environment Variables
//
//   - PINDEPLOY_CONFIG: Path to configuration file (default: /etc/pindeploy/pindeploy.yaml)
//   - PINDEPLOY_*: Overrides for individual settings, e.g. PINDEPLOY_REPOSITORY_BRANCH
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

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
		Use:   "pindeploy",
		Short: "pindeploy - keep the pin's application in step with its repository",
		Long: `pindeploy periodically fetches the configured branch, fast-forwards the
working copy when the remote moved, and restarts the application unit.

A push from an operator machine (pinpush) can ask for an immediate check
through "pindeploy trigger".`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildOnceCmd(),
		buildTriggerCmd(),
		buildStatusCmd(),
		buildDoctorCmd(),
		buildCloneCmd(),
		buildServiceCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}
