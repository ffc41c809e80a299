// Package main provides the parley CLI.
//
// parley routes conversational requests to a model provider, either through
// the proxied backend or directly with an API key, keeping per-session
// context bounded and gating requested actions on a safety tier.
//
// # Basic Usage
//
// Chat in the terminal:
//
//	parley chat --session demo
//
// Classify an action without calling a model:
//
//	parley classify "rm -rf /"
//
// Serve the HTTP API with metrics:
//
//	parley serve --config parley.yaml
//
// # Environment Variables
//
//   - PARLEY_CONFIG: Path to configuration file (default: parley.yaml)
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, GOOGLE_API_KEY: fallback provider keys
//
// A .env file in the working directory is loaded before anything else.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigName = "parley.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "parley",
		Short:        "parley - resilient conversational request core",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
				slog.Warn("failed to load .env", "error", err)
			}
		},
	}

	rootCmd.AddCommand(
		buildChatCmd(),
		buildClassifyCmd(),
		buildServeCmd(),
		buildSessionsCmd(),
	)
	return rootCmd
}

// resolveConfigPath prefers an explicit flag, then PARLEY_CONFIG, then the
// default file name.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" && path != defaultConfigName {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("PARLEY_CONFIG")); env != "" {
		return env
	}
	return defaultConfigName
}
