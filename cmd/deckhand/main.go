// Package main provides the deckhand CLI: an agent that runs shell commands,
// edits files and drives the desktop on the host, asking before it acts.
//
// # Basic Usage
//
// Start an interactive session:
//
//	deckhand run --config deckhand.yaml
//
// Run a single prompt without asking for approval:
//
//	deckhand run --auto-run --prompt "list the largest files in /var/log"
//
// Inspect stored transcripts:
//
//	deckhand transcript list
//	deckhand transcript show <run-id>
//
// # Environment Variables
//
//   - DECKHAND_CONFIG: path to the configuration file
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY: provider keys used
//     when the configuration has none
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

var configPath string

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "deckhand",
		Short: "deckhand - an agent that acts on this machine with your approval",
		Long: `deckhand lets a language model run shell commands, edit files and drive
the desktop. Every tool call is shown first and runs only when approved.

Answer y to run a call, n to skip it, a to run it and allow the same
command or path for the rest of the session.

Supported providers: Anthropic, OpenAI (and compatible endpoints), Bedrock, Gemini`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML or JSON5 config file (or set DECKHAND_CONFIG)")

	rootCmd.AddCommand(
		buildRunCmd(),
		buildConfigCmd(),
		buildTranscriptCmd(),
	)
	return rootCmd
}

// resolveConfigPath prefers the flag, then DECKHAND_CONFIG, then
// ./deckhand.yaml when it exists. An empty result means built-in defaults.
func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("DECKHAND_CONFIG"); env != "" {
		return env
	}
	if _, err := os.Stat("deckhand.yaml"); err == nil {
		return "deckhand.yaml"
	}
	return ""
}
