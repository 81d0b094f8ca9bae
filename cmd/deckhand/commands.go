package main

import "github.com/spf13/cobra"

// =============================================================================
// Run Command
// =============================================================================

type runOptions struct {
	autoRun  bool
	maxTurns int
	provider string
	model    string
	prompt   string
}

func buildRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start an interactive agent session",
		Long: `Start an interactive agent session.

Each line you type is sent to the model. Tool calls are shown before they
run and need approval unless --auto-run is set or the call is on the
allow-list.

Ctrl-C while a command runs interrupts it; a second Ctrl-C stops the run
after the current turn; a third abandons it. At the prompt, Ctrl-D or
/exit quits and /reset starts a new conversation.`,
		Example: `  deckhand run
  deckhand run --provider openai --model gpt-4o
  deckhand run --auto-run --max-turns 5 --prompt "run the tests and fix failures"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.autoRun, "auto-run", false, "Run every tool call without asking")
	cmd.Flags().IntVar(&opts.maxTurns, "max-turns", 0, "Maximum model round-trips per run (0 = unlimited; default from config)")
	cmd.Flags().StringVar(&opts.provider, "provider", "", "Provider override: anthropic, openai, bedrock, google")
	cmd.Flags().StringVar(&opts.model, "model", "", "Model override")
	cmd.Flags().StringVarP(&opts.prompt, "prompt", "p", "", "Run one prompt and exit")
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "schema",
			Short: "Print the JSON Schema of the config file",
			Args:  cobra.NoArgs,
			RunE:  runConfigSchema,
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration with secrets masked",
			Args:  cobra.NoArgs,
			RunE:  runConfigShow,
		},
	)
	return cmd
}

// =============================================================================
// Transcript Commands
// =============================================================================

func buildTranscriptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transcript",
		Short: "Browse stored runs",
		Long: `Browse runs stored in the transcript database.

Transcripts are written when transcript.enabled is set in the config.`,
	}
	cmd.AddCommand(buildTranscriptListCmd(), buildTranscriptShowCmd())
	return cmd
}

func buildTranscriptListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTranscriptList(cmd, limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to show")
	return cmd
}

func buildTranscriptShowCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the messages of one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTranscriptShow(cmd, args[0], jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print messages as JSON")
	return cmd
}
