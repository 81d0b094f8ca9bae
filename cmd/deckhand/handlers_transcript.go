package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/deckhand/internal/agent"
	"github.com/haasonsaas/deckhand/internal/config"
	"github.com/haasonsaas/deckhand/internal/transcript"
)

// =============================================================================
// Transcript Command Handlers
// =============================================================================

func openTranscriptStore(cmd *cobra.Command) (*transcript.Store, error) {
	cfg, err := config.Load(resolveConfigPath(configPath))
	if err != nil {
		return nil, err
	}
	return transcript.Open(cmd.Context(), cfg.Transcript.Path)
}

func runTranscriptList(cmd *cobra.Command, limit int) error {
	store, err := openTranscriptStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(cmd.Context(), limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tTURNS\tMESSAGES\tRESULT\tPROMPT")
	for _, run := range runs {
		result := run.StopReason
		switch {
		case run.Error != "":
			result = "error"
		case run.FinishedAt == nil:
			result = "unfinished"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			run.ID, run.StartedAt.Local().Format(time.DateTime), run.Turns, run.Messages, result, truncate(run.Prompt, 60))
	}
	return w.Flush()
}

func runTranscriptShow(cmd *cobra.Command, runID string, jsonOutput bool) error {
	store, err := openTranscriptStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.Messages(cmd.Context(), runID)
	if errors.Is(err, transcript.ErrRunNotFound) {
		return fmt.Errorf("run %s not found", runID)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		messages := make([]agent.Message, len(records))
		for i, rec := range records {
			messages[i] = rec.Message
		}
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(messages)
	}

	for _, rec := range records {
		fmt.Fprintf(out, "── %d %s (%s)\n", rec.Seq, rec.Message.Role, rec.CreatedAt.Local().Format(time.TimeOnly))
		for _, block := range rec.Message.Content {
			switch block.Type {
			case agent.BlockText:
				fmt.Fprintln(out, block.Text)
			case agent.BlockToolUse:
				fmt.Fprintf(out, "[%s %s] %s\n", block.ToolUse.Name, block.ToolUse.ID, compactJSON(block.ToolUse.Arguments))
			case agent.BlockToolResult:
				status := "ok"
				switch {
				case block.ToolResult.Cancelled:
					status = "cancelled"
				case block.ToolResult.IsError:
					status = "error: " + string(block.ToolResult.Kind)
				}
				fmt.Fprintf(out, "[result %s, %s]\n%s\n", block.ToolResult.ToolUseID, status, truncate(block.ToolResult.Text(), 2000))
			}
		}
	}
	return nil
}

func truncate(s string, n int) string {
	return ansi.Truncate(strings.TrimSpace(s), n, "...")
}
