package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/b55585wy/SGGG/internal/api"
)

// dlqCmd represents the dlq command
var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay dead-lettered telemetry batches",
	Long: `Batches the aggregation worker could not fold into session statistics
after its last retry are kept in the dead letter queue. List them, then replay
a batch once the cause is fixed.`,
}

// dlqListCmd represents the dlq list command
var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the newest dead letters",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		entries, err := newClient().ListDLQ(ctx, limit)
		if err != nil {
			return fmt.Errorf("failed to list dead letters: %w", err)
		}
		printOutput(cmd.OutOrStdout(), api.DLQListResponse{DeadLetters: entries}, func(w io.Writer) {
			if len(entries) == 0 {
				fmt.Fprintln(w, "No dead letters")
				return
			}
			fmt.Fprintf(w, "%-6s %-42s %-8s %-7s %-14s %s\n", "ID", "BATCH", "EVENTS", "ATTEMPT", "REASON", "REPLAYED")
			for _, e := range entries {
				replayed := "-"
				if e.ReplayedAt != nil {
					replayed = e.ReplayedAt.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(w, "%-6d %-42s %-8d %-7d %-14s %s\n",
					e.ID, e.Envelope.BatchID, len(e.Envelope.Events), e.Attempt, e.Reason, replayed)
			}
		})
		return nil
	},
}

// dlqReplayCmd represents the dlq replay command
var dlqReplayCmd = &cobra.Command{
	Use:   "replay [id]",
	Short: "Replay a dead-lettered batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid dead letter id %q", args[0])
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		res, err := newClient().ReplayDLQ(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to replay dead letter: %w", err)
		}
		printOutput(cmd.OutOrStdout(), res, func(w io.Writer) {
			fmt.Fprintf(w, "✓ Replayed dead letter %d (batch %s)\n", res.ID, res.BatchID)
		})
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqReplayCmd)

	dlqListCmd.Flags().Int("limit", 10, "maximum number of dead letters to show")
}
