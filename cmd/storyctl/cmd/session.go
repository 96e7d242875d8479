package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// sessionCmd represents the session command
var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage reading sessions",
	Long:  `Start reading sessions and inspect their statistics.`,
}

// sessionStartCmd represents the session start command
var sessionStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a reading session for a story",
	Long: `Start a reading session. Starting again with the same client session
token returns the existing session.

Example:
  storyctl session start --story st_123 --client-token tab-1`,
	RunE: func(cmd *cobra.Command, args []string) error {
		storyID, _ := cmd.Flags().GetString("story")
		token, _ := cmd.Flags().GetString("client-token")
		if token == "" {
			token = uuid.NewString()
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		resp, err := newClient().StartSession(ctx, storyID, token)
		if err != nil {
			return fmt.Errorf("failed to start session: %w", err)
		}
		out := map[string]string{
			"session_id":           resp.SessionID,
			"status":               resp.Status,
			"client_session_token": token,
		}
		printOutput(cmd.OutOrStdout(), out, func(w io.Writer) {
			fmt.Fprintf(w, "Session %s (%s)\n", resp.SessionID, resp.Status)
			fmt.Fprintf(w, "  Client token: %s\n", token)
		})
		return nil
	},
}

// sessionStatsCmd represents the session stats command
var sessionStatsCmd = &cobra.Command{
	Use:   "stats [session-id]",
	Short: "Show aggregated statistics of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		s, err := newClient().SessionStats(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to get session stats: %w", err)
		}
		printOutput(cmd.OutOrStdout(), s, func(w io.Writer) {
			fmt.Fprintf(w, "Session %s (story %s)\n", s.SessionID, s.StoryID)
			fmt.Fprintf(w, "  Page views: %d (%d distinct)\n", s.PageViews, len(s.PagesSeen))
			fmt.Fprintf(w, "  Dwell: %dms\n", s.DwellMSTotal)
			fmt.Fprintf(w, "  Interactions: %d (mean latency %.0fms)\n", s.Interactions, s.MeanLatencyMS())
			fmt.Fprintf(w, "  Branch selects: %d\n", s.BranchSelects)
			fmt.Fprintf(w, "  Read aloud on/off: %d/%d\n", s.ReadAloudOn, s.ReadAloudOff)
			fmt.Fprintf(w, "  Completion: %.0f%% (completed: %v)\n", s.CompletionRate*100, s.Completed)
		})
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionStartCmd)
	sessionCmd.AddCommand(sessionStatsCmd)

	sessionStartCmd.Flags().String("story", "", "story ID (required)")
	sessionStartCmd.Flags().String("client-token", "", "client session token (default: random UUID)")
	_ = sessionStartCmd.MarkFlagRequired("story")
}
