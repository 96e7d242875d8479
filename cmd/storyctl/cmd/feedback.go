package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/b55585wy/SGGG/internal/api"
	"github.com/b55585wy/SGGG/internal/story"
)

// feedbackCmd represents the feedback command
var feedbackCmd = &cobra.Command{
	Use:   "feedback",
	Short: "Submit end-of-session feedback",
}

// feedbackSubmitCmd represents the feedback submit command
var feedbackSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit feedback for a session",
	Long: `Submit the parent's feedback for a finished reading session. A session
accepts feedback once.

Examples:
  storyctl feedback submit --session ss_0123456789abcdef --status COMPLETED --try-level lick
  storyctl feedback submit --session ss_0123456789abcdef --status ABORTED --abort-reason bored`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := feedbackRequestFromFlags(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		if err := newClient().SubmitFeedback(ctx, req); err != nil {
			return fmt.Errorf("failed to submit feedback: %w", err)
		}
		printOutput(cmd.OutOrStdout(), api.OKResponse{OK: true}, func(w io.Writer) {
			fmt.Fprintf(w, "Feedback recorded for %s (%s)\n", req.SessionID, req.Status)
		})
		return nil
	},
}

func feedbackRequestFromFlags(cmd *cobra.Command) (api.FeedbackSubmitRequest, error) {
	sessionID, _ := cmd.Flags().GetString("session")
	status, _ := cmd.Flags().GetString("status")
	tryLevel, _ := cmd.Flags().GetString("try-level")
	abortReason, _ := cmd.Flags().GetString("abort-reason")
	notes, _ := cmd.Flags().GetString("notes")

	req := api.FeedbackSubmitRequest{
		SessionID:   sessionID,
		Status:      story.FeedbackStatus(strings.ToUpper(status)),
		TryLevel:    story.TryLevel(strings.ToLower(tryLevel)),
		AbortReason: story.AbortReason(strings.ToLower(abortReason)),
		Notes:       notes,
	}
	if !req.Status.Valid() {
		return req, fmt.Errorf("invalid status %q (use COMPLETED or ABORTED)", status)
	}
	if req.TryLevel != "" && !req.TryLevel.Valid() {
		return req, fmt.Errorf("invalid try level %q", tryLevel)
	}
	if req.AbortReason != "" && !req.AbortReason.Valid() {
		return req, fmt.Errorf("invalid abort reason %q", abortReason)
	}
	return req, nil
}

func init() {
	rootCmd.AddCommand(feedbackCmd)
	feedbackCmd.AddCommand(feedbackSubmitCmd)

	feedbackSubmitCmd.Flags().String("session", "", "session ID (required)")
	feedbackSubmitCmd.Flags().String("status", "", "COMPLETED or ABORTED (required)")
	feedbackSubmitCmd.Flags().String("try-level", "", "look, smell, touch, lick, bite, chew or swallow")
	feedbackSubmitCmd.Flags().String("abort-reason", "", "bored, scared, distracted, parent_stopped, technical or other")
	feedbackSubmitCmd.Flags().String("notes", "", "free-form notes")
	_ = feedbackSubmitCmd.MarkFlagRequired("session")
	_ = feedbackSubmitCmd.MarkFlagRequired("status")
}
