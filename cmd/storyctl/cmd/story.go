package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/b55585wy/SGGG/internal/api"
	"github.com/b55585wy/SGGG/internal/story"
)

// storyCmd represents the story command
var storyCmd = &cobra.Command{
	Use:   "story",
	Short: "Manage story drafts",
}

// storyRegisterCmd represents the story register command
var storyRegisterCmd = &cobra.Command{
	Use:   "register [draft.json]",
	Short: "Register a story draft",
	Long: `Register a generated story draft read from a JSON file ("-" for stdin).
Set --parent when the draft is a regeneration of an earlier story.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := loadDraft(args[0])
		if err != nil {
			return err
		}
		parent, _ := cmd.Flags().GetString("parent")

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		id, err := newClient().RegisterStory(ctx, api.StoryRegisterRequest{Draft: d, ParentStoryID: parent})
		if err != nil {
			return fmt.Errorf("failed to register story: %w", err)
		}
		printOutput(cmd.OutOrStdout(), api.StoryRegisterResponse{StoryID: id}, func(w io.Writer) {
			fmt.Fprintf(w, "Registered story %s (%d pages)\n", id, len(d.Pages))
			if d.BookMeta.Title != "" {
				fmt.Fprintf(w, "  Title: %s\n", d.BookMeta.Title)
			}
		})
		return nil
	},
}

// storyValidateCmd represents the story validate command
var storyValidateCmd = &cobra.Command{
	Use:   "validate [draft.json]",
	Short: "Validate a story draft locally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := loadDraft(args[0])
		if err != nil {
			return err
		}
		if err := d.Validate(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Draft %s is valid (%d pages)\n", d.StoryID, len(d.Pages))
		return nil
	},
}

func loadDraft(path string) (story.Draft, error) {
	var d story.Draft
	err := readJSONFile(path, &d)
	return d, err
}

func init() {
	rootCmd.AddCommand(storyCmd)
	storyCmd.AddCommand(storyRegisterCmd)
	storyCmd.AddCommand(storyValidateCmd)

	storyRegisterCmd.Flags().String("parent", "", "parent story ID when regenerating")
}
