package cli

import (
	"fmt"
	"strconv"

	"github.com/conveyorhq/conveyor/internal/github"
	"github.com/spf13/cobra"
)

var mergeCmd = &cobra.Command{
	Use:   "merge <owner/repo> <pr-number>",
	Short: "Squash-merge an approved pull request",
	Long: `Merge a merge-ready pull request (squash, deleting the branch). The
daemon never merges on its own; this is the operator's lever. The next
poll sees the merged PR and completes the ticket.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, _, ok := splitRepo(args[0]); !ok {
			return fmt.Errorf("repository must be owner/repo, got %q", args[0])
		}
		pr, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid PR number %q", args[1])
		}

		gh := github.NewClient(&github.ExecRunner{})
		if err := gh.MergePR(args[0], pr); err != nil {
			return fmt.Errorf("merging %s#%d: %w", args[0], pr, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Merged %s#%d\n", args[0], pr)
		return nil
	},
}
