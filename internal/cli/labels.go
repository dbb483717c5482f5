package cli

import (
	"fmt"

	"github.com/conveyorhq/conveyor/internal/github"
	"github.com/conveyorhq/conveyor/internal/ticket"
	"github.com/spf13/cobra"
)

var labelsCmd = &cobra.Command{
	Use:   "labels <owner/repo>",
	Short: "Create the pipeline labels on a repository",
	Long: `Ensure the entry label and every stage label exist on the given
repository. Existing labels are left untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadValidConfig()
		if err != nil {
			return err
		}
		gh := github.NewClient(&github.ExecRunner{})

		labels := []string{cfg.GitHub.EntryLabel}
		for _, s := range ticket.Stages {
			labels = append(labels, string(s))
		}
		gh.EnsureLabels(args[0], labels)
		fmt.Fprintf(cmd.OutOrStdout(), "Ensured %d labels on %s\n", len(labels), args[0])
		return nil
	},
}
