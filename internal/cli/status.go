package cli

import (
	"fmt"

	"github.com/conveyorhq/conveyor/internal/github"
	"github.com/conveyorhq/conveyor/internal/ticket"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List tickets currently in the pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadValidConfig()
		if err != nil {
			return err
		}
		gh := github.NewClient(&github.ExecRunner{})

		issues, err := gh.SearchIssues(cfg.GitHub.Org, cfg.GitHub.EntryLabel)
		if err != nil {
			return err
		}
		if len(issues) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No tickets in the pipeline.")
			return nil
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%-32s %-22s %s\n", "TICKET", "STAGE", "TITLE")
		for _, issue := range issues {
			t := ticket.New(cfg.GitHub.Org, issue.Repository.Name, issue.Number, issue.LabelNames())
			stage := "(new)"
			if s, ok := t.StageLabel(); ok {
				stage = string(s)
			}
			fmt.Fprintf(out, "%-32s %-22s %s\n", t.IssueRef(), stage, issue.Title)
		}
		return nil
	},
}
