package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/conveyorhq/conveyor/internal/github"
	"github.com/conveyorhq/conveyor/internal/rules"
	"github.com/spf13/cobra"
)

var rulesDecisions string

var rulesCmd = &cobra.Command{
	Use:   "rules <repo>",
	Short: "Show the resolved rules for a repository",
	Long: `Resolve and print the layered rules (built-in defaults, engineering
repo, target repo) that agents would see when working on the given
repository. With --decisions, also search the engineering repo's
decision log for the given comma-separated keywords.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadValidConfig()
		if err != nil {
			return err
		}
		gh := github.NewClient(&github.ExecRunner{})
		resolver := rules.NewResolver(gh, cfg)
		resolved := resolver.Resolve(args[0])

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Repository:      %s\n", args[0])
		fmt.Fprintf(out, "Branch pattern:  %s\n", resolved.BranchPattern)
		fmt.Fprintf(out, "Commit format:   %s\n", resolved.CommitFormat)
		fmt.Fprintf(out, "Entry label:     %s\n", resolved.EntryLabel)
		fmt.Fprintf(out, "Notify team:     %s\n", orNone(resolved.NotifyTeam))

		if len(resolved.RequiredReviewers) > 0 {
			fmt.Fprintln(out, "Reviewers:")
			keys := make([]string, 0, len(resolved.RequiredReviewers))
			for k := range resolved.RequiredReviewers {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(out, "  %-12s %s\n", k+":", orNone(strings.Join(resolved.RequiredReviewers[k], ", ")))
			}
		}
		if len(resolved.RepoCatalog) > 0 {
			fmt.Fprintf(out, "Repo catalog:    %d entries\n", len(resolved.RepoCatalog))
		}
		if resolved.AgentContext != "" {
			fmt.Fprintf(out, "\n--- Agent context ---\n%s\n", resolved.AgentContext)
		}
		if rulesDecisions != "" {
			keywords := strings.Split(rulesDecisions, ",")
			for i := range keywords {
				keywords[i] = strings.TrimSpace(keywords[i])
			}
			found := resolver.SearchDecisions(keywords)
			fmt.Fprintf(out, "\n--- Decisions matching %q ---\n%s\n", rulesDecisions, orNone(found))
		}
		return nil
	},
}

func init() {
	rulesCmd.Flags().StringVar(&rulesDecisions, "decisions", "", "Comma-separated keywords to search the decision log for")
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
