package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/conveyorhq/conveyor/internal/github"
	"github.com/conveyorhq/conveyor/internal/metrics"
	"github.com/spf13/cobra"
)

var summaryDurations bool

var summaryCmd = &cobra.Command{
	Use:   "summary [owner/repo#number]",
	Short: "Show a ticket's pipeline history, or stage duration stats",
	Long: `With a ticket reference, rebuild the ticket's pipeline history from
its label timeline and stage comments. With --durations, print per-stage
duration statistics from the local metrics store instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadValidConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if summaryDurations {
			store, err := metrics.OpenStore(cfg.Paths.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()
			durations, err := store.StageDurations()
			if err != nil {
				return err
			}
			if len(durations) == 0 {
				fmt.Fprintln(out, "No stage runs recorded yet.")
				return nil
			}
			fmt.Fprintf(out, "%-22s %6s %10s %10s %10s\n", "STAGE", "RUNS", "AVG(s)", "P50(s)", "P95(s)")
			for _, d := range durations {
				fmt.Fprintf(out, "%-22s %6d %10.1f %10.1f %10.1f\n", d.Stage, d.Count, d.Avg, d.P50, d.P95)
			}
			return nil
		}

		if len(args) == 0 {
			return fmt.Errorf("ticket reference required (or use --durations)")
		}
		repo, number, err := parseIssueRef(args[0])
		if err != nil {
			return err
		}

		gh := github.NewClient(&github.ExecRunner{})
		timeline := gh.GetIssueTimeline(repo, number)
		comments := gh.GetComments(repo, number)
		bodies := make([]string, 0, len(comments))
		for _, c := range comments {
			bodies = append(bodies, c.Body)
		}
		sum := metrics.BuildIssueSummary(args[0], timeline, bodies)

		fmt.Fprintf(out, "Ticket:        %s\n", sum.IssueRef)
		fmt.Fprintf(out, "Stages run:    %d\n", sum.TotalStages)
		fmt.Fprintf(out, "Retries:       %d\n", sum.TotalRetries)
		fmt.Fprintf(out, "Cost:          $%.2f\n", sum.TotalCostUSD)
		fmt.Fprintf(out, "Was stuck:     %t\n", sum.WasStuck)
		if len(sum.StuckReasons) > 0 {
			fmt.Fprintf(out, "Stuck reasons: %s\n", strings.Join(sum.StuckReasons, "; "))
		}
		fmt.Fprintf(out, "Needs retro:   %t\n", sum.NeedsRetro())
		for _, s := range sum.Stages {
			line := fmt.Sprintf("  %-22s %-26s %6.1fs  $%.2f", s.Stage, s.Agent, s.DurationS, s.CostUSD)
			if s.RetryNumber > 0 {
				line += fmt.Sprintf("  retry #%d", s.RetryNumber)
			}
			if s.WasStuck {
				line += "  STUCK: " + s.StuckReason
			}
			fmt.Fprintln(out, line)
		}
		return nil
	},
}

func parseIssueRef(ref string) (string, int, error) {
	repo, num, ok := strings.Cut(ref, "#")
	if !ok || !strings.Contains(repo, "/") {
		return "", 0, fmt.Errorf("ticket reference must look like owner/repo#123, got %q", ref)
	}
	number, err := strconv.Atoi(num)
	if err != nil {
		return "", 0, fmt.Errorf("ticket reference must look like owner/repo#123, got %q", ref)
	}
	return repo, number, nil
}

func init() {
	summaryCmd.Flags().BoolVar(&summaryDurations, "durations", false, "Show per-stage duration statistics instead")
}
