package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/conveyorhq/conveyor/internal/pipeline"
	"github.com/conveyorhq/conveyor/internal/ticket"
	"github.com/spf13/cobra"
)

var runIssueRef string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a single poll cycle, or a single ticket, and exit",
	Long: `Without flags, search for labeled tickets once, dispatch each through
one pipeline step, wait for them to finish, and exit. With --issue, drive
just that ticket through one step. Useful from cron or for debugging a
single transition.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadValidConfig()
		if err != nil {
			return err
		}
		st, err := buildStack(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if runIssueRef != "" {
			return runSingle(ctx, st, runIssueRef)
		}
		if err := st.sched.RunOnce(ctx); err != nil {
			return err
		}
		st.sched.Wait()
		return nil
	},
}

// runSingle drives one named ticket through one pipeline step, bypassing
// the search and dedup machinery.
func runSingle(ctx context.Context, st *stack, ref string) error {
	repo, number, err := parseIssueRef(ref)
	if err != nil {
		return err
	}
	issue, err := st.gh.GetIssue(repo, number)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", ref, err)
	}

	owner, name, _ := splitRepo(repo)
	t := ticket.New(owner, name, number, issue.LabelNames())
	t.Summary = issue.Title

	resolved := st.resolver.Resolve(name)
	r := &pipeline.Rules{
		BranchPattern: resolved.BranchPattern,
		NotifyTeam:    resolved.NotifyTeam,
		AgentContext:  resolved.AgentContext,
	}
	if dir, err := st.ws.Ensure(t); err != nil {
		slog.Warn("workspace unavailable", "issue", ref, "error", err)
	} else {
		t.WorkDir = dir
	}

	if _, ok := t.StageLabel(); ok {
		return st.pipe.Handle(ctx, t, r)
	}
	if !t.HasLabel(st.cfg.GitHub.EntryLabel) {
		return fmt.Errorf("%s does not carry the entry label %q", ref, st.cfg.GitHub.EntryLabel)
	}
	return st.pipe.HandleNew(ctx, t, r)
}

func init() {
	runCmd.Flags().StringVar(&runIssueRef, "issue", "", "Single ticket to process (owner/repo#number)")
}
