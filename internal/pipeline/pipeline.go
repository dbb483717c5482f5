// Package pipeline drives tickets through the label state machine. The
// tracker's labels are the durable state; every transition is an atomic
// label swap so a ticket never carries two stage labels.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/conveyorhq/conveyor/internal/agent"
	"github.com/conveyorhq/conveyor/internal/config"
	"github.com/conveyorhq/conveyor/internal/github"
	"github.com/conveyorhq/conveyor/internal/metrics"
	"github.com/conveyorhq/conveyor/internal/ticket"
	"github.com/conveyorhq/conveyor/internal/trace"
)

// Agent definition names, expected under ~/.claude/agents/.
const (
	agentSpec            = "conveyor-spec-agent"
	agentPlanner         = "conveyor-planner"
	agentQualityGate     = "conveyor-quality-gate"
	agentImplementer     = "conveyor-implementer"
	agentCIFixer         = "conveyor-ci-fixer"
	agentReviewer        = "conveyor-reviewer"
	agentReviewResponder = "conveyor-review-responder"
	agentRetro           = "conveyor-retro"
)

// selfImprovementRepo receives tickets the retro agent files against the
// pipeline itself.
const selfImprovementRepo = "conveyor"

// Tracker is the slice of GitHub operations the pipeline needs. The
// github Client satisfies it; tests use a fake.
type Tracker interface {
	GetIssueBody(repo string, number int) string
	CreateIssue(repo, title, body string, labels []string) (int, error)
	AddLabel(repo string, number int, label string) error
	RemoveLabel(repo string, number int, label string) error
	SwapLabel(repo string, number int, remove, add string) error
	GetComments(repo string, number int) []github.Comment
	AddComment(repo string, number int, body string) error
	MentionOnIssue(repo string, number int, who, msg string) error
	GetIssueTimeline(repo string, number int) []github.TimelineEvent
	GetFileContent(repo, path string) string
	AddToProject(org, projectID, issueURL string)
	FindPR(repo string, issueNumber int) int
	GetPRState(repo string, pr int) string
	GetCIStatus(repo string, pr int) github.CIStatus
	GetCIFailureLogs(repo string, pr int) string
	GetPRDiff(repo string, pr int) string
	GetReviewStatus(repo string, pr int, botUser string) github.ReviewStatus
	GetUnaddressedComments(repo string, pr int, botUser string) []github.ReviewComment
	RequestReview(repo string, pr int, reviewer string) error
}

// EngWorkspace provides the engineering-repo clone the retro agent runs
// in and cleans up ticket clones on completion. The workspace Manager
// satisfies it.
type EngWorkspace interface {
	EnsureEngineering(fullRepo string) (string, error)
	Remove(t *ticket.Ticket) error
}

// Rules is the subset of resolved rules the handlers consume.
type Rules struct {
	BranchPattern string
	NotifyTeam    string
	AgentContext  string
}

// Pipeline runs stage handlers for tickets.
type Pipeline struct {
	cfg     *config.Config
	tracker Tracker
	runner  agent.Runner
	retries *RetryLedger
	trace   *trace.Graph
	store   *metrics.Store // optional
	prom    *metrics.Prom  // optional
	eng     EngWorkspace   // optional
	log     *slog.Logger
}

// Options carries the optional collaborators.
type Options struct {
	Store        *metrics.Store
	Prom         *metrics.Prom
	EngWorkspace EngWorkspace
	Trace        *trace.Graph // resume a persisted artifact graph
	Logger       *slog.Logger
}

// New creates a Pipeline.
func New(cfg *config.Config, tracker Tracker, runner agent.Runner, opts Options) *Pipeline {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	graph := opts.Trace
	if graph == nil {
		graph = trace.NewGraph()
	}
	return &Pipeline{
		cfg:     cfg,
		tracker: tracker,
		runner:  runner,
		retries: NewRetryLedger(),
		trace:   graph,
		store:   opts.Store,
		prom:    opts.Prom,
		eng:     opts.EngWorkspace,
		log:     log,
	}
}

// Trace exposes the run's artifact graph.
func (p *Pipeline) Trace() *trace.Graph {
	return p.trace
}

// HandleNew routes a ticket that carries the entry label but no stage
// label yet. Engineering-repo issues enter the spec path; everything else
// enters the dev planning path.
func (p *Pipeline) HandleNew(ctx context.Context, t *ticket.Ticket, rules *Rules) error {
	if t.Repo == p.cfg.GitHub.EngineeringRepo {
		return p.handleSpec(ctx, t, rules)
	}
	return p.handlePlanning(ctx, t, rules)
}

// Handle dispatches a ticket by its current stage label. Unactionable
// stages are a no-op.
func (p *Pipeline) Handle(ctx context.Context, t *ticket.Ticket, rules *Rules) error {
	stage, ok := t.StageLabel()
	if !ok {
		return nil
	}
	switch stage {
	case ticket.StageSpecReview:
		return p.handleSpecReview(ctx, t, rules)
	case ticket.StageSpecApproved:
		return p.handleSpecApproved(ctx, t, rules)
	case ticket.StageBacklogReview:
		return p.handleBacklogReview(ctx, t, rules)
	case ticket.StagePlanReview:
		return p.handlePlanReview(ctx, t, rules)
	case ticket.StagePlan:
		return p.handlePlan(ctx, t, rules)
	case ticket.StagePR:
		return p.handlePR(ctx, t, rules)
	case ticket.StageSelfReview:
		return p.handleSelfReview(ctx, t, rules)
	case ticket.StageReview:
		return p.handleReview(ctx, t, rules)
	case ticket.StageMergeReady:
		return p.handleMergeReady(ctx, t, rules)
	case ticket.StageRetro:
		return p.handleRetro(ctx, t, rules)
	default:
		// In-progress and stuck stages are not actionable.
		return nil
	}
}

// run invokes a named agent and times it.
func (p *Pipeline) run(ctx context.Context, agentName, promptText, workDir string) (agent.Result, float64, error) {
	start := time.Now()
	res, err := p.runner.Run(ctx, agent.Invocation{
		Prompt:  fmt.Sprintf("/agent:%s\n\n%s", agentName, promptText),
		WorkDir: workDir,
		Model:   p.cfg.Agent.Model,
	})
	return res, time.Since(start).Seconds(), err
}

// record persists a stage outcome: a structured comment on the issue (the
// durable record), the local store, and Prometheus.
func (p *Pipeline) record(t *ticket.Ticket, rec metrics.StageRecord) {
	marker := rec.CommentMarker()
	if marker != "" {
		body := fmt.Sprintf("Stage `%s` recorded.\n\n%s", rec.Stage, marker)
		if err := p.tracker.AddComment(t.FullRepo(), t.Number, body); err != nil {
			p.log.Warn("stage record comment failed", "issue", t.IssueRef(), "error", err)
		}
	}
	if p.store != nil {
		if err := p.store.RecordStage(t.IssueRef(), rec); err != nil {
			p.log.Warn("stage record store failed", "issue", t.IssueRef(), "error", err)
		}
	}
	if p.prom != nil {
		outcome := "ok"
		if rec.IsError {
			outcome = "error"
		}
		if rec.WasStuck {
			outcome = "stuck"
		}
		p.prom.StagesRun.WithLabelValues(rec.Stage, outcome).Inc()
		p.prom.AgentCostUSD.Add(rec.CostUSD)
		if rec.DurationS > 0 {
			p.prom.StageDuration.WithLabelValues(rec.Stage).Observe(rec.DurationS)
		}
	}
}

func (p *Pipeline) stageRecord(stage ticket.Stage, agentName string, res agent.Result, duration float64, retry int) metrics.StageRecord {
	return metrics.StageRecord{
		Stage:       string(stage),
		Agent:       agentName,
		RetryNumber: retry,
		CostUSD:     res.CostUSD,
		DurationS:   duration,
		TurnsUsed:   res.TurnsUsed,
		SessionID:   res.SessionID,
		IsError:     res.IsError,
	}
}

// swap performs the atomic label transition, keeping the in-memory label
// set in step so a later stuck() sees the ticket's real stage.
func (p *Pipeline) swap(t *ticket.Ticket, from, to ticket.Stage) error {
	if err := p.tracker.SwapLabel(t.FullRepo(), t.Number, string(from), string(to)); err != nil {
		return err
	}
	delete(t.Labels, string(from))
	t.Labels[string(to)] = true
	if p.prom != nil {
		p.prom.Transitions.WithLabelValues(string(to)).Inc()
	}
	return nil
}

// addStage adds a stage label to an unlabeled ticket.
func (p *Pipeline) addStage(t *ticket.Ticket, stage ticket.Stage) error {
	if err := p.tracker.AddLabel(t.FullRepo(), t.Number, string(stage)); err != nil {
		return err
	}
	t.Labels[string(stage)] = true
	if p.prom != nil {
		p.prom.Transitions.WithLabelValues(string(stage)).Inc()
	}
	return nil
}

// clearStage removes a stage label.
func (p *Pipeline) clearStage(t *ticket.Ticket, stage ticket.Stage) error {
	if err := p.tracker.RemoveLabel(t.FullRepo(), t.Number, string(stage)); err != nil {
		return err
	}
	delete(t.Labels, string(stage))
	return nil
}

// stuck moves the ticket to the terminal stuck label, posts the reason,
// and optionally pings the team. A human takes it from here.
func (p *Pipeline) stuck(t *ticket.Ticket, rules *Rules, reason string) error {
	p.log.Warn("ticket stuck", "issue", t.IssueRef(), "reason", reason)
	p.record(t, metrics.StageRecord{Stage: "stuck", WasStuck: true, StuckReason: reason})
	if p.prom != nil {
		p.prom.TicketsStuck.Inc()
	}

	repo := t.FullRepo()
	if current, ok := t.StageLabel(); ok {
		if err := p.swap(t, current, ticket.StageStuck); err != nil {
			return err
		}
	} else if err := p.tracker.AddLabel(repo, t.Number, string(ticket.StageStuck)); err != nil {
		return err
	}
	if err := p.tracker.AddComment(repo, t.Number, "Conveyor agent stopped: "+reason); err != nil {
		p.log.Warn("stuck comment failed", "issue", t.IssueRef(), "error", err)
	}
	if rules.NotifyTeam != "" {
		if err := p.tracker.MentionOnIssue(repo, t.Number, rules.NotifyTeam, "Issue stuck: "+reason); err != nil {
			p.log.Warn("stuck mention failed", "issue", t.IssueRef(), "error", err)
		}
	}
	return nil
}

// cleanupWorkspace drops the ticket's clone once it leaves the pipeline.
func (p *Pipeline) cleanupWorkspace(t *ticket.Ticket) {
	if p.eng == nil {
		return
	}
	if err := p.eng.Remove(t); err != nil {
		p.log.Warn("workspace cleanup failed", "issue", t.IssueRef(), "error", err)
	}
}

var planCommentMarker = "## Development Plan"

// getPlan recovers the plan for a ticket: the working tree's PLAN.md if
// present, otherwise the latest plan comment on the issue.
func (p *Pipeline) getPlan(t *ticket.Ticket) string {
	if t.WorkDir != "" {
		if data, err := os.ReadFile(filepath.Join(t.WorkDir, "PLAN.md")); err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	comments := p.tracker.GetComments(t.FullRepo(), t.Number)
	for i := len(comments) - 1; i >= 0; i-- {
		if idx := strings.Index(comments[i].Body, planCommentMarker); idx != -1 {
			return strings.TrimSpace(comments[i].Body[idx+len(planCommentMarker):])
		}
	}
	return ""
}

var specPRRe = regexp.MustCompile(`Spec PR: #(\d+)`)
var backlogPRRe = regexp.MustCompile(`Backlog PR: #(\d+)`)

// issueSummary rebuilds the ticket's pipeline history from the tracker.
func (p *Pipeline) issueSummary(t *ticket.Ticket) *metrics.IssueSummary {
	repo := t.FullRepo()
	timeline := p.tracker.GetIssueTimeline(repo, t.Number)
	comments := p.tracker.GetComments(repo, t.Number)
	bodies := make([]string, 0, len(comments))
	for _, c := range comments {
		bodies = append(bodies, c.Body)
	}
	return metrics.BuildIssueSummary(t.IssueRef(), timeline, bodies)
}
