package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/conveyorhq/conveyor/internal/github"
	"github.com/conveyorhq/conveyor/internal/prompt"
	"github.com/conveyorhq/conveyor/internal/ticket"
	"github.com/conveyorhq/conveyor/internal/trace"
)

// handlePlanning picks up a fresh dev ticket and runs the planner.
func (p *Pipeline) handlePlanning(ctx context.Context, t *ticket.Ticket, rules *Rules) error {
	repo := t.FullRepo()
	if err := p.addStage(t, ticket.StagePlanning); err != nil {
		return err
	}

	description := p.tracker.GetIssueBody(repo, t.Number)
	res, dur, err := p.run(ctx, agentPlanner, prompt.Planner(t, description, rules.AgentContext), t.WorkDir)
	if err != nil {
		return err
	}
	p.log.Info("planner done", "issue", t.IssueRef(), "turns", res.TurnsUsed, "cost", res.CostUSD)
	p.record(t, p.stageRecord(ticket.StagePlanning, agentPlanner, res, dur, 0))

	if strings.Contains(res.Text, markerNeedsMoreInfo) || res.IsError {
		return p.stuck(t, rules, "Planner needs more info or errored")
	}

	planText := readWorkFile(t.WorkDir, "PLAN.md")
	if planText == "" {
		planText = extractPlan(res.Text)
	}
	if planText == "" {
		return p.stuck(t, rules, "Planner produced no plan output")
	}

	body := planCommentMarker + "\n\nPlan committed to feature branch as PLAN.md"
	if err := p.tracker.AddComment(repo, t.Number, body); err != nil {
		p.log.Warn("plan comment failed", "issue", t.IssueRef(), "error", err)
	}
	t.Plan = planText
	return p.swap(t, ticket.StagePlanning, ticket.StagePlanReview)
}

// handlePlanReview runs the quality gate over the plan. A retryable fail
// loops back to planning with the gate's feedback injected, bounded by
// the plan retry ceiling.
func (p *Pipeline) handlePlanReview(ctx context.Context, t *ticket.Ticket, rules *Rules) error {
	repo := t.FullRepo()
	description := p.tracker.GetIssueBody(repo, t.Number)
	plan := t.Plan
	if plan == "" {
		plan = p.getPlan(t)
	}

	res, dur, err := p.run(ctx, agentQualityGate, prompt.QualityGate(t, plan, description), t.WorkDir)
	if err != nil {
		return err
	}
	verdict := parseQualityVerdict(res.Text)
	p.log.Info("quality gate done", "issue", t.IssueRef(), "verdict", verdict)
	p.record(t, p.stageRecord(ticket.StagePlanReview, agentQualityGate, res, dur, p.retries.Count(t.IssueRef(), "plan")))

	switch verdict {
	case "pass":
		return p.swap(t, ticket.StagePlanReview, ticket.StagePlan)
	case "fail_retryable":
		if !p.retries.Allow(t.IssueRef(), "plan", p.cfg.Retries.MaxPlan) {
			return p.stuck(t, rules, "Plan retry limit exceeded")
		}
		if err := p.swap(t, ticket.StagePlanReview, ticket.StagePlanning); err != nil {
			return err
		}
		feedback := parseQualityFeedback(res.Text)
		withFeedback := description + "\n\n## Previous Plan Feedback\n" + feedback
		retryRes, retryDur, err := p.run(ctx, agentPlanner, prompt.Planner(t, withFeedback, rules.AgentContext), t.WorkDir)
		if err != nil {
			return err
		}
		p.record(t, p.stageRecord(ticket.StagePlanning, agentPlanner, retryRes, retryDur, p.retries.Count(t.IssueRef(), "plan")))
		if strings.Contains(retryRes.Text, markerNeedsMoreInfo) || retryRes.IsError {
			return p.stuck(t, rules, "Planner failed on retry")
		}
		revised := readWorkFile(t.WorkDir, "PLAN.md")
		if revised == "" {
			revised = extractPlan(retryRes.Text)
		}
		body := planCommentMarker + " (revised)\n\nRevised plan committed to branch as PLAN.md"
		if err := p.tracker.AddComment(repo, t.Number, body); err != nil {
			p.log.Warn("revised plan comment failed", "issue", t.IssueRef(), "error", err)
		}
		t.Plan = revised
		return p.swap(t, ticket.StagePlanning, ticket.StagePlanReview)
	default:
		return p.stuck(t, rules, "Quality gate escalated")
	}
}

// handlePlan runs the implementer. Success is a discoverable PR number in
// the agent's output; anything else is fatal for the ticket.
func (p *Pipeline) handlePlan(ctx context.Context, t *ticket.Ticket, rules *Rules) error {
	repo := t.FullRepo()
	if err := p.swap(t, ticket.StagePlan, ticket.StageImplementing); err != nil {
		return err
	}

	plan := t.Plan
	if plan == "" {
		plan = p.getPlan(t)
	}
	branch := slugifyBranch(t.Number, plan, rules.BranchPattern)
	res, dur, err := p.run(ctx, agentImplementer, prompt.Implementer(t, plan, branch, rules.AgentContext), t.WorkDir)
	if err != nil {
		return err
	}
	p.log.Info("implementer done", "issue", t.IssueRef(), "turns", res.TurnsUsed, "cost", res.CostUSD)
	p.record(t, p.stageRecord(ticket.StageImplementing, agentImplementer, res, dur, 0))

	if strings.Contains(res.Text, markerImplBlocked) || res.IsError {
		if !p.retries.Allow(t.IssueRef(), "implement", p.cfg.Retries.MaxImplement) {
			return p.stuck(t, rules, "Implementation retry limit exceeded")
		}
		return p.stuck(t, rules, "Implementation blocked")
	}

	prNumber := extractPRNumber(res.Text)
	if prNumber == 0 {
		return p.stuck(t, rules, "Implementer finished but no PR number found in output")
	}

	t.PRNumber = prNumber
	prID := fmt.Sprintf("PR#%d", prNumber)
	p.trace.AddArtifact(trace.Artifact{
		Type: trace.TypePR, ID: prID,
		Title:    t.IssueRef() + " PR",
		Metadata: map[string]string{"repo": repo},
	})
	p.trace.Link(trace.TypeStory, t.IssueRef(), trace.TypePR, prID, "")

	if err := p.tracker.AddComment(repo, t.Number, fmt.Sprintf("PR created: #%d", prNumber)); err != nil {
		p.log.Warn("pr comment failed", "issue", t.IssueRef(), "error", err)
	}
	return p.swap(t, ticket.StageImplementing, ticket.StagePR)
}

// handlePR polls CI. Green advances to self-review; red runs the CI fixer
// in a bounded loop.
func (p *Pipeline) handlePR(ctx context.Context, t *ticket.Ticket, rules *Rules) error {
	repo := t.FullRepo()

	if t.PRNumber == 0 {
		prNumber := p.tracker.FindPR(repo, t.Number)
		if prNumber == 0 {
			return p.stuck(t, rules, "PR label present but no PR found")
		}
		if p.tracker.GetPRState(repo, prNumber) == "MERGED" {
			p.log.Info("pr already merged", "issue", t.IssueRef(), "pr", prNumber)
			return p.clearStage(t, ticket.StagePR)
		}
		t.PRNumber = prNumber
		p.log.Info("pr discovered", "issue", t.IssueRef(), "pr", prNumber)
	}

	switch p.tracker.GetCIStatus(repo, t.PRNumber) {
	case github.CIPassed:
		return p.swap(t, ticket.StagePR, ticket.StageSelfReview)
	case github.CIFailed:
		if !p.retries.Allow(t.IssueRef(), "ci_fix", p.cfg.Retries.MaxCIFix) {
			return p.stuck(t, rules, "CI fix retry limit exceeded")
		}
		if err := p.swap(t, ticket.StagePR, ticket.StageCIFix); err != nil {
			return err
		}
		logs := p.tracker.GetCIFailureLogs(repo, t.PRNumber)
		res, dur, err := p.run(ctx, agentCIFixer, prompt.CIFixer(t, logs), t.WorkDir)
		if err != nil {
			return err
		}
		p.log.Info("ci fixer done", "issue", t.IssueRef(), "turns", res.TurnsUsed)
		p.record(t, p.stageRecord(ticket.StageCIFix, agentCIFixer, res, dur, p.retries.Count(t.IssueRef(), "ci_fix")))

		if strings.Contains(res.Text, markerCIFixBlocked) || res.IsError {
			return p.stuck(t, rules, "CI fix blocked")
		}
		return p.swap(t, ticket.StageCIFix, ticket.StagePR)
	}
	// Pending: check again next cycle.
	return nil
}

// handleSelfReview reviews the PR against the plan before humans see it.
// A clean verdict requests human review; anything else loops through one
// fix pass and back to CI.
func (p *Pipeline) handleSelfReview(ctx context.Context, t *ticket.Ticket, rules *Rules) error {
	repo := t.FullRepo()
	plan := t.Plan
	if plan == "" {
		plan = p.getPlan(t)
	}
	diff := p.tracker.GetPRDiff(repo, t.PRNumber)

	res, dur, err := p.run(ctx, agentReviewer, prompt.Reviewer(t, plan, diff), t.WorkDir)
	if err != nil {
		return err
	}
	verdict := parseReviewVerdict(res.Text)
	p.log.Info("self review done", "issue", t.IssueRef(), "verdict", verdict)
	p.record(t, p.stageRecord(ticket.StageSelfReview, agentReviewer, res, dur, 0))

	if verdict == "clean" {
		if err := p.swap(t, ticket.StageSelfReview, ticket.StageReview); err != nil {
			return err
		}
		if rules.NotifyTeam != "" {
			if err := p.tracker.RequestReview(repo, t.PRNumber, rules.NotifyTeam); err != nil {
				p.log.Warn("review request failed", "issue", t.IssueRef(), "error", err)
			}
		}
		return nil
	}

	if err := p.swap(t, ticket.StageSelfReview, ticket.StageImplementing); err != nil {
		return err
	}
	fixPrompt := fmt.Sprintf("The self-review found issues:\n\n%s\n\nFix these issues and push.", res.Text)
	if _, _, err := p.run(ctx, agentImplementer, fixPrompt, t.WorkDir); err != nil {
		return err
	}
	return p.swap(t, ticket.StageImplementing, ticket.StagePR)
}

// handleReview waits for human review. Approval plus green CI advances to
// merge-ready; requested changes run the review responder, bounded.
func (p *Pipeline) handleReview(ctx context.Context, t *ticket.Ticket, rules *Rules) error {
	repo := t.FullRepo()

	if t.PRNumber == 0 {
		prNumber := p.tracker.FindPR(repo, t.Number)
		if prNumber == 0 {
			return nil
		}
		if p.tracker.GetPRState(repo, prNumber) == "MERGED" {
			return p.clearStage(t, ticket.StageReview)
		}
		t.PRNumber = prNumber
	}

	switch p.tracker.GetReviewStatus(repo, t.PRNumber, p.cfg.GitHub.Username) {
	case github.ReviewApproved:
		if p.tracker.GetCIStatus(repo, t.PRNumber) == github.CIPassed {
			return p.swap(t, ticket.StageReview, ticket.StageMergeReady)
		}
	case github.ReviewChangesRequested, github.ReviewCommented:
		if !p.retries.Allow(t.IssueRef(), "review", p.cfg.Retries.MaxReview) {
			return p.stuck(t, rules, "Review address retry limit exceeded")
		}
		if err := p.swap(t, ticket.StageReview, ticket.StageAddressingReview); err != nil {
			return err
		}

		comments := p.tracker.GetUnaddressedComments(repo, t.PRNumber, p.cfg.GitHub.Username)
		if len(comments) == 0 {
			return p.swap(t, ticket.StageAddressingReview, ticket.StageReview)
		}

		res, dur, err := p.run(ctx, agentReviewResponder, prompt.ReviewResponder(t, comments), t.WorkDir)
		if err != nil {
			return err
		}
		p.log.Info("review responder done", "issue", t.IssueRef(), "turns", res.TurnsUsed)
		p.record(t, p.stageRecord(ticket.StageAddressingReview, agentReviewResponder, res, dur, p.retries.Count(t.IssueRef(), "review")))

		if strings.Contains(res.Text, markerReviewEscalate) {
			return p.stuck(t, rules, "Review comment requires human decision")
		}
		return p.swap(t, ticket.StageAddressingReview, ticket.StagePR)
	}
	return nil
}

// handleMergeReady waits for the merge. A clean run clears all labels; a
// bumpy one goes through a retrospective first.
func (p *Pipeline) handleMergeReady(ctx context.Context, t *ticket.Ticket, rules *Rules) error {
	repo := t.FullRepo()

	prState := "UNKNOWN"
	if t.PRNumber != 0 {
		prState = p.tracker.GetPRState(repo, t.PRNumber)
	}

	if prState != "MERGED" {
		comments := p.tracker.GetComments(repo, t.Number)
		notified := false
		for _, c := range comments {
			if strings.Contains(strings.ToLower(c.Body), "merge-ready") {
				notified = true
				break
			}
		}
		if !notified && rules.NotifyTeam != "" {
			msg := fmt.Sprintf("PR #%d is merge-ready (approved + CI green). Ready for merge.", t.PRNumber)
			if err := p.tracker.MentionOnIssue(repo, t.Number, rules.NotifyTeam, msg); err != nil {
				p.log.Warn("merge-ready mention failed", "issue", t.IssueRef(), "error", err)
			}
		}
		p.log.Info("merge ready, waiting on human", "issue", t.IssueRef())
		return nil
	}

	if sum := p.issueSummary(t); sum.NeedsRetro() {
		p.log.Info("ticket needs retro", "issue", t.IssueRef(), "retries", sum.TotalRetries, "stuck", sum.WasStuck)
		return p.swap(t, ticket.StageMergeReady, ticket.StageRetro)
	}

	if err := p.clearStage(t, ticket.StageMergeReady); err != nil {
		return err
	}
	if err := p.tracker.RemoveLabel(repo, t.Number, p.cfg.GitHub.EntryLabel); err != nil {
		return err
	}
	p.retries.Forget(t.IssueRef())
	p.cleanupWorkspace(t)
	p.log.Info("ticket complete", "issue", t.IssueRef())
	return nil
}

// handleRetro runs the retrospective in the engineering repo clone and
// optionally files a self-improvement ticket.
func (p *Pipeline) handleRetro(ctx context.Context, t *ticket.Ticket, rules *Rules) error {
	repo := t.FullRepo()
	sum := p.issueSummary(t)

	plan := t.Plan
	if plan == "" {
		plan = p.getPlan(t)
	}
	comments := p.tracker.GetComments(repo, t.Number)

	workDir := t.WorkDir
	if p.eng != nil {
		dir, err := p.eng.EnsureEngineering(p.cfg.EngineeringRepoFull())
		if err != nil {
			p.log.Warn("engineering workspace unavailable", "error", err)
		} else {
			workDir = dir
		}
	}

	res, dur, err := p.run(ctx, agentRetro, prompt.Retro(t, plan, sum, comments, rules.AgentContext), workDir)
	if err != nil {
		return err
	}
	p.record(t, p.stageRecord(ticket.StageRetro, agentRetro, res, dur, 0))

	if si := parseSelfImprovement(res.Text); si != nil {
		if _, err := p.tracker.CreateIssue(t.Owner+"/"+selfImprovementRepo, si.Title, si.Body, nil); err != nil {
			p.log.Warn("self-improvement issue failed", "error", err)
		}
	}

	if err := p.clearStage(t, ticket.StageRetro); err != nil {
		return err
	}
	if err := p.tracker.RemoveLabel(repo, t.Number, p.cfg.GitHub.EntryLabel); err != nil {
		return err
	}
	snippet := res.Text
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	if err := p.tracker.AddComment(repo, t.Number, "Retro complete. "+snippet); err != nil {
		p.log.Warn("retro comment failed", "issue", t.IssueRef(), "error", err)
	}
	p.retries.Forget(t.IssueRef())
	p.cleanupWorkspace(t)
	p.log.Info("retro complete", "issue", t.IssueRef())
	return nil
}
