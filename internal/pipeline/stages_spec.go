package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/conveyorhq/conveyor/internal/enrich"
	"github.com/conveyorhq/conveyor/internal/prompt"
	"github.com/conveyorhq/conveyor/internal/ticket"
	"github.com/conveyorhq/conveyor/internal/trace"
)

// handleSpec turns an initiative issue in the engineering repo into a
// product spec. Re-entry is cheap: a prior "Spec PR:" comment means the
// work already happened.
func (p *Pipeline) handleSpec(ctx context.Context, t *ticket.Ticket, rules *Rules) error {
	repo := t.FullRepo()
	for _, c := range p.tracker.GetComments(repo, t.Number) {
		if strings.Contains(c.Body, "Spec PR:") {
			p.log.Info("spec already exists", "issue", t.IssueRef())
			return nil
		}
	}

	if err := p.addStage(t, ticket.StageSpec); err != nil {
		return err
	}
	description := p.tracker.GetIssueBody(repo, t.Number)
	res, dur, err := p.run(ctx, agentSpec, prompt.Spec(t, description, rules.AgentContext), t.WorkDir)
	if err != nil {
		return err
	}
	p.record(t, p.stageRecord(ticket.StageSpec, agentSpec, res, dur, 0))

	if strings.Contains(res.Text, markerSpecNeedsInput) || res.IsError {
		return p.stuck(t, rules, "Spec agent needs more input or errored")
	}

	specText := readWorkFile(t.WorkDir, "SPEC.md")
	if specText == "" {
		specText = strings.TrimSpace(res.Text)
	}
	if specText == "" {
		return p.stuck(t, rules, "Spec agent produced no output")
	}

	if err := p.tracker.AddComment(repo, t.Number, "Spec PR: opened in engineering repo"); err != nil {
		p.log.Warn("spec comment failed", "issue", t.IssueRef(), "error", err)
	}
	p.trace.AddArtifact(trace.Artifact{
		Type:  trace.TypeSpec,
		ID:    "spec:" + t.IssueRef(),
		Title: t.Summary,
	})
	return p.swap(t, ticket.StageSpec, ticket.StageSpecReview)
}

// handleSpecReview polls the spec PR: merge advances, close without merge
// is fatal.
func (p *Pipeline) handleSpecReview(ctx context.Context, t *ticket.Ticket, rules *Rules) error {
	repo := t.FullRepo()
	if t.SpecPRNumber == 0 {
		comments := p.tracker.GetComments(repo, t.Number)
		for i := len(comments) - 1; i >= 0; i-- {
			if m := specPRRe.FindStringSubmatch(comments[i].Body); m != nil {
				t.SpecPRNumber, _ = strconv.Atoi(m[1])
				break
			}
		}
	}
	if t.SpecPRNumber == 0 {
		return nil
	}

	switch p.tracker.GetPRState(repo, t.SpecPRNumber) {
	case "MERGED":
		return p.swap(t, ticket.StageSpecReview, ticket.StageSpecApproved)
	case "CLOSED":
		return p.stuck(t, rules, "Spec PR was closed without merging")
	}
	return nil
}

// handleSpecApproved generates the backlog from the approved spec.
func (p *Pipeline) handleSpecApproved(ctx context.Context, t *ticket.Ticket, rules *Rules) error {
	repo := t.FullRepo()
	for _, c := range p.tracker.GetComments(repo, t.Number) {
		if strings.Contains(c.Body, "Backlog PR:") || strings.Contains(c.Body, "Stories Created") {
			p.log.Info("backlog already exists", "issue", t.IssueRef())
			return p.clearStage(t, ticket.StageSpecApproved)
		}
	}

	if err := p.swap(t, ticket.StageSpecApproved, ticket.StageBacklogGen); err != nil {
		return err
	}

	specText := p.tracker.GetFileContent(repo, fmt.Sprintf("specs/%d/SPEC.md", t.Number))
	if specText == "" {
		specText = readWorkFile(t.WorkDir, "SPEC.md")
	}
	if specText == "" {
		return p.stuck(t, rules, "Could not find approved spec content")
	}

	res, dur, err := p.run(ctx, agentPlanner, prompt.Backlog(t, specText, rules.AgentContext), t.WorkDir)
	if err != nil {
		return err
	}
	p.record(t, p.stageRecord(ticket.StageBacklogGen, agentPlanner, res, dur, 0))

	if !strings.Contains(res.Text, markerBacklogComplete) || res.IsError {
		return p.stuck(t, rules, "Backlog generation failed")
	}

	if stories, err := enrich.ParseStories(res.Text); err == nil {
		pretty, _ := json.MarshalIndent(stories, "", "  ")
		body := fmt.Sprintf("## Generated Backlog\n\n```json\n%s\n```", pretty)
		if err := p.tracker.AddComment(repo, t.Number, body); err != nil {
			p.log.Warn("backlog comment failed", "issue", t.IssueRef(), "error", err)
		}
	}
	return p.swap(t, ticket.StageBacklogGen, ticket.StageBacklogReview)
}

// handleBacklogReview waits for backlog approval, by PR merge or by an
// approval comment, then creates the story tickets.
func (p *Pipeline) handleBacklogReview(ctx context.Context, t *ticket.Ticket, rules *Rules) error {
	repo := t.FullRepo()
	comments := p.tracker.GetComments(repo, t.Number)

	if t.BacklogPRNumber == 0 {
		for i := len(comments) - 1; i >= 0; i-- {
			if m := backlogPRRe.FindStringSubmatch(comments[i].Body); m != nil {
				t.BacklogPRNumber, _ = strconv.Atoi(m[1])
				break
			}
		}
	}

	if t.BacklogPRNumber == 0 {
		for i := len(comments) - 1; i >= 0; i-- {
			lower := strings.ToLower(comments[i].Body)
			if strings.Contains(lower, "backlog approved") || strings.Contains(lower, "stories approved") {
				if err := p.createStories(ctx, t, rules); err != nil {
					return err
				}
				return p.clearStage(t, ticket.StageBacklogReview)
			}
			if strings.Contains(lower, "backlog rejected") {
				return p.stuck(t, rules, "Backlog rejected by reviewer")
			}
		}
		return nil
	}

	switch p.tracker.GetPRState(repo, t.BacklogPRNumber) {
	case "MERGED":
		if err := p.createStories(ctx, t, rules); err != nil {
			return err
		}
		return p.clearStage(t, ticket.StageBacklogReview)
	case "CLOSED":
		return p.stuck(t, rules, "Backlog PR was closed without merging")
	}
	return nil
}

// createStories turns the approved backlog JSON into story tickets, each
// enriched into an execution-grade issue and traced back to the spec.
func (p *Pipeline) createStories(ctx context.Context, t *ticket.Ticket, rules *Rules) error {
	repo := t.FullRepo()
	comments := p.tracker.GetComments(repo, t.Number)

	var stories []enrich.Story
	for i := len(comments) - 1; i >= 0; i-- {
		if !strings.Contains(comments[i].Body, "Generated Backlog") {
			continue
		}
		if parsed, err := enrich.ParseStories(comments[i].Body); err == nil {
			stories = parsed
			break
		}
	}
	if len(stories) == 0 {
		p.log.Warn("no backlog JSON found", "issue", t.IssueRef())
		return nil
	}

	var createdRefs []string
	for i := range stories {
		story := &stories[i]
		enriched := p.enrichStory(ctx, story)
		if enriched == nil {
			enriched = enrich.Fallback(story)
		}
		targetRepo := enriched.Repo
		if targetRepo == "" {
			targetRepo = t.Repo
		}
		fullTarget := t.Owner + "/" + targetRepo

		number, err := p.tracker.CreateIssue(fullTarget, enriched.Title, enriched.Markdown(), []string{p.cfg.GitHub.EntryLabel})
		if err != nil {
			p.log.Error("story creation failed", "title", enriched.Title, "repo", fullTarget, "error", err)
			continue
		}
		ref := fmt.Sprintf("%s#%d", fullTarget, number)
		createdRefs = append(createdRefs, ref)

		p.trace.AddArtifact(trace.Artifact{Type: trace.TypeStory, ID: ref, Title: enriched.Title})
		p.trace.Link(trace.TypeSpec, "spec:"+t.IssueRef(), trace.TypeStory, ref, "")

		if t.ProjectID != "" {
			url := fmt.Sprintf("https://github.com/%s/issues/%d", fullTarget, number)
			p.tracker.AddToProject(t.Owner, t.ProjectID, url)
		}
	}

	if len(createdRefs) > 0 {
		body := "## Stories Created\n\n" + strings.Join(createdRefs, ", ")
		if err := p.tracker.AddComment(repo, t.Number, body); err != nil {
			p.log.Warn("stories comment failed", "issue", t.IssueRef(), "error", err)
		}
	}
	return nil
}

// enrichStory refines one raw story. Failure falls back to the raw story.
func (p *Pipeline) enrichStory(ctx context.Context, story *enrich.Story) *enrich.EnrichedStory {
	res, _, err := p.run(ctx, agentPlanner, prompt.EnrichStory(story.JSON(), ""), "")
	if err != nil {
		p.log.Warn("story enrichment failed", "title", story.Title, "error", err)
		return nil
	}
	return enrich.ParseEnriched(res.Text)
}

func readWorkFile(workDir, name string) string {
	if workDir == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(workDir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
