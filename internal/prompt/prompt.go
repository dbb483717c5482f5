// Package prompt builds the per-stage agent prompts. Prompts embed the
// resolved rules context so agents see org and repo guidelines without
// extra tool calls.
package prompt

import (
	"fmt"
	"strings"

	"github.com/conveyorhq/conveyor/internal/github"
	"github.com/conveyorhq/conveyor/internal/metrics"
	"github.com/conveyorhq/conveyor/internal/ticket"
)

func rulesSection(rulesContext string) string {
	if rulesContext == "" {
		return ""
	}
	return fmt.Sprintf("\n### Project Context\n%s\n", rulesContext)
}

// Spec asks for a product specification from an initiative description.
func Spec(t *ticket.Ticket, description, rulesContext string) string {
	return fmt.Sprintf(`## Initiative: %s

### Description
%s

### Repository
%s
%s
Generate a comprehensive product specification for this initiative. Write the spec to SPEC.md.
`, t.IssueRef(), description, t.FullRepo(), rulesSection(rulesContext))
}

// Backlog asks for the approved spec to be broken into story JSON.
func Backlog(t *ticket.Ticket, specBody, rulesContext string) string {
	return fmt.Sprintf(`## Initiative: %s

### Approved Specification
%s
%s
Break this specification into small, atomic implementation stories (GitHub issues).

CRITICAL: Your output must be ONLY a JSON array. Do NOT write files. Do NOT produce markdown.
Do NOT produce a development plan. Output raw JSON to stdout and nothing else.

Each story object must have these keys:
- "title": Short issue title
- "repo": Target GitHub repository name
- "description": Issue body with acceptance criteria
- "estimate": "S", "M", or "L"
- "dependencies": Array of story titles this depends on (empty array if none)
- "notes": Technical implementation notes

End your response with [BACKLOG_COMPLETE] after the JSON array.
`, t.IssueRef(), specBody, rulesSection(rulesContext))
}

// Planner asks for a development plan for one issue.
func Planner(t *ticket.Ticket, description, rulesContext string) string {
	return fmt.Sprintf(`## Issue: %s

### Description
%s

### Repository
%s
%s
Analyze the codebase and produce a development plan for this issue.
`, t.IssueRef(), description, t.FullRepo(), rulesSection(rulesContext))
}

// QualityGate asks for a pass/fail evaluation of a plan.
func QualityGate(t *ticket.Ticket, plan, description string) string {
	return fmt.Sprintf(`## Issue: %s

### Issue Description
%s

### Development Plan to Evaluate
%s

Evaluate this plan and respond with JSON.
`, t.IssueRef(), description, plan)
}

// Implementer asks for the plan to be built on a named branch, TDD style.
func Implementer(t *ticket.Ticket, plan, branchName, rulesContext string) string {
	return fmt.Sprintf("## Issue: %s\n\n### Branch\nCreate branch: `%s` from the default branch.\n\n### Development Plan\n%s\n%s\nImplement this plan following TDD. Create the PR when done.\n",
		t.IssueRef(), branchName, plan, rulesSection(rulesContext))
}

// CIFixer hands the agent the failing check logs.
func CIFixer(t *ticket.Ticket, failureLogs string) string {
	return fmt.Sprintf(`## Issue: %s
## PR: #%d
## Repo: %s

### CI Failure Logs
%s

Fix the CI failures and push.
`, t.IssueRef(), t.PRNumber, t.FullRepo(), failureLogs)
}

// Reviewer asks for a PR review against the recorded plan.
func Reviewer(t *ticket.Ticket, plan, diff string) string {
	return fmt.Sprintf(`## Issue: %s
## PR: #%d
## Repo: %s

### Original Plan
%s

### PR Diff
%s

Review this PR against the plan.
`, t.IssueRef(), t.PRNumber, t.FullRepo(), plan, diff)
}

// ReviewResponder asks the agent to address outstanding review comments.
func ReviewResponder(t *ticket.Ticket, comments []github.ReviewComment) string {
	blocks := make([]string, 0, len(comments))
	for _, c := range comments {
		loc := c.Path
		if loc == "" {
			loc = "general"
		}
		line := ""
		if c.Line > 0 {
			line = fmt.Sprintf("%d", c.Line)
		}
		blocks = append(blocks, fmt.Sprintf("### Comment #%d by @%s\nFile: %s:%s\n%s", c.ID, c.Author, loc, line, c.Body))
	}
	return fmt.Sprintf(`## Issue: %s
## PR: #%d
## Repo: %s

### Review Comments to Address
%s

Address each comment. Reply inline using gh api.
`, t.IssueRef(), t.PRNumber, t.FullRepo(), strings.Join(blocks, "\n\n"))
}

// Retro asks for a retrospective over the ticket's recorded pipeline run.
func Retro(t *ticket.Ticket, plan string, sum *metrics.IssueSummary, comments []github.Comment, rulesContext string) string {
	var stageLines []string
	for _, s := range sum.Stages {
		line := fmt.Sprintf("- **%s** (agent: %s)", s.Stage, orDefault(s.Agent, "n/a"))
		if s.RetryNumber > 0 {
			line += fmt.Sprintf(" -- retry #%d", s.RetryNumber)
		}
		if s.WasStuck {
			line += fmt.Sprintf(" -- STUCK: %s", orDefault(s.StuckReason, "unknown"))
		}
		if s.IsError {
			line += " -- ERROR"
		}
		stageLines = append(stageLines, line)
	}
	stageDetail := "No stage data recorded."
	if len(stageLines) > 0 {
		stageDetail = strings.Join(stageLines, "\n")
	}

	commentLines := "No review comments."
	if len(comments) > 0 {
		var lines []string
		for _, c := range comments {
			body := c.Body
			if len(body) > 200 {
				body = body[:200]
			}
			lines = append(lines, fmt.Sprintf("- @%s: %s", orDefault(c.Author.Login, "unknown"), body))
		}
		commentLines = strings.Join(lines, "\n")
	}

	return fmt.Sprintf(`## Retrospective: %s

### Issue Summary
%s

### Development Plan
%s

### Pipeline Metrics
- Total stages: %d
- Total retries: %d
- Total cost: $%.2f
- Was stuck: %t
- Stuck reasons: %s

### Stage Detail
%s

### Review Comments Received
%s
%s
Analyze what went wrong and propose improvements to the engineering repo.
`, t.IssueRef(), t.Summary, orDefault(plan, "No plan recorded."),
		sum.TotalStages, sum.TotalRetries, sum.TotalCostUSD, sum.WasStuck,
		orDefault(strings.Join(sum.StuckReasons, ", "), "none"),
		stageDetail, commentLines, rulesSection(rulesContext))
}

// EnrichStory asks for a raw backlog story to be refined into an
// execution-grade issue, JSON only.
func EnrichStory(storyJSON, specContext string) string {
	ctx := ""
	if specContext != "" {
		ctx = fmt.Sprintf("\n### Spec Context\n%s\n", specContext)
	}
	return fmt.Sprintf(`You are enriching a GitHub issue to make it execution-grade.

### Original Story
%s
%s
For this story, produce a JSON object with these fields:
- "title": string (refined title)
- "repo": string (target repository name)
- "description": string (clear, actionable description)
- "acceptance_criteria": array of strings (testable criteria)
- "technical_notes": array of strings (implementation guidance)
- "test_expectations": array of strings (specific tests to write)
- "estimate": string (S/M/L with justification)
- "dependencies": array of strings (issue refs or descriptions)

Be specific and actionable. Each acceptance criterion must be independently testable.
Respond with ONLY the JSON object.
`, storyJSON, ctx)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
