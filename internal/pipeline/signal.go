package pipeline

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// Agent output is an untrusted wire format: markers may be absent, JSON
// may be malformed or buried in prose. Every parser here fails toward the
// safest verdict.

const (
	markerNeedsMoreInfo   = "[NEEDS_MORE_INFO]"
	markerSpecNeedsInput  = "[SPEC_NEEDS_INPUT]"
	markerImplBlocked     = "[IMPLEMENTATION_BLOCKED]"
	markerCIFixBlocked    = "[CI_FIX_BLOCKED]"
	markerReviewEscalate  = "[REVIEW_ESCALATE]"
	markerPlanComplete    = "[PLAN_COMPLETE]"
	markerBacklogComplete = "[BACKLOG_COMPLETE]"
	markerSelfImprovement = "[SELF_IMPROVEMENT]"
)

var (
	jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)
	prURLRe      = regexp.MustCompile(`pull/(\d+)`)
	prHashRe     = regexp.MustCompile(`#(\d+)`)
	nonAlnumRe   = regexp.MustCompile(`[^a-zA-Z0-9]+`)
)

// parseVerdict extracts the "verdict" field of the largest embedded JSON
// object, returning def when nothing parseable is found.
func parseVerdict(text, def string) string {
	m := jsonObjectRe.FindString(text)
	if m == "" {
		return def
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(m), &data); err != nil {
		return def
	}
	if v, ok := data["verdict"].(string); ok && v != "" {
		return v
	}
	return def
}

// parseQualityVerdict returns pass, fail_retryable, or fail_escalate.
// Anything unreadable escalates; a plan must never pass by accident.
func parseQualityVerdict(text string) string {
	return parseVerdict(text, "fail_escalate")
}

// parseQualityFeedback returns the quality gate's feedback text, if any.
func parseQualityFeedback(text string) string {
	m := jsonObjectRe.FindString(text)
	if m == "" {
		return ""
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(m), &data); err != nil {
		return ""
	}
	if f, ok := data["feedback"].(string); ok {
		return f
	}
	return ""
}

// parseReviewVerdict returns clean or issues_found, defaulting to
// issues_found.
func parseReviewVerdict(text string) string {
	return parseVerdict(text, "issues_found")
}

// extractPRNumber finds the PR number in agent output, preferring the URL
// form (".../pull/42") over a bare "#42" which might reference an issue.
func extractPRNumber(text string) int {
	if m := prURLRe.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	if m := prHashRe.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	return 0
}

// extractPlan pulls the plan body out of planner output, starting at the
// first recognizable section marker and stopping before the completion
// token. Without a marker the whole text minus the token is the plan.
func extractPlan(text string) string {
	for _, marker := range []string{"**Summary**", "## Summary", "### Summary", "**Approach**"} {
		idx := strings.Index(text, marker)
		if idx == -1 {
			continue
		}
		plan := text[idx:]
		if end := strings.Index(plan, markerPlanComplete); end != -1 {
			plan = plan[:end]
		}
		return strings.TrimSpace(plan)
	}
	return strings.TrimSpace(strings.ReplaceAll(text, markerPlanComplete, ""))
}

// selfImprovement is a proposed follow-up ticket from the retro agent.
type selfImprovement struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// parseSelfImprovement reads the JSON object following the
// self-improvement marker, scanning subsequent lines if the first is not
// valid JSON.
func parseSelfImprovement(text string) *selfImprovement {
	idx := strings.Index(text, markerSelfImprovement)
	if idx == -1 {
		return nil
	}
	payload := text[idx+len(markerSelfImprovement):]
	for _, line := range strings.Split(strings.TrimSpace(payload), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var si selfImprovement
		if err := json.Unmarshal([]byte(line), &si); err == nil && si.Title != "" {
			return &si
		}
	}
	return nil
}

// slugifyBranch builds a branch name from the issue number and the plan's
// first line, applying the configured pattern.
func slugifyBranch(issueNumber int, plan, pattern string) string {
	summary := "implementation"
	if plan != "" {
		summary = strings.SplitN(plan, "\n", 2)[0]
		if len(summary) > 50 {
			summary = summary[:50]
		}
	}
	slug := strings.ToLower(strings.Trim(nonAlnumRe.ReplaceAllString(summary, "-"), "-"))
	out := strings.ReplaceAll(pattern, "{issue_number}", strconv.Itoa(issueNumber))
	return strings.ReplaceAll(out, "{description}", slug)
}
