package github

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const failureLogCap = 5000

// FindPR locates the open PR for an issue. PR branches carry the issue
// number in their head ref; if none matches, the first open PR is assumed
// to be it. Returns 0 when the repo has no open PRs.
func (c *Client) FindPR(repo string, issueNumber int) int {
	out := c.run("pr", "list", "-R", repo, "--state", "open",
		"--json", "number,headRefName", "--limit", "50")
	if out == "" {
		return 0
	}
	var prs []struct {
		Number      int    `json:"number"`
		HeadRefName string `json:"headRefName"`
	}
	if err := json.Unmarshal([]byte(out), &prs); err != nil {
		c.log.Warn("parse pr list JSON failed", "repo", repo, "error", err)
		return 0
	}
	key := strconv.Itoa(issueNumber)
	for _, pr := range prs {
		if strings.Contains(pr.HeadRefName, key) {
			return pr.Number
		}
	}
	if len(prs) > 0 {
		return prs[0].Number
	}
	return 0
}

// GetPRState returns the PR state uppercased (OPEN, MERGED, CLOSED), or
// "UNKNOWN" if the PR can't be fetched.
func (c *Client) GetPRState(repo string, pr int) string {
	out := c.run("pr", "view", fmt.Sprintf("%d", pr), "-R", repo, "--json", "state")
	if out == "" {
		return "UNKNOWN"
	}
	var v struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal([]byte(out), &v); err != nil || v.State == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(v.State)
}

type checkRun struct {
	Name  string `json:"name"`
	State string `json:"state"`
	Link  string `json:"link"`
}

// GetCIStatus classifies a PR's checks. Any still-running check makes the
// whole thing pending; any failed check makes it failed. No checks at all
// reads as pending, since checks may not have been reported yet.
func (c *Client) GetCIStatus(repo string, pr int) CIStatus {
	checks := c.prChecks(repo, pr)
	if len(checks) == 0 {
		return CIPending
	}
	status := CIPassed
	for _, ch := range checks {
		switch strings.ToUpper(ch.State) {
		case "PENDING", "QUEUED", "IN_PROGRESS":
			return CIPending
		case "FAILURE", "ERROR", "TIMED_OUT":
			status = CIFailed
		}
	}
	return status
}

func (c *Client) prChecks(repo string, pr int) []checkRun {
	out := c.run("pr", "checks", fmt.Sprintf("%d", pr), "-R", repo,
		"--json", "name,state,link")
	if out == "" {
		return nil
	}
	var checks []checkRun
	if err := json.Unmarshal([]byte(out), &checks); err != nil {
		c.log.Warn("parse pr checks JSON failed", "repo", repo, "pr", pr, "error", err)
		return nil
	}
	return checks
}

var runIDRe = regexp.MustCompile(`/runs/(\d+)`)

// GetCIFailureLogs collects failed-step logs for up to three failed checks,
// capping each log so prompts stay bounded.
func (c *Client) GetCIFailureLogs(repo string, pr int) string {
	var failed []checkRun
	for _, ch := range c.prChecks(repo, pr) {
		switch strings.ToUpper(ch.State) {
		case "FAILURE", "ERROR", "TIMED_OUT":
			failed = append(failed, ch)
		}
	}
	if len(failed) > 3 {
		failed = failed[:3]
	}

	var b strings.Builder
	for _, ch := range failed {
		m := runIDRe.FindStringSubmatch(ch.Link)
		if m == nil {
			continue
		}
		log := c.run("run", "view", m[1], "-R", repo, "--log-failed")
		if len(log) > failureLogCap {
			log = log[:failureLogCap] + "\n... (truncated)"
		}
		fmt.Fprintf(&b, "## Check: %s\n\n```\n%s\n```\n\n", ch.Name, log)
	}
	return strings.TrimSpace(b.String())
}

// GetPRDiff returns the PR's unified diff, empty on failure.
func (c *Client) GetPRDiff(repo string, pr int) string {
	return c.run("pr", "diff", fmt.Sprintf("%d", pr), "-R", repo)
}

// GetReviewStatus reduces a PR's review history to a single verdict. Only
// each reviewer's latest review counts, and the bot's own reviews are
// ignored. Any outstanding CHANGES_REQUESTED wins over approvals.
func (c *Client) GetReviewStatus(repo string, pr int, botUser string) ReviewStatus {
	out := c.run("pr", "view", fmt.Sprintf("%d", pr), "-R", repo, "--json", "reviews")
	if out == "" {
		return ReviewPending
	}
	var v struct {
		Reviews []struct {
			Author struct {
				Login string `json:"login"`
			} `json:"author"`
			State string `json:"state"`
		} `json:"reviews"`
	}
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		c.log.Warn("parse reviews JSON failed", "repo", repo, "pr", pr, "error", err)
		return ReviewPending
	}

	latest := map[string]string{}
	for _, r := range v.Reviews {
		if r.Author.Login == botUser {
			continue
		}
		latest[r.Author.Login] = strings.ToUpper(r.State)
	}
	if len(latest) == 0 {
		return ReviewPending
	}
	approved := false
	for _, state := range latest {
		switch state {
		case "CHANGES_REQUESTED":
			return ReviewChangesRequested
		case "APPROVED":
			approved = true
		}
	}
	if approved {
		return ReviewApproved
	}
	return ReviewCommented
}

// GetUnaddressedComments returns review comments the bot has not yet
// replied to, skipping the bot's own comments.
func (c *Client) GetUnaddressedComments(repo string, pr int, botUser string) []ReviewComment {
	out := c.run("api", fmt.Sprintf("repos/%s/pulls/%d/comments", repo, pr), "--paginate")
	if out == "" {
		return nil
	}
	var raw []struct {
		ID   int64 `json:"id"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
		Body        string `json:"body"`
		Path        string `json:"path"`
		Line        int    `json:"line"`
		CreatedAt   string `json:"created_at"`
		InReplyToID int64  `json:"in_reply_to_id"`
	}
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		c.log.Warn("parse review comments JSON failed", "repo", repo, "pr", pr, "error", err)
		return nil
	}

	replied := map[int64]bool{}
	for _, rc := range raw {
		if rc.User.Login == botUser && rc.InReplyToID != 0 {
			replied[rc.InReplyToID] = true
		}
	}

	var comments []ReviewComment
	for _, rc := range raw {
		if rc.User.Login == botUser || replied[rc.ID] {
			continue
		}
		comments = append(comments, ReviewComment{
			ID:        rc.ID,
			Author:    rc.User.Login,
			Body:      rc.Body,
			Path:      rc.Path,
			Line:      rc.Line,
			CreatedAt: rc.CreatedAt,
		})
	}
	return comments
}

// RequestReview asks a team or user to review the PR.
func (c *Client) RequestReview(repo string, pr int, reviewer string) error {
	_, err := c.cmd.Run("pr", "edit", fmt.Sprintf("%d", pr), "-R", repo, "--add-reviewer", reviewer)
	if err != nil {
		return fmt.Errorf("request review on %s#%d: %w", repo, pr, err)
	}
	return nil
}

// MergePR squash-merges the PR and deletes its branch.
func (c *Client) MergePR(repo string, pr int) error {
	_, err := c.cmd.Run("pr", "merge", fmt.Sprintf("%d", pr), "-R", repo, "--squash", "--delete-branch")
	if err != nil {
		return fmt.Errorf("merge %s#%d: %w", repo, pr, err)
	}
	return nil
}
