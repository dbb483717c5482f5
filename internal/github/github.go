// Package github wraps the gh CLI for the issue and pull-request operations
// the pipeline needs. All calls go through the CmdRunner interface so tests
// can substitute a fake.
package github

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
)

// CmdRunner provides gh command execution. Interface for testing.
type CmdRunner interface {
	Run(args ...string) (string, error)
}

// ExecRunner runs gh commands via exec.
type ExecRunner struct{}

func (r *ExecRunner) Run(args ...string) (string, error) {
	cmd := exec.Command("gh", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("gh %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Client provides GitHub operations against arbitrary repos in the org.
// Read operations degrade to zero values on transient gh failures so a
// flaky API call never wedges a ticket; mutations return errors.
type Client struct {
	cmd CmdRunner
	log *slog.Logger
}

// NewClient creates a GitHub client.
func NewClient(cmd CmdRunner) *Client {
	return &Client{cmd: cmd, log: slog.Default()}
}

// NewClientWithLogger creates a GitHub client with an explicit logger.
func NewClientWithLogger(cmd CmdRunner, log *slog.Logger) *Client {
	return &Client{cmd: cmd, log: log}
}

// run executes gh and returns its output, or "" after logging a warning.
// Read paths use this so transient failures read as "nothing there yet".
func (c *Client) run(args ...string) string {
	out, err := c.cmd.Run(args...)
	if err != nil {
		c.log.Warn("gh command failed", "args", strings.Join(args, " "), "error", err)
		return ""
	}
	return out
}

// SearchIssues finds open issues across the org carrying the given label.
func (c *Client) SearchIssues(org, label string) ([]Issue, error) {
	out, err := c.cmd.Run("search", "issues",
		"--owner", org,
		"--label", label,
		"--state", "open",
		"--json", "repository,number,labels,title",
		"--limit", "100")
	if err != nil {
		return nil, fmt.Errorf("search issues in %s by label %s: %w", org, label, err)
	}
	if out == "" {
		return nil, nil
	}
	var issues []Issue
	if err := json.Unmarshal([]byte(out), &issues); err != nil {
		return nil, fmt.Errorf("parse issue search JSON: %w", err)
	}
	return issues, nil
}

// GetIssue fetches a single issue from the given owner/repo.
func (c *Client) GetIssue(repo string, number int) (*Issue, error) {
	out, err := c.cmd.Run("issue", "view", fmt.Sprintf("%d", number), "-R", repo,
		"--json", "number,title,body,state,labels")
	if err != nil {
		return nil, fmt.Errorf("get issue %s#%d: %w", repo, number, err)
	}
	var issue Issue
	if err := json.Unmarshal([]byte(out), &issue); err != nil {
		return nil, fmt.Errorf("parse issue JSON: %w", err)
	}
	return &issue, nil
}

// GetIssueBody returns the issue rendered as a markdown document, title
// first. This is what agent prompts embed.
func (c *Client) GetIssueBody(repo string, number int) string {
	issue, err := c.GetIssue(repo, number)
	if err != nil {
		c.log.Warn("fetch issue body failed", "repo", repo, "number", number, "error", err)
		return ""
	}
	return fmt.Sprintf("# %s\n\n%s", issue.Title, issue.Body)
}

var issueURLRe = regexp.MustCompile(`/issues/(\d+)`)

// CreateIssue opens a new issue and returns its number (0 if the number
// could not be parsed from gh's output URL).
func (c *Client) CreateIssue(repo, title, body string, labels []string) (int, error) {
	args := []string{"issue", "create", "-R", repo, "--title", title, "--body", body}
	for _, l := range labels {
		args = append(args, "--label", l)
	}
	out, err := c.cmd.Run(args...)
	if err != nil {
		return 0, fmt.Errorf("create issue in %s: %w", repo, err)
	}
	m := issueURLRe.FindStringSubmatch(out)
	if m == nil {
		return 0, nil
	}
	var n int
	fmt.Sscanf(m[1], "%d", &n)
	return n, nil
}

// AddLabel adds a label to an issue.
func (c *Client) AddLabel(repo string, number int, label string) error {
	_, err := c.cmd.Run("issue", "edit", fmt.Sprintf("%d", number), "-R", repo, "--add-label", label)
	if err != nil {
		return fmt.Errorf("add label %s to %s#%d: %w", label, repo, number, err)
	}
	return nil
}

// RemoveLabel removes a label from an issue.
func (c *Client) RemoveLabel(repo string, number int, label string) error {
	_, err := c.cmd.Run("issue", "edit", fmt.Sprintf("%d", number), "-R", repo, "--remove-label", label)
	if err != nil {
		return fmt.Errorf("remove label %s from %s#%d: %w", label, repo, number, err)
	}
	return nil
}

// SwapLabel replaces one label with another in a single gh call, so the
// issue never observably carries zero or two stage labels.
func (c *Client) SwapLabel(repo string, number int, remove, add string) error {
	_, err := c.cmd.Run("issue", "edit", fmt.Sprintf("%d", number), "-R", repo,
		"--remove-label", remove, "--add-label", add)
	if err != nil {
		return fmt.Errorf("swap label %s -> %s on %s#%d: %w", remove, add, repo, number, err)
	}
	return nil
}

// Comment is an issue comment.
type Comment struct {
	Author struct {
		Login string `json:"login"`
	} `json:"author"`
	Body      string `json:"body"`
	CreatedAt string `json:"createdAt"`
}

// GetComments returns an issue's comments, oldest first. Empty on failure.
func (c *Client) GetComments(repo string, number int) []Comment {
	out := c.run("issue", "view", fmt.Sprintf("%d", number), "-R", repo, "--json", "comments")
	if out == "" {
		return nil
	}
	var wrapper struct {
		Comments []Comment `json:"comments"`
	}
	if err := json.Unmarshal([]byte(out), &wrapper); err != nil {
		c.log.Warn("parse comments JSON failed", "repo", repo, "number", number, "error", err)
		return nil
	}
	return wrapper.Comments
}

// AddComment posts a comment on an issue.
func (c *Client) AddComment(repo string, number int, body string) error {
	_, err := c.cmd.Run("issue", "comment", fmt.Sprintf("%d", number), "-R", repo, "--body", body)
	if err != nil {
		return fmt.Errorf("comment on %s#%d: %w", repo, number, err)
	}
	return nil
}

// MentionOnIssue posts a comment that @-mentions a team or user.
func (c *Client) MentionOnIssue(repo string, number int, who, msg string) error {
	return c.AddComment(repo, number, fmt.Sprintf("@%s %s", who, msg))
}

// GetIssueTimeline returns the labeled/unlabeled events of an issue in
// chronological order. Empty on failure.
func (c *Client) GetIssueTimeline(repo string, number int) []TimelineEvent {
	out := c.run("api", fmt.Sprintf("repos/%s/issues/%d/timeline", repo, number), "--paginate")
	if out == "" {
		return nil
	}
	var raw []struct {
		Event string `json:"event"`
		Label struct {
			Name string `json:"name"`
		} `json:"label"`
		CreatedAt string `json:"created_at"`
	}
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		c.log.Warn("parse timeline JSON failed", "repo", repo, "number", number, "error", err)
		return nil
	}
	var events []TimelineEvent
	for _, e := range raw {
		if e.Event != "labeled" && e.Event != "unlabeled" {
			continue
		}
		events = append(events, TimelineEvent{Event: e.Event, Label: e.Label.Name, CreatedAt: e.CreatedAt})
	}
	return events
}

// GetFileContent fetches a file from a repo's default branch via the
// contents API. Returns "" if the file does not exist or fetch fails.
func (c *Client) GetFileContent(repo, path string) string {
	out := c.run("api", fmt.Sprintf("repos/%s/contents/%s", repo, path), "--jq", ".content")
	if out == "" {
		return ""
	}
	// The API returns base64 with embedded newlines.
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(out, "\n", ""))
	if err != nil {
		c.log.Warn("decode file content failed", "repo", repo, "path", path, "error", err)
		return ""
	}
	return string(decoded)
}

// ListDir returns the file names in a repo directory, empty if the path
// does not exist.
func (c *Client) ListDir(repo, path string) []string {
	out := c.run("api", fmt.Sprintf("repos/%s/contents/%s", repo, path), "--jq", ".[].name")
	if out == "" {
		return nil
	}
	return strings.Fields(out)
}

// AddToProject adds an issue to an org project board. Failures are logged
// and ignored; board placement is best-effort.
func (c *Client) AddToProject(org, projectID, issueURL string) {
	_, err := c.cmd.Run("project", "item-add", projectID, "--owner", org, "--url", issueURL)
	if err != nil {
		c.log.Warn("add to project failed", "project", projectID, "url", issueURL, "error", err)
	}
}

// EnsureLabels creates the given labels in a repo if missing. gh's --force
// makes creation idempotent; individual failures are logged and skipped.
func (c *Client) EnsureLabels(repo string, labels []string) {
	for _, l := range labels {
		_, err := c.cmd.Run("label", "create", l, "-R", repo, "--color", "ededed", "--force")
		if err != nil {
			c.log.Warn("ensure label failed", "repo", repo, "label", l, "error", err)
		}
	}
}
