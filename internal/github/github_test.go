package github

import (
	"errors"
	"strings"
	"testing"
)

type mockCmd struct {
	calls   [][]string
	results []mockResult
	idx     int
}

type mockResult struct {
	output string
	err    error
}

func (m *mockCmd) Run(args ...string) (string, error) {
	m.calls = append(m.calls, args)
	if m.idx >= len(m.results) {
		return "", nil
	}
	r := m.results[m.idx]
	m.idx++
	return r.output, r.err
}

func (m *mockCmd) lastCall() []string {
	if len(m.calls) == 0 {
		return nil
	}
	return m.calls[len(m.calls)-1]
}

func TestSearchIssues(t *testing.T) {
	searchJSON := `[
		{"repository": {"name": "widgets"}, "number": 7, "title": "Build the thing",
		 "labels": [{"name": "otto"}, {"name": "agentSpecReview"}]},
		{"repository": {"name": "gadgets"}, "number": 12, "title": "Other thing",
		 "labels": [{"name": "otto"}]}
	]`
	mock := &mockCmd{results: []mockResult{{output: searchJSON}}}
	client := NewClient(mock)

	issues, err := client.SearchIssues("acme", "otto")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(issues) != 2 {
		t.Fatalf("expected 2 issues, got %d", len(issues))
	}
	if issues[0].Repository.Name != "widgets" || issues[0].Number != 7 {
		t.Errorf("unexpected first issue: %+v", issues[0])
	}
	names := issues[0].LabelNames()
	if len(names) != 2 || names[1] != "agentSpecReview" {
		t.Errorf("unexpected labels: %v", names)
	}

	call := strings.Join(mock.lastCall(), " ")
	for _, want := range []string{"search issues", "--owner acme", "--label otto", "--state open"} {
		if !strings.Contains(call, want) {
			t.Errorf("search call missing %q: %s", want, call)
		}
	}
}

func TestGetIssueBody(t *testing.T) {
	issueJSON := `{"number": 42, "title": "Add auth", "body": "Implement login.", "state": "OPEN", "labels": []}`
	mock := &mockCmd{results: []mockResult{{output: issueJSON}}}
	client := NewClient(mock)

	body := client.GetIssueBody("acme/widgets", 42)
	if body != "# Add auth\n\nImplement login." {
		t.Errorf("unexpected body: %q", body)
	}
}

func TestGetIssueBodyDegradesToEmpty(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{output: "", err: errors.New("api timeout")}}}
	client := NewClient(mock)
	if body := client.GetIssueBody("acme/widgets", 42); body != "" {
		t.Errorf("expected empty body on failure, got %q", body)
	}
}

func TestCreateIssueParsesNumber(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{output: "https://github.com/acme/widgets/issues/123"}}}
	client := NewClient(mock)

	n, err := client.CreateIssue("acme/widgets", "Story: login", "body", []string{"otto", "agentPlanning"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 123 {
		t.Errorf("expected issue 123, got %d", n)
	}
	call := strings.Join(mock.lastCall(), " ")
	if !strings.Contains(call, "--label otto") || !strings.Contains(call, "--label agentPlanning") {
		t.Errorf("labels missing from create call: %s", call)
	}
}

func TestSwapLabelSingleCall(t *testing.T) {
	mock := &mockCmd{}
	client := NewClient(mock)

	if err := client.SwapLabel("acme/widgets", 7, "agentSpecReview", "agentSpecApproved"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mock.calls) != 1 {
		t.Fatalf("swap must be one gh call, got %d", len(mock.calls))
	}
	call := strings.Join(mock.calls[0], " ")
	if !strings.Contains(call, "--remove-label agentSpecReview") || !strings.Contains(call, "--add-label agentSpecApproved") {
		t.Errorf("swap call malformed: %s", call)
	}
}

func TestGetIssueTimelineFiltersLabelEvents(t *testing.T) {
	timelineJSON := `[
		{"event": "labeled", "label": {"name": "agentSpec"}, "created_at": "2026-01-01T00:00:00Z"},
		{"event": "commented", "created_at": "2026-01-01T01:00:00Z"},
		{"event": "unlabeled", "label": {"name": "agentSpec"}, "created_at": "2026-01-01T02:00:00Z"}
	]`
	mock := &mockCmd{results: []mockResult{{output: timelineJSON}}}
	client := NewClient(mock)

	events := client.GetIssueTimeline("acme/widgets", 7)
	if len(events) != 2 {
		t.Fatalf("expected 2 label events, got %d", len(events))
	}
	if events[0].Event != "labeled" || events[1].Event != "unlabeled" {
		t.Errorf("unexpected events: %+v", events)
	}
}

func TestGetFileContent(t *testing.T) {
	// "hello world" base64-encoded, with a newline mid-string like the API emits.
	mock := &mockCmd{results: []mockResult{{output: "aGVsbG8g\nd29ybGQ="}}}
	client := NewClient(mock)

	if got := client.GetFileContent("acme/engineering", ".conveyor/rules.md"); got != "hello world" {
		t.Errorf("unexpected content: %q", got)
	}
}

func TestGetFileContentMissing(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{output: "", err: errors.New("404")}}}
	client := NewClient(mock)
	if got := client.GetFileContent("acme/engineering", "nope.md"); got != "" {
		t.Errorf("expected empty on missing file, got %q", got)
	}
}

func TestEnsureLabelsContinuesPastFailures(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{err: errors.New("boom")}, {output: "ok"}}}
	client := NewClient(mock)

	client.EnsureLabels("acme/widgets", []string{"agentSpec", "agentSpecReview"})
	if len(mock.calls) != 2 {
		t.Errorf("expected both label creates attempted, got %d calls", len(mock.calls))
	}
}
