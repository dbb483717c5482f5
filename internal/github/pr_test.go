package github

import (
	"strings"
	"testing"
)

func TestFindPRPrefersBranchWithIssueNumber(t *testing.T) {
	prJSON := `[
		{"number": 90, "headRefName": "feature/other-work"},
		{"number": 91, "headRefName": "otto/42-add-auth"}
	]`
	mock := &mockCmd{results: []mockResult{{output: prJSON}}}
	client := NewClient(mock)

	if got := client.FindPR("acme/widgets", 42); got != 91 {
		t.Errorf("expected PR 91, got %d", got)
	}
}

func TestFindPRFallsBackToFirst(t *testing.T) {
	prJSON := `[{"number": 90, "headRefName": "feature/other-work"}]`
	mock := &mockCmd{results: []mockResult{{output: prJSON}}}
	client := NewClient(mock)

	if got := client.FindPR("acme/widgets", 42); got != 90 {
		t.Errorf("expected fallback PR 90, got %d", got)
	}
}

func TestFindPRNoneOpen(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{output: "[]"}}}
	client := NewClient(mock)
	if got := client.FindPR("acme/widgets", 42); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
}

func TestGetPRState(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{output: `{"state": "merged"}`}}}
	client := NewClient(mock)
	if got := client.GetPRState("acme/widgets", 91); got != "MERGED" {
		t.Errorf("expected MERGED, got %q", got)
	}

	mock = &mockCmd{results: []mockResult{{output: ""}}}
	client = NewClient(mock)
	if got := client.GetPRState("acme/widgets", 91); got != "UNKNOWN" {
		t.Errorf("expected UNKNOWN on empty output, got %q", got)
	}
}

func TestGetCIStatus(t *testing.T) {
	tests := []struct {
		name   string
		checks string
		want   CIStatus
	}{
		{"no checks yet", `[]`, CIPending},
		{"all passed", `[{"name":"test","state":"SUCCESS"},{"name":"lint","state":"SUCCESS"}]`, CIPassed},
		{"one running", `[{"name":"test","state":"SUCCESS"},{"name":"lint","state":"IN_PROGRESS"}]`, CIPending},
		{"one failed", `[{"name":"test","state":"FAILURE"},{"name":"lint","state":"SUCCESS"}]`, CIFailed},
		{"timed out", `[{"name":"test","state":"TIMED_OUT"}]`, CIFailed},
		{"queued beats failed", `[{"name":"test","state":"FAILURE"},{"name":"lint","state":"QUEUED"}]`, CIPending},
		{"skipped counts as passed", `[{"name":"test","state":"SKIPPED"}]`, CIPassed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockCmd{results: []mockResult{{output: tt.checks}}}
			client := NewClient(mock)
			if got := client.GetCIStatus("acme/widgets", 91); got != tt.want {
				t.Errorf("GetCIStatus() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGetCIFailureLogs(t *testing.T) {
	checksJSON := `[
		{"name": "unit-tests", "state": "FAILURE", "link": "https://github.com/acme/widgets/actions/runs/555/job/1"},
		{"name": "lint", "state": "SUCCESS", "link": "https://github.com/acme/widgets/actions/runs/556/job/2"}
	]`
	mock := &mockCmd{results: []mockResult{
		{output: checksJSON},
		{output: "FAIL: TestLogin (0.01s)\n    auth_test.go:33: wrong status"},
	}}
	client := NewClient(mock)

	logs := client.GetCIFailureLogs("acme/widgets", 91)
	if !strings.Contains(logs, "## Check: unit-tests") {
		t.Errorf("logs missing check header: %q", logs)
	}
	if !strings.Contains(logs, "TestLogin") {
		t.Errorf("logs missing failure output: %q", logs)
	}
	if strings.Contains(logs, "lint") {
		t.Errorf("passing check should not appear in logs: %q", logs)
	}
	call := strings.Join(mock.lastCall(), " ")
	if !strings.Contains(call, "run view 555") || !strings.Contains(call, "--log-failed") {
		t.Errorf("unexpected run view call: %s", call)
	}
}

func TestGetCIFailureLogsCapsLength(t *testing.T) {
	checksJSON := `[{"name": "big", "state": "FAILURE", "link": "https://x/runs/1/j"}]`
	mock := &mockCmd{results: []mockResult{
		{output: checksJSON},
		{output: strings.Repeat("x", failureLogCap+1000)},
	}}
	client := NewClient(mock)

	logs := client.GetCIFailureLogs("acme/widgets", 91)
	if !strings.Contains(logs, "(truncated)") {
		t.Error("expected oversized log to be truncated")
	}
}

func TestGetReviewStatus(t *testing.T) {
	tests := []struct {
		name    string
		reviews string
		want    ReviewStatus
	}{
		{"no reviews", `{"reviews": []}`, ReviewPending},
		{"approved", `{"reviews": [{"author": {"login": "alice"}, "state": "APPROVED"}]}`, ReviewApproved},
		{"changes requested wins", `{"reviews": [
			{"author": {"login": "alice"}, "state": "APPROVED"},
			{"author": {"login": "bob"}, "state": "CHANGES_REQUESTED"}]}`, ReviewChangesRequested},
		{"latest per author counts", `{"reviews": [
			{"author": {"login": "alice"}, "state": "CHANGES_REQUESTED"},
			{"author": {"login": "alice"}, "state": "APPROVED"}]}`, ReviewApproved},
		{"bot reviews ignored", `{"reviews": [{"author": {"login": "otto-bot"}, "state": "APPROVED"}]}`, ReviewPending},
		{"comment only", `{"reviews": [{"author": {"login": "alice"}, "state": "COMMENTED"}]}`, ReviewCommented},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockCmd{results: []mockResult{{output: tt.reviews}}}
			client := NewClient(mock)
			if got := client.GetReviewStatus("acme/widgets", 91, "otto-bot"); got != tt.want {
				t.Errorf("GetReviewStatus() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGetUnaddressedComments(t *testing.T) {
	commentsJSON := `[
		{"id": 1, "user": {"login": "alice"}, "body": "rename this", "path": "auth.go", "line": 10},
		{"id": 2, "user": {"login": "otto-bot"}, "body": "done", "in_reply_to_id": 1},
		{"id": 3, "user": {"login": "bob"}, "body": "missing test", "path": "auth_test.go", "line": 5},
		{"id": 4, "user": {"login": "otto-bot"}, "body": "noting for later"}
	]`
	mock := &mockCmd{results: []mockResult{{output: commentsJSON}}}
	client := NewClient(mock)

	got := client.GetUnaddressedComments("acme/widgets", 91, "otto-bot")
	if len(got) != 1 {
		t.Fatalf("expected 1 unaddressed comment, got %d: %+v", len(got), got)
	}
	if got[0].ID != 3 || got[0].Author != "bob" {
		t.Errorf("unexpected comment: %+v", got[0])
	}
}

func TestMergePR(t *testing.T) {
	mock := &mockCmd{}
	client := NewClient(mock)
	if err := client.MergePR("acme/widgets", 91); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	call := strings.Join(mock.lastCall(), " ")
	for _, want := range []string{"pr merge 91", "--squash", "--delete-branch"} {
		if !strings.Contains(call, want) {
			t.Errorf("merge call missing %q: %s", want, call)
		}
	}
}
