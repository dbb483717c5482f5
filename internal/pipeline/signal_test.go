package pipeline

import "testing"

func TestParseQualityVerdict(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"pass", `Looks good. {"verdict": "pass", "feedback": ""}`, "pass"},
		{"retryable", `{"verdict": "fail_retryable", "feedback": "no tests"}`, "fail_retryable"},
		{"escalate", `{"verdict": "fail_escalate"}`, "fail_escalate"},
		{"no json defaults to escalate", "the plan seems fine to me", "fail_escalate"},
		{"broken json defaults to escalate", `{"verdict": "pass`, "fail_escalate"},
		{"empty verdict defaults to escalate", `{"verdict": ""}`, "fail_escalate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseQualityVerdict(tt.text); got != tt.want {
				t.Errorf("parseQualityVerdict(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestParseQualityFeedback(t *testing.T) {
	text := `{"verdict": "fail_retryable", "feedback": "missing rollout step"}`
	if got := parseQualityFeedback(text); got != "missing rollout step" {
		t.Errorf("feedback = %q", got)
	}
	if got := parseQualityFeedback("no json here"); got != "" {
		t.Errorf("feedback from prose = %q, want empty", got)
	}
}

func TestParseReviewVerdict(t *testing.T) {
	if got := parseReviewVerdict(`{"verdict": "clean"}`); got != "clean" {
		t.Errorf("got %q, want clean", got)
	}
	if got := parseReviewVerdict("shrug"); got != "issues_found" {
		t.Errorf("default = %q, want issues_found", got)
	}
}

func TestExtractPRNumber(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"url form", "Opened https://github.com/acme/api/pull/42 for review", 42},
		{"hash form", "Created PR #17", 17},
		{"url beats hash", "Fixes #9, see https://github.com/acme/api/pull/42", 42},
		{"nothing", "all done", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractPRNumber(tt.text); got != tt.want {
				t.Errorf("extractPRNumber(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

func TestExtractPlan(t *testing.T) {
	text := "I thought about it.\n\n## Summary\nDo X\n\nThen Y.\n[PLAN_COMPLETE]"
	got := extractPlan(text)
	want := "## Summary\nDo X\n\nThen Y."
	if got != want {
		t.Errorf("extractPlan = %q, want %q", got, want)
	}

	// No section marker: whole text minus the completion token.
	got = extractPlan("just do the thing [PLAN_COMPLETE]")
	if got != "just do the thing" {
		t.Errorf("markerless plan = %q", got)
	}
}

func TestParseSelfImprovement(t *testing.T) {
	text := "Retro done.\n[SELF_IMPROVEMENT]\nnot json\n{\"title\": \"Tighten CI fixer prompt\", \"body\": \"It loops on flaky tests.\"}\n"
	si := parseSelfImprovement(text)
	if si == nil {
		t.Fatal("expected a self-improvement ticket")
	}
	if si.Title != "Tighten CI fixer prompt" {
		t.Errorf("title = %q", si.Title)
	}

	if parseSelfImprovement("no marker here") != nil {
		t.Error("expected nil without marker")
	}
	if parseSelfImprovement("[SELF_IMPROVEMENT]\n{\"title\": \"\"}") != nil {
		t.Error("expected nil for empty title")
	}
}

func TestSlugifyBranch(t *testing.T) {
	got := slugifyBranch(42, "Add OAuth2 login flow!\nmore detail", "feature/{issue_number}-{description}")
	want := "feature/42-add-oauth2-login-flow"
	if got != want {
		t.Errorf("slugifyBranch = %q, want %q", got, want)
	}

	got = slugifyBranch(7, "", "feature/{issue_number}-{description}")
	if got != "feature/7-implementation" {
		t.Errorf("empty plan slug = %q", got)
	}
}
