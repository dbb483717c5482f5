package enrich

import (
	"strings"
	"testing"
)

func TestParseStoriesFromFencedOutput(t *testing.T) {
	out := "Here is the backlog:\n```json\n" +
		`[{"title": "Add login", "repo": "widgets", "description": "d", "estimate": "M", "dependencies": [], "notes": "n"},` +
		`{"title": "Add logout", "repo": "widgets", "description": "d2", "estimate": "S", "dependencies": ["Add login"], "notes": ""}]` +
		"\n```\n[BACKLOG_COMPLETE]"

	stories, err := ParseStories(out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stories) != 2 {
		t.Fatalf("expected 2 stories, got %d", len(stories))
	}
	if stories[0].Title != "Add login" || stories[0].Repo != "widgets" {
		t.Errorf("unexpected first story: %+v", stories[0])
	}
	if len(stories[1].Dependencies) != 1 || stories[1].Dependencies[0] != "Add login" {
		t.Errorf("unexpected dependencies: %v", stories[1].Dependencies)
	}
}

func TestParseStoriesSkipsDecoyBrackets(t *testing.T) {
	out := "[BACKLOG_COMPLETE]\n" +
		`[{"title": "Fix parser [edge case]", "repo": "widgets", "description": "handles ] inside strings"}]`

	stories, err := ParseStories(out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stories) != 1 || stories[0].Title != "Fix parser [edge case]" {
		t.Errorf("unexpected stories: %+v", stories)
	}
}

func TestParseStoriesNoArray(t *testing.T) {
	if _, err := ParseStories("I could not produce a backlog."); err == nil {
		t.Fatal("expected error for output with no JSON array")
	}
}

func TestParseEnriched(t *testing.T) {
	out := `Sure, here it is: {"title": "Add login", "repo": "widgets", "description": "Implement login",
		"acceptance_criteria": ["user can log in"], "technical_notes": ["use bcrypt"],
		"test_expectations": ["TestLogin"], "estimate": "M (single endpoint)", "dependencies": []}`

	e := ParseEnriched(out)
	if e == nil {
		t.Fatal("expected parse to succeed")
	}
	if e.Title != "Add login" || len(e.AcceptanceCriteria) != 1 {
		t.Errorf("unexpected enriched story: %+v", e)
	}
}

func TestParseEnrichedDefaultsEstimate(t *testing.T) {
	e := ParseEnriched(`{"title": "x", "description": "y"}`)
	if e == nil || e.Estimate != "M" {
		t.Errorf("expected default estimate M, got %+v", e)
	}
}

func TestParseEnrichedGarbage(t *testing.T) {
	if e := ParseEnriched("no json here"); e != nil {
		t.Errorf("expected nil, got %+v", e)
	}
	if e := ParseEnriched("{not valid json}"); e != nil {
		t.Errorf("expected nil for invalid JSON, got %+v", e)
	}
}

func TestMarkdownRendering(t *testing.T) {
	e := &EnrichedStory{
		Title:              "Add login",
		Description:        "Implement login.",
		AcceptanceCriteria: []string{"user can log in", "bad password rejected"},
		TechnicalNotes:     []string{"use bcrypt"},
		TestExpectations:   []string{"TestLogin"},
		Estimate:           "M",
		Dependencies:       []string{"Add sessions"},
	}
	md := e.Markdown()

	for _, want := range []string{
		"Implement login.",
		"### Acceptance Criteria\n- [ ] user can log in\n- [ ] bad password rejected",
		"### Technical Notes\n- use bcrypt",
		"### Test Expectations\n- TestLogin",
		"### Estimate: M",
		"### Dependencies: Add sessions",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}
}

func TestMarkdownOmitsEmptySections(t *testing.T) {
	e := &EnrichedStory{Description: "Just a thing.", Estimate: "S"}
	md := e.Markdown()
	if strings.Contains(md, "Acceptance Criteria") || strings.Contains(md, "Dependencies") {
		t.Errorf("empty sections should be omitted:\n%s", md)
	}
}

func TestFallback(t *testing.T) {
	s := &Story{Title: "Add login", Repo: "widgets", Description: "d", Notes: "careful with sessions"}
	e := Fallback(s)
	if e.Estimate != "M" {
		t.Errorf("fallback estimate = %q", e.Estimate)
	}
	if len(e.TechnicalNotes) != 1 || e.TechnicalNotes[0] != "careful with sessions" {
		t.Errorf("fallback notes = %v", e.TechnicalNotes)
	}
}
