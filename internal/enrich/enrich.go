// Package enrich parses agent-produced backlog stories and renders them
// as execution-grade GitHub issues.
package enrich

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Story is one raw backlog item as emitted by the backlog agent.
type Story struct {
	Title        string   `json:"title"`
	Repo         string   `json:"repo"`
	Description  string   `json:"description"`
	Estimate     string   `json:"estimate"`
	Dependencies []string `json:"dependencies"`
	Notes        string   `json:"notes"`
}

// EnrichedStory is a story refined into an execution-grade issue.
type EnrichedStory struct {
	Title              string   `json:"title"`
	Repo               string   `json:"repo"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	TechnicalNotes     []string `json:"technical_notes"`
	TestExpectations   []string `json:"test_expectations"`
	Estimate           string   `json:"estimate"`
	Dependencies       []string `json:"dependencies"`
}

// ParseStories extracts the JSON story array from agent output. Agents are
// told to emit bare JSON but tend to wrap it in fences, prose, and
// completion markers, so candidate spans are scanned bracket-balanced and
// the first that decodes wins.
func ParseStories(text string) ([]Story, error) {
	for start := strings.Index(text, "["); start >= 0; start = nextBracket(text, start) {
		span, ok := balancedSpan(text, start)
		if !ok {
			continue
		}
		var stories []Story
		if err := json.Unmarshal([]byte(span), &stories); err == nil {
			return stories, nil
		}
	}
	return nil, fmt.Errorf("no JSON story array in agent output")
}

func nextBracket(text string, after int) int {
	i := strings.Index(text[after+1:], "[")
	if i < 0 {
		return -1
	}
	return after + 1 + i
}

// balancedSpan returns the bracket-balanced span starting at start,
// honoring JSON string quoting so brackets inside values don't count.
func balancedSpan(text string, start int) (string, bool) {
	depth, inStr, esc := 0, false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// ParseEnriched extracts the enriched-story JSON object from agent output.
// Returns nil when no parseable object is present.
func ParseEnriched(text string) *EnrichedStory {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil
	}
	var s EnrichedStory
	if err := json.Unmarshal([]byte(text[start:end+1]), &s); err != nil {
		return nil
	}
	if s.Estimate == "" {
		s.Estimate = "M"
	}
	return &s
}

// JSON renders the raw story for embedding in an enrichment prompt.
func (s *Story) JSON() string {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Markdown renders the enriched story as a GitHub issue body.
func (e *EnrichedStory) Markdown() string {
	var b strings.Builder
	b.WriteString(e.Description)
	b.WriteString("\n\n")

	if len(e.AcceptanceCriteria) > 0 {
		b.WriteString("### Acceptance Criteria\n")
		for _, ac := range e.AcceptanceCriteria {
			fmt.Fprintf(&b, "- [ ] %s\n", ac)
		}
		b.WriteString("\n")
	}
	if len(e.TechnicalNotes) > 0 {
		b.WriteString("### Technical Notes\n")
		for _, n := range e.TechnicalNotes {
			fmt.Fprintf(&b, "- %s\n", n)
		}
		b.WriteString("\n")
	}
	if len(e.TestExpectations) > 0 {
		b.WriteString("### Test Expectations\n")
		for _, te := range e.TestExpectations {
			fmt.Fprintf(&b, "- %s\n", te)
		}
		b.WriteString("\n")
	}
	if e.Estimate != "" {
		fmt.Fprintf(&b, "### Estimate: %s\n", e.Estimate)
	}
	if len(e.Dependencies) > 0 {
		fmt.Fprintf(&b, "### Dependencies: %s\n", strings.Join(e.Dependencies, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

// Fallback builds a minimally enriched story from the raw one, used when
// the enrichment agent's output can't be parsed.
func Fallback(s *Story) *EnrichedStory {
	est := s.Estimate
	if est == "" {
		est = "M"
	}
	e := &EnrichedStory{
		Title:        s.Title,
		Repo:         s.Repo,
		Description:  s.Description,
		Estimate:     est,
		Dependencies: s.Dependencies,
	}
	if s.Notes != "" {
		e.TechnicalNotes = []string{s.Notes}
	}
	return e
}
