// Package metrics records per-stage pipeline outcomes. Stage metadata is
// posted to the issue as structured HTML comments, so GitHub itself holds
// the history; a local SQLite mirror supports duration and cost queries,
// and Prometheus counters expose live health.
package metrics

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/conveyorhq/conveyor/internal/github"
)

// StageRecord is the metadata captured for one agent stage run.
type StageRecord struct {
	Stage       string  `json:"stage"`
	Agent       string  `json:"agent,omitempty"`
	RetryNumber int     `json:"retry_number,omitempty"`
	CostUSD     float64 `json:"cost_usd,omitempty"`
	DurationS   float64 `json:"duration_s,omitempty"`
	TurnsUsed   int     `json:"turns_used,omitempty"`
	SessionID   string  `json:"session_id,omitempty"`
	WasStuck    bool    `json:"was_stuck,omitempty"`
	StuckReason string  `json:"stuck_reason,omitempty"`
	IsError     bool    `json:"is_error,omitempty"`
}

var stageMetaRe = regexp.MustCompile(`<!-- conveyor:(.*?) -->`)

// CommentMarker renders the record as an HTML comment for embedding in an
// issue comment. Invisible in the GitHub UI, parseable later.
func (r *StageRecord) CommentMarker() string {
	data, err := json.Marshal(r)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("<!-- conveyor:%s -->", data)
}

// ParseStageComments extracts stage records from issue comment bodies.
// Comments without a marker, or with an unparseable one, are skipped.
func ParseStageComments(comments []string) []StageRecord {
	var records []StageRecord
	for _, body := range comments {
		m := stageMetaRe.FindStringSubmatch(body)
		if m == nil {
			continue
		}
		var rec StageRecord
		if err := json.Unmarshal([]byte(m[1]), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records
}

// IssueSummary aggregates a ticket's recorded pipeline history.
type IssueSummary struct {
	IssueRef     string
	TotalStages  int
	TotalRetries int
	TotalCostUSD float64
	WasStuck     bool
	StuckReasons []string
	Stages       []StageRecord
}

// NeedsRetro reports whether the run was bumpy enough to warrant a
// retrospective: any retry or any stuck episode.
func (s *IssueSummary) NeedsRetro() bool {
	return s.TotalRetries > 0 || s.WasStuck
}

// BuildIssueSummary reconstructs a ticket's history from its label
// timeline and stage comments. The timeline and the comments are
// independent witnesses; retries take the larger of the two counts.
func BuildIssueSummary(issueRef string, timeline []github.TimelineEvent, commentBodies []string) *IssueSummary {
	stages := ParseStageComments(commentBodies)

	stuckFromTimeline := false
	labelCounts := map[string]int{}
	for _, e := range timeline {
		if e.Event != "labeled" {
			continue
		}
		labelCounts[e.Label]++
		if e.Label == "agentStuck" {
			stuckFromTimeline = true
		}
	}
	retriesFromTimeline := 0
	for _, n := range labelCounts {
		if n > 1 {
			retriesFromTimeline += n - 1
		}
	}

	retriesFromComments := 0
	stuckFromComments := false
	totalCost := 0.0
	var stuckReasons []string
	for _, s := range stages {
		if s.RetryNumber > 0 {
			retriesFromComments++
		}
		if s.WasStuck {
			stuckFromComments = true
			if s.StuckReason != "" {
				stuckReasons = append(stuckReasons, s.StuckReason)
			}
		}
		totalCost += s.CostUSD
	}

	retries := retriesFromTimeline
	if retriesFromComments > retries {
		retries = retriesFromComments
	}

	return &IssueSummary{
		IssueRef:     issueRef,
		TotalStages:  len(stages),
		TotalRetries: retries,
		TotalCostUSD: totalCost,
		WasStuck:     stuckFromTimeline || stuckFromComments,
		StuckReasons: stuckReasons,
		Stages:       stages,
	}
}
