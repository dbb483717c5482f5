package metrics

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/conveyorhq/conveyor/internal/github"
)

func TestCommentMarkerRoundTrip(t *testing.T) {
	rec := StageRecord{
		Stage:       "agentPlanning",
		Agent:       "planner",
		RetryNumber: 1,
		CostUSD:     0.73,
		WasStuck:    false,
	}
	comment := "Planning complete.\n\n" + rec.CommentMarker()

	records := ParseStageComments([]string{comment, "just a human comment", "<!-- conveyor:not json -->"})
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Stage != "agentPlanning" || records[0].RetryNumber != 1 || records[0].CostUSD != 0.73 {
		t.Errorf("round trip mismatch: %+v", records[0])
	}
}

func TestBuildIssueSummary(t *testing.T) {
	timeline := []github.TimelineEvent{
		{Event: "labeled", Label: "agentPlanning"},
		{Event: "unlabeled", Label: "agentPlanning"},
		{Event: "labeled", Label: "agentPlanning"}, // re-entered: one retry
		{Event: "labeled", Label: "agentImplementing"},
	}
	comments := []string{
		(&StageRecord{Stage: "agentPlanning", CostUSD: 0.5}).CommentMarker(),
		(&StageRecord{Stage: "agentPlanning", RetryNumber: 1, CostUSD: 0.6}).CommentMarker(),
		(&StageRecord{Stage: "agentImplementing", CostUSD: 1.2}).CommentMarker(),
	}

	sum := BuildIssueSummary("acme/widgets#7", timeline, comments)
	if sum.TotalStages != 3 {
		t.Errorf("total stages = %d", sum.TotalStages)
	}
	if sum.TotalRetries != 1 {
		t.Errorf("total retries = %d", sum.TotalRetries)
	}
	if sum.TotalCostUSD != 2.3 {
		t.Errorf("total cost = %f", sum.TotalCostUSD)
	}
	if sum.WasStuck {
		t.Error("should not be stuck")
	}
	if !sum.NeedsRetro() {
		t.Error("retried run must need a retro")
	}
}

func TestBuildIssueSummaryCleanRun(t *testing.T) {
	timeline := []github.TimelineEvent{
		{Event: "labeled", Label: "agentPlanning"},
		{Event: "labeled", Label: "agentImplementing"},
	}
	comments := []string{
		(&StageRecord{Stage: "agentPlanning"}).CommentMarker(),
		(&StageRecord{Stage: "agentImplementing"}).CommentMarker(),
	}
	sum := BuildIssueSummary("acme/widgets#8", timeline, comments)
	if sum.NeedsRetro() {
		t.Error("clean run must not need a retro")
	}
}

func TestBuildIssueSummaryStuck(t *testing.T) {
	timeline := []github.TimelineEvent{
		{Event: "labeled", Label: "agentStuck"},
	}
	comments := []string{
		(&StageRecord{Stage: "agentPlanning", WasStuck: true, StuckReason: "plan retries exhausted"}).CommentMarker(),
	}
	sum := BuildIssueSummary("acme/widgets#9", timeline, comments)
	if !sum.WasStuck || !sum.NeedsRetro() {
		t.Error("stuck run must need a retro")
	}
	if len(sum.StuckReasons) != 1 || !strings.Contains(sum.StuckReasons[0], "exhausted") {
		t.Errorf("stuck reasons = %v", sum.StuckReasons)
	}
}

func TestStoreRecordAndQuery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	store, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	records := []StageRecord{
		{Stage: "agentPlanning", Agent: "planner", CostUSD: 0.5, DurationS: 120},
		{Stage: "agentPlanning", Agent: "planner", RetryNumber: 1, CostUSD: 0.6, DurationS: 100},
		{Stage: "agentImplementing", Agent: "implementer", CostUSD: 2.0, DurationS: 900},
	}
	for _, r := range records {
		if err := store.RecordStage("acme/widgets#7", r); err != nil {
			t.Fatalf("RecordStage: %v", err)
		}
	}

	got, err := store.IssueRecords("acme/widgets#7")
	if err != nil {
		t.Fatalf("IssueRecords: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	if got[1].RetryNumber != 1 {
		t.Errorf("order not preserved: %+v", got)
	}

	cost, err := store.TotalCost("acme/widgets#7")
	if err != nil {
		t.Fatalf("TotalCost: %v", err)
	}
	if cost != 3.1 {
		t.Errorf("total cost = %f", cost)
	}

	durations, err := store.StageDurations()
	if err != nil {
		t.Fatalf("StageDurations: %v", err)
	}
	if len(durations) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(durations))
	}
	// Sorted by stage name.
	if durations[0].Stage != "agentImplementing" || durations[0].Count != 1 {
		t.Errorf("unexpected first duration row: %+v", durations[0])
	}
	if durations[1].Stage != "agentPlanning" || durations[1].Avg != 110 {
		t.Errorf("unexpected planning stats: %+v", durations[1])
	}
}

func TestStoreReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	store, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	if err := store.RecordStage("acme/widgets#1", StageRecord{Stage: "agentSpec"}); err != nil {
		t.Fatalf("RecordStage: %v", err)
	}
	store.Close()

	store2, err := OpenStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store2.Close()
	got, err := store2.IssueRecords("acme/widgets#1")
	if err != nil || len(got) != 1 {
		t.Fatalf("expected 1 record after reopen, got %d (err %v)", len(got), err)
	}
}

func TestPromHandler(t *testing.T) {
	p := NewProm()
	p.StagesRun.WithLabelValues("agentPlanning", "ok").Inc()
	p.InFlight.Set(2)
	if p.Handler() == nil {
		t.Fatal("expected a metrics handler")
	}
}
