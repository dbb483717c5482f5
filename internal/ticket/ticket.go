// Package ticket defines the unit of work flowing through the pipeline and
// the closed set of stage labels that encode its state on GitHub.
package ticket

import "fmt"

// Stage is a pipeline stage, stored on the issue as a label. The entry label
// (e.g. "otto") is not a Stage — it is configurable and resolved at runtime.
type Stage string

const (
	// Spec-driven development path (engineering repo).
	StageSpec          Stage = "agentSpec"
	StageSpecReview    Stage = "agentSpecReview"
	StageSpecApproved  Stage = "agentSpecApproved"
	StageBacklogGen    Stage = "agentBacklogGen"
	StageBacklogReview Stage = "agentBacklogReview"

	// Dev planning & implementation path.
	StagePlanning         Stage = "agentPlanning"
	StagePlanReview       Stage = "agentPlanReview"
	StagePlan             Stage = "agentPlan"
	StageImplementing     Stage = "agentImplementing"
	StagePR               Stage = "agentPR"
	StageCIFix            Stage = "agentCIFix"
	StageSelfReview       Stage = "agentSelfReview"
	StageReview           Stage = "agentReview"
	StageAddressingReview Stage = "agentAddressingReview"
	StageMergeReady       Stage = "agentMergeReady"
	StageRetro            Stage = "agentRetro"

	// Terminal until a human clears it.
	StageStuck Stage = "agentStuck"
)

// Stages lists every stage label in a stable order. Order matters for
// StageLabel: a ticket should only ever carry one of these, but if it somehow
// carries two the earlier entry wins deterministically.
var Stages = []Stage{
	StageSpec,
	StageSpecReview,
	StageSpecApproved,
	StageBacklogGen,
	StageBacklogReview,
	StagePlanning,
	StagePlanReview,
	StagePlan,
	StageImplementing,
	StagePR,
	StageCIFix,
	StageSelfReview,
	StageReview,
	StageAddressingReview,
	StageMergeReady,
	StageRetro,
	StageStuck,
}

// actionable stages are ready for the scheduler to dispatch work.
var actionable = map[Stage]bool{
	StageSpecReview:    true,
	StageSpecApproved:  true,
	StageBacklogReview: true,
	StagePlanReview:    true,
	StagePlan:          true,
	StagePR:            true,
	StageSelfReview:    true,
	StageReview:        true,
	StageMergeReady:    true,
	StageRetro:         true,
}

// inProgress stages mean an agent already owns the ticket; skip on poll.
var inProgress = map[Stage]bool{
	StageSpec:             true,
	StageBacklogGen:       true,
	StagePlanning:         true,
	StageImplementing:     true,
	StageCIFix:            true,
	StageAddressingReview: true,
}

// IsStage reports whether a label string is a pipeline stage label.
func IsStage(label string) bool {
	for _, s := range Stages {
		if string(s) == label {
			return true
		}
	}
	return false
}

// Actionable reports whether the scheduler should dispatch work for s.
func Actionable(s Stage) bool { return actionable[s] }

// InProgress reports whether s signals that automation already owns the ticket.
func InProgress(s Stage) bool { return inProgress[s] }

// Ticket is a GitHub issue with the context the pipeline needs. It is rebuilt
// from the tracker's label snapshot on every poll and discarded after one
// pipeline invocation; only the labels persist.
type Ticket struct {
	Owner  string
	Repo   string
	Number int
	Labels map[string]bool

	Summary         string
	PRNumber        int
	Plan            string
	WorkDir         string
	SpecPRNumber    int
	BacklogPRNumber int
	ProjectID       string
}

// New builds a Ticket from a label list.
func New(owner, repo string, number int, labels []string) *Ticket {
	set := make(map[string]bool, len(labels))
	for _, l := range labels {
		set[l] = true
	}
	return &Ticket{Owner: owner, Repo: repo, Number: number, Labels: set}
}

// FullRepo returns "owner/repo".
func (t *Ticket) FullRepo() string { return t.Owner + "/" + t.Repo }

// IssueRef returns "owner/repo#number", the key used by the retry ledger,
// the in-flight set and the metrics store.
func (t *Ticket) IssueRef() string {
	return fmt.Sprintf("%s/%s#%d", t.Owner, t.Repo, t.Number)
}

// StageLabel returns the single stage label present on the ticket, if any.
// At most one stage label is expected at a time; handlers preserve that by
// swapping labels atomically instead of adding.
func (t *Ticket) StageLabel() (Stage, bool) {
	for _, s := range Stages {
		if t.Labels[string(s)] {
			return s, true
		}
	}
	return "", false
}

// HasLabel reports whether the ticket carries the given label.
func (t *Ticket) HasLabel(label string) bool { return t.Labels[label] }
