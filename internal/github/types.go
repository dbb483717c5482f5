package github

// Issue is the subset of GitHub issue data the pipeline needs.
type Issue struct {
	Number     int        `json:"number"`
	Title      string     `json:"title"`
	Body       string     `json:"body"`
	State      string     `json:"state"`
	Labels     []Label    `json:"labels"`
	Repository Repository `json:"repository"`
}

// Label is a GitHub label.
type Label struct {
	Name string `json:"name"`
}

// Repository identifies the repo an issue belongs to (search results only).
type Repository struct {
	Name string `json:"name"`
}

// LabelNames returns the issue's label names.
func (i *Issue) LabelNames() []string {
	names := make([]string, 0, len(i.Labels))
	for _, l := range i.Labels {
		names = append(names, l.Name)
	}
	return names
}

// CIStatus summarizes the state of a PR's checks.
type CIStatus string

const (
	CIPending CIStatus = "pending"
	CIPassed  CIStatus = "passed"
	CIFailed  CIStatus = "failed"
)

// ReviewStatus summarizes the latest human review state of a PR.
type ReviewStatus string

const (
	ReviewPending          ReviewStatus = "pending"
	ReviewApproved         ReviewStatus = "approved"
	ReviewChangesRequested ReviewStatus = "changes_requested"
	ReviewCommented        ReviewStatus = "commented"
)

// ReviewComment is one unaddressed PR review comment.
type ReviewComment struct {
	ID        int64  `json:"id"`
	Author    string `json:"author"`
	Body      string `json:"body"`
	Path      string `json:"path,omitempty"`
	Line      int    `json:"line,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// TimelineEvent is a labeled/unlabeled event from an issue's timeline.
type TimelineEvent struct {
	Event     string `json:"event"`
	Label     string `json:"label"`
	CreatedAt string `json:"created_at"`
}
