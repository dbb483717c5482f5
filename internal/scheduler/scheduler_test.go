package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/conveyorhq/conveyor/internal/config"
	"github.com/conveyorhq/conveyor/internal/github"
	"github.com/conveyorhq/conveyor/internal/pipeline"
	"github.com/conveyorhq/conveyor/internal/rules"
	"github.com/conveyorhq/conveyor/internal/ticket"
)

type fakeSearcher struct {
	mu     sync.Mutex
	issues []github.Issue
	calls  int
}

func (f *fakeSearcher) SearchIssues(org, label string) ([]github.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.issues, nil
}

func (f *fakeSearcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeHandler struct {
	mu      sync.Mutex
	newRefs []string
	refs    []string
	started chan string   // receives the ref when a handler call begins
	gate    chan struct{} // when non-nil, handler blocks until closed
}

func (f *fakeHandler) record(list *[]string, t *ticket.Ticket) {
	f.mu.Lock()
	*list = append(*list, t.IssueRef())
	f.mu.Unlock()
	if f.started != nil {
		f.started <- t.IssueRef()
	}
	if f.gate != nil {
		<-f.gate
	}
}

func (f *fakeHandler) HandleNew(ctx context.Context, t *ticket.Ticket, r *pipeline.Rules) error {
	f.record(&f.newRefs, t)
	return nil
}

func (f *fakeHandler) Handle(ctx context.Context, t *ticket.Ticket, r *pipeline.Rules) error {
	f.record(&f.refs, t)
	return nil
}

type fakeResolver struct{ rules rules.ResolvedRules }

func (f *fakeResolver) Resolve(repo string) *rules.ResolvedRules {
	r := f.rules
	return &r
}

type fakeWorkspaces struct{ dir string }

func (f *fakeWorkspaces) Ensure(t *ticket.Ticket) (string, error) { return f.dir, nil }

func testConfig() *config.Config {
	return &config.Config{
		GitHub:    config.GitHub{Org: "acme", EntryLabel: "otto"},
		Scheduler: config.Scheduler{MaxConcurrentTickets: 3, PollIntervalSeconds: 1},
		RateLimit: config.RateLimit{CooldownSeconds: 300},
	}
}

func issue(repo string, number int, labels ...string) github.Issue {
	ls := make([]github.Label, len(labels))
	for i, l := range labels {
		ls[i] = github.Label{Name: l}
	}
	return github.Issue{
		Number:     number,
		Title:      "ticket",
		Labels:     ls,
		Repository: github.Repository{Name: repo},
	}
}

func newTestScheduler(search Searcher, handler Handler) *Scheduler {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(testConfig(), search, handler, &fakeResolver{}, Options{Logger: log})
}

func TestDispatchRoutesNewVsStaged(t *testing.T) {
	search := &fakeSearcher{issues: []github.Issue{
		issue("api", 1, "otto"),
		issue("api", 2, "otto", "agentPlanReview"),
	}}
	handler := &fakeHandler{}
	s := newTestScheduler(search, handler)

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.Wait()

	if len(handler.newRefs) != 1 || handler.newRefs[0] != "acme/api#1" {
		t.Errorf("HandleNew calls = %v", handler.newRefs)
	}
	if len(handler.refs) != 1 || handler.refs[0] != "acme/api#2" {
		t.Errorf("Handle calls = %v", handler.refs)
	}
}

func TestNonActionableStagesSkipped(t *testing.T) {
	// In-progress stages mean an agent owns the ticket; stuck waits for a
	// human. Neither reaches the handler, across any number of polls.
	search := &fakeSearcher{issues: []github.Issue{
		issue("api", 1, "otto", "agentImplementing"),
		issue("api", 2, "otto", "agentStuck"),
		issue("api", 3, "otto", "agentPlanReview"),
	}}
	handler := &fakeHandler{}
	s := newTestScheduler(search, handler)

	for i := 0; i < 3; i++ {
		if err := s.RunOnce(context.Background()); err != nil {
			t.Fatal(err)
		}
		s.Wait()
	}

	if len(handler.newRefs) != 0 {
		t.Errorf("HandleNew calls = %v, want none", handler.newRefs)
	}
	for _, ref := range handler.refs {
		if ref != "acme/api#3" {
			t.Errorf("non-actionable ticket dispatched: %v", handler.refs)
		}
	}
	if len(handler.refs) != 3 {
		t.Errorf("actionable ticket dispatched %d times over 3 polls, want 3", len(handler.refs))
	}
}

func TestInFlightDedup(t *testing.T) {
	search := &fakeSearcher{issues: []github.Issue{issue("api", 1, "otto", "agentPlanReview")}}
	handler := &fakeHandler{
		started: make(chan string, 1),
		gate:    make(chan struct{}),
	}
	s := newTestScheduler(search, handler)
	ctx := context.Background()

	if err := s.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	<-handler.started

	// Second poll while the first dispatch is still running.
	if err := s.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	close(handler.gate)
	s.Wait()

	if len(handler.refs) != 1 {
		t.Errorf("handler ran %d times for one in-flight ticket, want 1", len(handler.refs))
	}

	// After completion the ticket is dispatchable again.
	handler.gate = nil
	handler.started = nil
	if err := s.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	s.Wait()
	if len(handler.refs) != 2 {
		t.Errorf("handler ran %d times after release, want 2", len(handler.refs))
	}
}

func TestCooldownSkipsPolling(t *testing.T) {
	search := &fakeSearcher{issues: []github.Issue{issue("api", 1, "otto")}}
	handler := &fakeHandler{}
	s := newTestScheduler(search, handler)

	base := time.Now()
	s.now = func() time.Time { return base }
	s.RateLimitSignal()

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if search.callCount() != 0 {
		t.Errorf("searcher called %d times during cooldown, want 0", search.callCount())
	}

	// Past the cooldown window, polling resumes.
	s.now = func() time.Time { return base.Add(301 * time.Second) }
	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.Wait()
	if search.callCount() != 1 {
		t.Errorf("searcher called %d times after cooldown, want 1", search.callCount())
	}
}

func TestWorkspaceDirAttached(t *testing.T) {
	search := &fakeSearcher{issues: []github.Issue{issue("api", 1, "otto")}}
	var gotDir string
	handler := &captureHandler{dir: &gotDir}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(testConfig(), search, handler, &fakeResolver{}, Options{
		Logger:     log,
		Workspaces: &fakeWorkspaces{dir: "/tmp/ws/acme_api_1"},
	})

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.Wait()
	if gotDir != "/tmp/ws/acme_api_1" {
		t.Errorf("WorkDir = %q", gotDir)
	}
}

type captureHandler struct{ dir *string }

func (c *captureHandler) HandleNew(ctx context.Context, t *ticket.Ticket, r *pipeline.Rules) error {
	*c.dir = t.WorkDir
	return nil
}

func (c *captureHandler) Handle(ctx context.Context, t *ticket.Ticket, r *pipeline.Rules) error {
	*c.dir = t.WorkDir
	return nil
}
