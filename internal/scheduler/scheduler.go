// Package scheduler polls GitHub for labeled tickets and dispatches each
// to the pipeline on a bounded worker pool. Labels are the only durable
// state, so the poll loop is stateless across restarts: every cycle
// rebuilds its view of the world from the tracker.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/conveyorhq/conveyor/internal/config"
	"github.com/conveyorhq/conveyor/internal/github"
	"github.com/conveyorhq/conveyor/internal/metrics"
	"github.com/conveyorhq/conveyor/internal/pipeline"
	"github.com/conveyorhq/conveyor/internal/rules"
	"github.com/conveyorhq/conveyor/internal/ticket"
)

// Searcher finds open issues carrying the entry label. The github Client
// satisfies it.
type Searcher interface {
	SearchIssues(org, label string) ([]github.Issue, error)
}

// Handler runs one pipeline step for a ticket. The pipeline satisfies it.
type Handler interface {
	HandleNew(ctx context.Context, t *ticket.Ticket, r *pipeline.Rules) error
	Handle(ctx context.Context, t *ticket.Ticket, r *pipeline.Rules) error
}

// RulesResolver resolves the layered repo rules for a target repo.
type RulesResolver interface {
	Resolve(repo string) *rules.ResolvedRules
}

// Workspaces provides per-ticket clones.
type Workspaces interface {
	Ensure(t *ticket.Ticket) (string, error)
}

// Scheduler is the poll-and-dispatch loop.
type Scheduler struct {
	cfg      *config.Config
	search   Searcher
	handler  Handler
	resolver RulesResolver
	ws       Workspaces     // optional
	prom     *metrics.Prom  // optional
	log      *slog.Logger
	now      func() time.Time

	sem chan struct{}
	wg  sync.WaitGroup

	mu            sync.Mutex
	inFlight      map[string]bool
	cooldownUntil time.Time
}

// Options carries the optional collaborators.
type Options struct {
	Workspaces Workspaces
	Prom       *metrics.Prom
	Logger     *slog.Logger
}

// New creates a Scheduler.
func New(cfg *config.Config, search Searcher, handler Handler, resolver RulesResolver, opts Options) *Scheduler {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	concurrency := cfg.Scheduler.MaxConcurrentTickets
	if concurrency < 1 {
		concurrency = 1
	}
	return &Scheduler{
		cfg:      cfg,
		search:   search,
		handler:  handler,
		resolver: resolver,
		ws:       opts.Workspaces,
		prom:     opts.Prom,
		log:      log,
		now:      time.Now,
		sem:      make(chan struct{}, concurrency),
		inFlight: map[string]bool{},
	}
}

// RateLimitSignal pauses all polling for the configured cooldown. Wired
// as the agent runner's rate-limit callback so one throttled agent call
// quiets the whole scheduler.
func (s *Scheduler) RateLimitSignal() {
	d := time.Duration(s.cfg.RateLimit.CooldownSeconds) * time.Second
	s.mu.Lock()
	s.cooldownUntil = s.now().Add(d)
	s.mu.Unlock()
	if s.prom != nil {
		s.prom.RateLimitSignals.Inc()
	}
	s.log.Warn("rate limit signal, cooling down", "until", s.cooldownUntil.Format(time.RFC3339))
}

// Run polls until the context is cancelled, then waits for in-flight
// tickets to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := time.Duration(s.cfg.Scheduler.PollIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	s.log.Info("scheduler started", "interval", interval, "concurrency", cap(s.sem))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Error("poll cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopping, draining in-flight tickets")
			s.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single poll cycle: search, filter, dispatch.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	s.mu.Lock()
	cooling := s.now().Before(s.cooldownUntil)
	s.mu.Unlock()
	if cooling {
		s.log.Info("in rate-limit cooldown, skipping cycle")
		return nil
	}

	issues, err := s.search.SearchIssues(s.cfg.GitHub.Org, s.cfg.GitHub.EntryLabel)
	if err != nil {
		return err
	}

	for _, issue := range issues {
		t := ticket.New(s.cfg.GitHub.Org, issue.Repository.Name, issue.Number, issue.LabelNames())
		t.Summary = issue.Title

		// Unlabeled tickets enter the pipeline; labeled ones dispatch only
		// when their stage is actionable. In-progress and terminal stages
		// (stuck included) wait for an agent or a human.
		if stage, ok := t.StageLabel(); ok && !ticket.Actionable(stage) {
			continue
		}
		ref := t.IssueRef()
		s.mu.Lock()
		if s.inFlight[ref] {
			s.mu.Unlock()
			continue
		}
		s.inFlight[ref] = true
		s.mu.Unlock()

		s.wg.Add(1)
		go s.process(ctx, t)
	}
	return nil
}

// process runs one pipeline step for a ticket on the worker pool.
func (s *Scheduler) process(ctx context.Context, t *ticket.Ticket) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, t.IssueRef())
		s.mu.Unlock()
	}()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-s.sem }()

	if s.prom != nil {
		s.prom.InFlight.Inc()
		defer s.prom.InFlight.Dec()
	}

	resolved := s.resolver.Resolve(t.Repo)
	r := &pipeline.Rules{
		BranchPattern: resolved.BranchPattern,
		NotifyTeam:    resolved.NotifyTeam,
		AgentContext:  resolved.AgentContext,
	}

	if s.ws != nil {
		dir, err := s.ws.Ensure(t)
		if err != nil {
			s.log.Warn("workspace unavailable", "issue", t.IssueRef(), "error", err)
		} else {
			t.WorkDir = dir
		}
	}

	var err error
	if _, ok := t.StageLabel(); ok {
		err = s.handler.Handle(ctx, t, r)
	} else {
		err = s.handler.HandleNew(ctx, t, r)
	}
	if err != nil {
		// One broken ticket must not take down the loop.
		s.log.Error("ticket handling failed", "issue", t.IssueRef(), "error", err)
	}
}

// Wait blocks until all dispatched tickets have finished. Exposed for
// single-cycle callers like `conveyor run`.
func (s *Scheduler) Wait() { s.wg.Wait() }
