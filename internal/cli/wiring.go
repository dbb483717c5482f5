package cli

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/conveyorhq/conveyor/internal/agent"
	"github.com/conveyorhq/conveyor/internal/config"
	"github.com/conveyorhq/conveyor/internal/github"
	"github.com/conveyorhq/conveyor/internal/metrics"
	"github.com/conveyorhq/conveyor/internal/pipeline"
	"github.com/conveyorhq/conveyor/internal/rules"
	"github.com/conveyorhq/conveyor/internal/scheduler"
	"github.com/conveyorhq/conveyor/internal/trace"
	"github.com/conveyorhq/conveyor/internal/workspace"
)

func splitRepo(full string) (owner, name string, ok bool) {
	return strings.Cut(full, "/")
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.LoadDefault()
}

func loadValidConfig() (*config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}
	return cfg, nil
}

// stack is the fully wired daemon: scheduler plus everything it drives.
type stack struct {
	cfg       *config.Config
	gh        *github.Client
	sched     *scheduler.Scheduler
	pipe      *pipeline.Pipeline
	resolver  *rules.Resolver
	ws        *workspace.Manager
	prom      *metrics.Prom
	store     *metrics.Store
	tracePath string
}

func (s *stack) Close() {
	if s.pipe != nil && s.tracePath != "" {
		if err := s.pipe.Trace().Save(s.tracePath); err != nil {
			slog.Warn("saving trace graph failed", "path", s.tracePath, "error", err)
		}
	}
	if s.store != nil {
		s.store.Close()
	}
}

// buildStack wires the full pipeline: tracker, agent runner, rules,
// workspaces, metrics, pipeline, scheduler. The rate-limit callback from
// the agent runner feeds the scheduler's global cooldown.
func buildStack(cfg *config.Config) (*stack, error) {
	gh := github.NewClient(&github.ExecRunner{})
	prom := metrics.NewProm()

	store, err := metrics.OpenStore(cfg.Paths.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening metrics store: %w", err)
	}

	var sched *scheduler.Scheduler
	runner := agent.NewCLIRunner(cfg.Agent, cfg.RateLimit,
		agent.WithRateLimitCallback(func() {
			if sched != nil {
				sched.RateLimitSignal()
			}
		}),
	)

	// The artifact graph lives next to the metrics DB and survives
	// daemon restarts.
	tracePath := filepath.Join(filepath.Dir(cfg.Paths.DBPath), "trace.json")
	graph, err := trace.Load(tracePath)
	if err != nil {
		graph = trace.NewGraph()
	}

	ws := workspace.NewManager(cfg.Paths.WorkspaceDir, workspace.ExecRunner{})
	pipe := pipeline.New(cfg, gh, runner, pipeline.Options{
		Store:        store,
		Prom:         prom,
		EngWorkspace: ws,
		Trace:        graph,
		Logger:       slog.Default(),
	})
	resolver := rules.NewResolver(gh, cfg)

	sched = scheduler.New(cfg, gh, pipe, resolver, scheduler.Options{
		Workspaces: ws,
		Prom:       prom,
		Logger:     slog.Default(),
	})
	return &stack{
		cfg:       cfg,
		gh:        gh,
		sched:     sched,
		pipe:      pipe,
		resolver:  resolver,
		ws:        ws,
		prom:      prom,
		store:     store,
		tracePath: tracePath,
	}, nil
}
