// Package agent runs coding-agent invocations through the claude CLI and
// turns its stream-json output into a single Result, handling rate-limit
// backoff along the way.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/conveyorhq/conveyor/internal/config"
)

// maxRestarts bounds the total invocation attempts when streams keep
// dying without output after rate-limit signals.
const maxRestarts = 6

// Invocation describes one agent run.
type Invocation struct {
	Prompt       string
	SystemPrompt string
	WorkDir      string
	Model        string
	MaxTurns     int
}

// Result is the outcome of an agent run.
type Result struct {
	Text      string
	SessionID string
	CostUSD   float64
	TurnsUsed int
	IsError   bool
}

// Runner executes agent invocations. Interface for testing.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (Result, error)
}

// streamStarter launches one agent process and exposes its stdout stream.
// Interface so tests can feed canned streams.
type streamStarter interface {
	Start(ctx context.Context, inv Invocation) (io.ReadCloser, func() error, error)
}

// CLIRunner invokes the claude CLI.
type CLIRunner struct {
	cfg         config.Agent
	log         *slog.Logger
	start       streamStarter
	sleep       func(ctx context.Context, d time.Duration) error
	onRateLimit func()
	base, max   time.Duration
}

// Option configures a CLIRunner.
type Option func(*CLIRunner)

// WithRateLimitCallback registers a hook fired whenever a rate-limit signal
// is observed in the agent stream.
func WithRateLimitCallback(fn func()) Option {
	return func(r *CLIRunner) { r.onRateLimit = fn }
}

// WithLogger sets the runner's logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *CLIRunner) { r.log = log }
}

// NewCLIRunner creates a runner configured from the agent and rate-limit
// config sections.
func NewCLIRunner(cfg config.Agent, rl config.RateLimit, opts ...Option) *CLIRunner {
	r := &CLIRunner{
		cfg:   cfg,
		log:   slog.Default(),
		sleep: sleepCtx,
		base:  time.Duration(rl.BaseDelaySeconds) * time.Second,
		max:   time.Duration(rl.MaxDelaySeconds) * time.Second,
	}
	r.start = &cliStarter{cfg: cfg}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// rate-limit markers as they appear in agent/SDK error text
var rateLimitMarkers = []string{"rate_limit", "rate limit", "429", "overloaded"}

// IsRateLimited reports whether text carries a rate-limit signal.
func IsRateLimited(text string) bool {
	lower := strings.ToLower(text)
	for _, m := range rateLimitMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// streamEvent is one NDJSON line of claude's stream-json output.
type streamEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	Result    string  `json:"result"`
	SessionID string  `json:"session_id"`
	TotalCost float64 `json:"total_cost_usd"`
	NumTurns  int     `json:"num_turns"`
	IsError   bool    `json:"is_error"`
}

// Run executes the invocation, restarting when the stream dies with no
// output after a rate-limit signal. maxRestarts bounds the total number
// of attempts; each restart notifies the callback and backs off first.
func (r *CLIRunner) Run(ctx context.Context, inv Invocation) (Result, error) {
	bo := NewBackoff(r.base, r.max)
	for attempt := 1; attempt <= maxRestarts; attempt++ {
		res, restart, err := r.runOnce(ctx, inv, bo)
		if err != nil {
			return Result{}, err
		}
		if !restart {
			return res, nil
		}
		if r.onRateLimit != nil {
			r.onRateLimit()
		}
		d := bo.Next()
		r.log.Warn("agent died rate limited, backing off before restart", "attempt", attempt, "delay", d)
		if err := r.sleep(ctx, d); err != nil {
			return Result{}, err
		}
	}
	return Result{}, fmt.Errorf("agent still rate limited after %d attempts", maxRestarts)
}

// runOnce runs one process to completion. The invocation's output is the
// concatenated assistant text; the result event's payload is the fallback
// when the agent streamed nothing. restart is true only when the stream
// produced no output after a rate-limit sighting.
func (r *CLIRunner) runOnce(ctx context.Context, inv Invocation, bo *Backoff) (res Result, restart bool, err error) {
	stream, wait, err := r.start.Start(ctx, inv)
	if err != nil {
		return Result{}, false, fmt.Errorf("starting agent: %w", err)
	}
	defer stream.Close()

	var texts []string
	done := false
	sawRateLimit := false
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			r.log.Debug("skipping unparseable stream line", "error", err)
			continue
		}

		switch ev.Type {
		case "assistant":
			text := assistantText(&ev)
			if IsRateLimited(text) {
				sawRateLimit = true
				if r.onRateLimit != nil {
					r.onRateLimit()
				}
				d := bo.Next()
				r.log.Warn("agent rate limited, backing off", "delay", d)
				if err := r.sleep(ctx, d); err != nil {
					return Result{}, false, err
				}
				continue
			}
			if text != "" {
				texts = append(texts, text)
			}
			bo.Reset()
		case "result":
			res = Result{
				Text:      ev.Result,
				SessionID: ev.SessionID,
				CostUSD:   ev.TotalCost,
				TurnsUsed: ev.NumTurns,
				IsError:   ev.IsError || ev.Subtype != "success",
			}
			done = true
		default:
			// Tool use, system events: the stream is healthy.
			bo.Reset()
		}
	}
	if serr := scanner.Err(); serr != nil {
		r.log.Warn("agent stream read error", "error", serr)
		if IsRateLimited(serr.Error()) {
			sawRateLimit = true
		}
	}
	if werr := wait(); werr != nil && !done {
		r.log.Warn("agent process exited with error", "error", werr)
		if IsRateLimited(werr.Error()) {
			sawRateLimit = true
		}
	}

	joined := strings.Join(texts, "\n")
	switch {
	case done:
		if joined != "" {
			res.Text = joined
		}
		return res, false, nil
	case joined != "":
		// The agent streamed output but the CLI died before emitting its
		// result event; the output is still the outcome of the run.
		return Result{Text: joined}, false, nil
	case sawRateLimit:
		return Result{}, true, nil
	default:
		return Result{Text: "agent stream ended without a result", IsError: true}, false, nil
	}
}

func assistantText(ev *streamEvent) string {
	var parts []string
	for _, c := range ev.Message.Content {
		if c.Type == "text" && c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// cliStarter launches the real claude CLI.
type cliStarter struct {
	cfg config.Agent
}

func (s *cliStarter) Start(ctx context.Context, inv Invocation) (io.ReadCloser, func() error, error) {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
		"--permission-mode", "bypassPermissions",
	}
	model := inv.Model
	if model == "" {
		model = s.cfg.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if inv.MaxTurns > 0 {
		args = append(args, "--max-turns", fmt.Sprintf("%d", inv.MaxTurns))
	}
	if inv.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", inv.SystemPrompt)
	}
	args = append(args, inv.Prompt)

	cmd := exec.CommandContext(ctx, "claude", args...)
	cmd.Dir = inv.WorkDir
	cmd.Env = s.env()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	// Capture stderr so a dying CLI's last words (rate-limit errors
	// included) reach the caller through the wait error.
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	wait := func() error {
		err := cmd.Wait()
		if err != nil && stderr.Len() > 0 {
			return fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return err
	}
	return stdout, wait, nil
}

// env returns the child environment. Bedrock settings are injected into
// the child only; the daemon's own environment is left untouched.
func (s *cliStarter) env() []string {
	env := os.Environ()
	if !s.cfg.UseBedrock {
		return env
	}
	env = append(env, "CLAUDE_CODE_USE_BEDROCK=1")
	if s.cfg.AWSRegion != "" {
		env = append(env, "AWS_REGION="+s.cfg.AWSRegion)
	}
	if s.cfg.AWSProfile != "" {
		env = append(env, "AWS_PROFILE="+s.cfg.AWSProfile)
	}
	if s.cfg.BedrockModel != "" {
		env = append(env, "ANTHROPIC_MODEL="+s.cfg.BedrockModel)
	}
	if s.cfg.BedrockSmallModel != "" {
		env = append(env, "ANTHROPIC_SMALL_FAST_MODEL="+s.cfg.BedrockSmallModel)
	}
	return env
}
