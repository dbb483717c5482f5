package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a configuration from the given YAML file path,
// applies defaults, then applies CONVEYOR_* environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	applyEnv(&cfg)
	return &cfg, nil
}

// LoadDefault searches standard locations and loads the first config found.
// Search order: ./conveyor.yaml, ~/.conveyor/config.yaml. If none exists the
// built-in defaults (plus environment overrides) are returned.
func LoadDefault() (*Config, error) {
	candidates := []string{"conveyor.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".conveyor", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	cfg := &Config{}
	applyDefaults(cfg)
	applyEnv(cfg)
	return cfg, nil
}

// applyDefaults fills zero values with the built-in defaults.
func applyDefaults(cfg *Config) {
	if cfg.GitHub.EngineeringRepo == "" {
		cfg.GitHub.EngineeringRepo = "engineering"
	}
	if cfg.GitHub.DefaultBranch == "" {
		cfg.GitHub.DefaultBranch = "main"
	}
	if cfg.GitHub.EntryLabel == "" {
		cfg.GitHub.EntryLabel = "otto"
	}
	if cfg.Agent.Model == "" {
		cfg.Agent.Model = "sonnet"
	}
	if cfg.Scheduler.MaxConcurrentTickets <= 0 {
		cfg.Scheduler.MaxConcurrentTickets = 3
	}
	if cfg.Scheduler.PollIntervalSeconds <= 0 {
		cfg.Scheduler.PollIntervalSeconds = 30
	}
	if cfg.Retries.MaxPlan <= 0 {
		cfg.Retries.MaxPlan = 2
	}
	if cfg.Retries.MaxImplement <= 0 {
		cfg.Retries.MaxImplement = 2
	}
	if cfg.Retries.MaxCIFix <= 0 {
		cfg.Retries.MaxCIFix = 3
	}
	if cfg.Retries.MaxReview <= 0 {
		cfg.Retries.MaxReview = 5
	}
	if cfg.RateLimit.BaseDelaySeconds <= 0 {
		cfg.RateLimit.BaseDelaySeconds = 60
	}
	if cfg.RateLimit.MaxDelaySeconds <= 0 {
		cfg.RateLimit.MaxDelaySeconds = 600
	}
	if cfg.RateLimit.CooldownSeconds <= 0 {
		cfg.RateLimit.CooldownSeconds = 300
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	if cfg.Paths.WorkspaceDir == "" {
		cfg.Paths.WorkspaceDir = filepath.Join(home, ".conveyor", "workspaces")
	}
	if cfg.Paths.DBPath == "" {
		cfg.Paths.DBPath = filepath.Join(home, ".conveyor", "conveyor.db")
	}
}

// applyEnv overrides fields from CONVEYOR_* environment variables. Only the
// settings an operator plausibly flips per deployment are exposed.
func applyEnv(cfg *Config) {
	setStr := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setStr("CONVEYOR_GITHUB_ORG", &cfg.GitHub.Org)
	setStr("CONVEYOR_GITHUB_ENGINEERING_REPO", &cfg.GitHub.EngineeringRepo)
	setStr("CONVEYOR_GITHUB_USERNAME", &cfg.GitHub.Username)
	setStr("CONVEYOR_GITHUB_ENTRY_LABEL", &cfg.GitHub.EntryLabel)
	setStr("CONVEYOR_GITHUB_NOTIFY_TEAM", &cfg.GitHub.NotifyTeam)
	setStr("CONVEYOR_AGENT_MODEL", &cfg.Agent.Model)
	setBool("CONVEYOR_USE_BEDROCK", &cfg.Agent.UseBedrock)
	setStr("CONVEYOR_AWS_REGION", &cfg.Agent.AWSRegion)
	setStr("CONVEYOR_AWS_PROFILE", &cfg.Agent.AWSProfile)
	setStr("CONVEYOR_BEDROCK_MODEL", &cfg.Agent.BedrockModel)
	setStr("CONVEYOR_BEDROCK_SMALL_MODEL", &cfg.Agent.BedrockSmallModel)
	setInt("CONVEYOR_MAX_CONCURRENT_TICKETS", &cfg.Scheduler.MaxConcurrentTickets)
	setInt("CONVEYOR_POLL_INTERVAL_S", &cfg.Scheduler.PollIntervalSeconds)
	setInt("CONVEYOR_RATE_LIMIT_BASE_DELAY_S", &cfg.RateLimit.BaseDelaySeconds)
	setInt("CONVEYOR_RATE_LIMIT_MAX_DELAY_S", &cfg.RateLimit.MaxDelaySeconds)
	setInt("CONVEYOR_RATE_LIMIT_COOLDOWN_S", &cfg.RateLimit.CooldownSeconds)
	setStr("CONVEYOR_WORKSPACE_DIR", &cfg.Paths.WorkspaceDir)
	setStr("CONVEYOR_DB_PATH", &cfg.Paths.DBPath)
	setStr("CONVEYOR_METRICS_LISTEN", &cfg.Metrics.Listen)
}

// Validate checks a Config for semantic errors. It returns all problems
// found (empty if valid).
func Validate(cfg *Config) []error {
	var errs []error
	if cfg.GitHub.Org == "" {
		errs = append(errs, fmt.Errorf("github.org: is required"))
	}
	if cfg.Scheduler.MaxConcurrentTickets < 1 {
		errs = append(errs, fmt.Errorf("scheduler.max_concurrent_tickets: must be at least 1"))
	}
	if cfg.RateLimit.MaxDelaySeconds < cfg.RateLimit.BaseDelaySeconds {
		errs = append(errs, fmt.Errorf("rate_limit.max_delay_s: must be >= base_delay_s"))
	}
	return errs
}
