package config

// Config is the top-level configuration parsed from YAML, with CONVEYOR_*
// environment variables overriding individual fields.
type Config struct {
	GitHub    GitHub    `yaml:"github"`
	Agent     Agent     `yaml:"agent"`
	Scheduler Scheduler `yaml:"scheduler"`
	Retries   Retries   `yaml:"retries"`
	RateLimit RateLimit `yaml:"rate_limit"`
	Paths     Paths     `yaml:"paths"`
	Metrics   Metrics   `yaml:"metrics"`
}

// GitHub holds org and repo discovery settings.
type GitHub struct {
	Org             string `yaml:"org"`
	EngineeringRepo string `yaml:"engineering_repo"`
	DefaultBranch   string `yaml:"default_branch"`
	Username        string `yaml:"username"`
	EntryLabel      string `yaml:"entry_label"`
	NotifyTeam      string `yaml:"notify_team"`
}

// Agent configures the claude invocation backend, including the optional
// Bedrock environment injected into child processes only.
type Agent struct {
	Model             string `yaml:"model"`
	UseBedrock        bool   `yaml:"use_bedrock"`
	AWSRegion         string `yaml:"aws_region"`
	AWSProfile        string `yaml:"aws_profile"`
	BedrockModel      string `yaml:"bedrock_model"`
	BedrockSmallModel string `yaml:"bedrock_small_model"`
}

// Scheduler bounds concurrency and polling.
type Scheduler struct {
	MaxConcurrentTickets int `yaml:"max_concurrent_tickets"`
	PollIntervalSeconds  int `yaml:"poll_interval_s"`
}

// Retries holds the per-stage retry ceilings. Exceeding a ceiling moves the
// ticket to the stuck label.
type Retries struct {
	MaxPlan      int `yaml:"max_plan"`
	MaxImplement int `yaml:"max_implement"`
	MaxCIFix     int `yaml:"max_ci_fix"`
	MaxReview    int `yaml:"max_review"`
}

// RateLimit configures agent-call backoff and the global scheduler cooldown.
type RateLimit struct {
	BaseDelaySeconds int `yaml:"base_delay_s"`
	MaxDelaySeconds  int `yaml:"max_delay_s"`
	CooldownSeconds  int `yaml:"cooldown_s"`
}

// Paths locates local state: per-ticket clones and the metrics database.
type Paths struct {
	WorkspaceDir string `yaml:"workspace_dir"`
	DBPath       string `yaml:"db_path"`
}

// Metrics configures the Prometheus listener. Empty Listen disables it.
type Metrics struct {
	Listen string `yaml:"listen"`
}

// EngineeringRepoFull returns "org/engineering-repo".
func (c *Config) EngineeringRepoFull() string {
	return c.GitHub.Org + "/" + c.GitHub.EngineeringRepo
}
