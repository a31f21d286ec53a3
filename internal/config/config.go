// Package config loads and validates the orchestrator's hierarchical
// YAML configuration. Grounded on the teacher's internal/config package:
// same yaml.v3-backed Load/parse shape, same Duration-from-string type,
// generalized from a single "concerns" pipeline to the full schema in
// spec.md §6.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Claude        ClaudeConfig        `yaml:"claude"`
	Orchestrator  OrchestratorConfig  `yaml:"orchestrator"`
	Validation    ValidationConfig    `yaml:"validation"`
	Discovery     DiscoveryConfig     `yaml:"discovery"`
	Safety        SafetyConfig        `yaml:"safety"`
	Paths         PathsConfig         `yaml:"paths"`
	Parallel      ParallelConfig      `yaml:"parallel"`
	AgentPipeline AgentPipelineConfig `yaml:"agent_pipeline"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// Duration wraps time.Duration for YAML unmarshaling from strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// ClaudeConfig configures the external tool runner (C3).
type ClaudeConfig struct {
	Command             string     `yaml:"command"`
	Model               string     `yaml:"model"`
	ResolvedModel        string     `yaml:"resolved_model,omitempty"`
	MaxTurns            int        `yaml:"max_turns"`
	TimeoutSeconds      int        `yaml:"timeout_seconds"`
	MaxRetries          int        `yaml:"max_retries"`
	RetryDelays         []int      `yaml:"retry_delays"`
	RateLimitBaseDelay  float64    `yaml:"rate_limit_base_delay"`
	RateLimitMultiplier float64    `yaml:"rate_limit_multiplier"`
	CircuitBreaker      CircuitCfg `yaml:"circuit_breaker"`
}

// CircuitCfg configures C3's circuit breaker.
type CircuitCfg struct {
	FailureThreshold int     `yaml:"failure_threshold"`
	RecoveryTimeout  float64 `yaml:"recovery_timeout"`
	HalfOpenMaxCalls int     `yaml:"half_open_max_calls"`
}

// OrchestratorConfig configures the top-level loop and cycle shape.
type OrchestratorConfig struct {
	LoopIntervalSeconds int      `yaml:"loop_interval_seconds"`
	MaxChangedFiles     int      `yaml:"max_changed_files"`
	SelfImprove         bool     `yaml:"self_improve"`
	PushAfterCommit     bool     `yaml:"push_after_commit"`
	PlanChanges         bool     `yaml:"plan_changes"`
	BatchMode           bool     `yaml:"batch_mode"`
	MaxTasksPerCycle    int      `yaml:"max_tasks_per_cycle"`
	MaxBatchSize        int      `yaml:"max_batch_size"`
	MaxFeedbackRetries  int      `yaml:"max_feedback_retries"`
	SourceExtensions    []string `yaml:"source_extensions"`
}

// ValidationConfig configures C6.
type ValidationConfig struct {
	LintCommand   string `yaml:"lint_command"`
	LintTimeout   int    `yaml:"lint_timeout"`
	TestCommand   string `yaml:"test_command"`
	TestTimeout   int    `yaml:"test_timeout"`
	BuildCommand  string `yaml:"build_command"`
	BuildTimeout  int    `yaml:"build_timeout"`
}

// DiscoveryConfig configures the (out-of-scope) task-discovery layer's
// shape — only the options the core needs to pass through are modeled.
type DiscoveryConfig struct {
	EnableTestFailures bool     `yaml:"enable_test_failures"`
	EnableLint         bool     `yaml:"enable_lint"`
	EnableTODOs        bool     `yaml:"enable_todos"`
	EnableCoverage     bool     `yaml:"enable_coverage"`
	EnableClaudeIdeas  bool     `yaml:"enable_claude_ideas"`
	TODOPatterns       []string `yaml:"todo_patterns"`
	ExcludeDirs        []string `yaml:"exclude_dirs"`
	MaxTODOTasks       int      `yaml:"max_todo_tasks"`
	Model              string   `yaml:"discovery_model"`
	MaxTurns           int      `yaml:"discovery_max_turns"`
	TimeoutSeconds     int      `yaml:"discovery_timeout"`
	Prompt             string   `yaml:"discovery_prompt"`
}

// SafetyConfig configures C5.
type SafetyConfig struct {
	MaxConsecutiveFailures int      `yaml:"max_consecutive_failures"`
	MaxCyclesPerHour       int      `yaml:"max_cycles_per_hour"`
	MaxCostUSDPerHour      float64  `yaml:"max_cost_usd_per_hour"`
	MinDiskSpaceMB         int      `yaml:"min_disk_space_mb"`
	ProtectedFiles         []string `yaml:"protected_files"`
	MaxHistoryRecords      int      `yaml:"max_history_records"`
}

// PathsConfig configures the on-disk layout.
type PathsConfig struct {
	FeedbackDir       string `yaml:"feedback_dir"`
	FeedbackDoneDir   string `yaml:"feedback_done_dir"`
	FeedbackFailedDir string `yaml:"feedback_failed_dir"`
	StateDir          string `yaml:"state_dir"`
	HistoryFile       string `yaml:"history_file"`
	LockFile          string `yaml:"lock_file"`
	BackupDir         string `yaml:"backup_dir"`
	AgentWorkspaceDir string `yaml:"agent_workspace_dir"`
}

// ParallelConfig configures the coordinator's worker pool (C10).
type ParallelConfig struct {
	Enabled         bool   `yaml:"enabled"`
	MaxWorkers      int    `yaml:"max_workers"`
	WorktreeBaseDir string `yaml:"worktree_base_dir"`
	MergeStrategy   string `yaml:"merge_strategy"` // "merge" | "rebase"
	MaxMergeRetries int    `yaml:"max_merge_retries"`
	CleanupOnExit   bool   `yaml:"cleanup_on_exit"`
	CleanupTimeout  int    `yaml:"cleanup_timeout"`
}

// AgentRoleConfig configures a single role in the agent sub-pipeline.
type AgentRoleConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Model          string `yaml:"model"`
	MaxTurns       int    `yaml:"max_turns"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// AgentPipelineConfig configures C8.
type AgentPipelineConfig struct {
	Enabled            bool            `yaml:"enabled"`
	MaxRevisions       int             `yaml:"max_revisions"`
	MaxPipelineCostUSD float64         `yaml:"max_pipeline_cost_usd"`
	Planner            AgentRoleConfig `yaml:"planner"`
	Coder              AgentRoleConfig `yaml:"coder"`
	Tester             AgentRoleConfig `yaml:"tester"`
	Reviewer           AgentRoleConfig `yaml:"reviewer"`
}

// WebhookConfig is one notification fan-out target.
type WebhookConfig struct {
	URL  string `yaml:"url"`
	Type string `yaml:"type"` // "slack" | "discord" | "generic"
	Name string `yaml:"name"`
}

// NotificationEvents toggles per-event notification delivery.
type NotificationEvents struct {
	OnCycleSuccess               bool `yaml:"on_cycle_success"`
	OnCycleFailure                bool `yaml:"on_cycle_failure"`
	OnConsecutiveFailureThreshold bool `yaml:"on_consecutive_failure_threshold"`
	OnCostLimitExceeded           bool `yaml:"on_cost_limit_exceeded"`
	OnSafetyError                 bool `yaml:"on_safety_error"`
}

// NotificationsConfig configures C12.
type NotificationsConfig struct {
	Enabled  bool               `yaml:"enabled"`
	Webhooks []WebhookConfig    `yaml:"webhooks"`
	Events   NotificationEvents `yaml:"events"`
	DedupWindowSeconds int      `yaml:"dedup_window_seconds"`
}

// LoggingConfig configures the ambient structured-logging stack.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	File        string `yaml:"file"`
	MaxBytes    int    `yaml:"max_bytes"`
	BackupCount int    `yaml:"backup_count"`
}

// Load reads and parses a YAML config file, applying defaults for any
// zero-valued fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// applyDefaults fills zero-valued fields with the orchestrator's
// defaults, mirroring the teacher's parse()'s post-unmarshal fixups.
func applyDefaults(cfg *Config) {
	if cfg.Claude.Command == "" {
		cfg.Claude.Command = "claude"
	}
	if cfg.Claude.Model == "" {
		cfg.Claude.Model = "opus"
	}
	if cfg.Claude.MaxTurns == 0 {
		cfg.Claude.MaxTurns = 40
	}
	if cfg.Claude.TimeoutSeconds == 0 {
		cfg.Claude.TimeoutSeconds = 1800
	}
	if cfg.Claude.MaxRetries == 0 {
		cfg.Claude.MaxRetries = 3
	}
	if len(cfg.Claude.RetryDelays) == 0 {
		cfg.Claude.RetryDelays = []int{2, 8, 32}
	}
	if cfg.Claude.RateLimitBaseDelay == 0 {
		cfg.Claude.RateLimitBaseDelay = 5
	}
	if cfg.Claude.RateLimitMultiplier == 0 {
		cfg.Claude.RateLimitMultiplier = 3
	}
	if cfg.Claude.CircuitBreaker.FailureThreshold == 0 {
		cfg.Claude.CircuitBreaker.FailureThreshold = 5
	}
	if cfg.Claude.CircuitBreaker.RecoveryTimeout == 0 {
		cfg.Claude.CircuitBreaker.RecoveryTimeout = 300
	}
	if cfg.Claude.CircuitBreaker.HalfOpenMaxCalls == 0 {
		cfg.Claude.CircuitBreaker.HalfOpenMaxCalls = 1
	}

	if cfg.Orchestrator.LoopIntervalSeconds == 0 {
		cfg.Orchestrator.LoopIntervalSeconds = 300
	}
	if cfg.Orchestrator.MaxChangedFiles == 0 {
		cfg.Orchestrator.MaxChangedFiles = 20
	}
	if cfg.Orchestrator.MaxTasksPerCycle == 0 {
		cfg.Orchestrator.MaxTasksPerCycle = 10
	}
	if cfg.Orchestrator.MaxBatchSize == 0 {
		cfg.Orchestrator.MaxBatchSize = 3
	}
	if cfg.Orchestrator.MaxFeedbackRetries == 0 {
		cfg.Orchestrator.MaxFeedbackRetries = 3
	}

	if cfg.Safety.MaxConsecutiveFailures == 0 {
		cfg.Safety.MaxConsecutiveFailures = 5
	}
	if cfg.Safety.MaxCyclesPerHour == 0 {
		cfg.Safety.MaxCyclesPerHour = 20
	}
	if cfg.Safety.MaxCostUSDPerHour == 0 {
		cfg.Safety.MaxCostUSDPerHour = 10
	}
	if cfg.Safety.MinDiskSpaceMB == 0 {
		cfg.Safety.MinDiskSpaceMB = 500
	}
	if cfg.Safety.MaxHistoryRecords == 0 {
		cfg.Safety.MaxHistoryRecords = 1000
	}

	if cfg.Paths.StateDir == "" {
		cfg.Paths.StateDir = ".autoforge/state"
	}
	if cfg.Paths.FeedbackDir == "" {
		cfg.Paths.FeedbackDir = "feedback"
	}
	if cfg.Paths.FeedbackDoneDir == "" {
		cfg.Paths.FeedbackDoneDir = "feedback/done"
	}
	if cfg.Paths.FeedbackFailedDir == "" {
		cfg.Paths.FeedbackFailedDir = "feedback/failed"
	}
	if cfg.Paths.HistoryFile == "" {
		cfg.Paths.HistoryFile = "history.json"
	}
	if cfg.Paths.LockFile == "" {
		cfg.Paths.LockFile = "lock.pid"
	}
	if cfg.Paths.AgentWorkspaceDir == "" {
		cfg.Paths.AgentWorkspaceDir = ".autoforge/workspace"
	}

	if cfg.Parallel.MaxWorkers == 0 {
		cfg.Parallel.MaxWorkers = 3
	}
	if cfg.Parallel.WorktreeBaseDir == "" {
		cfg.Parallel.WorktreeBaseDir = ".autoforge/worktrees"
	}
	if cfg.Parallel.MergeStrategy == "" {
		cfg.Parallel.MergeStrategy = "merge"
	}
	if cfg.Parallel.MaxMergeRetries == 0 {
		cfg.Parallel.MaxMergeRetries = 3
	}
	if cfg.Parallel.CleanupTimeout == 0 {
		cfg.Parallel.CleanupTimeout = 60
	}

	if cfg.AgentPipeline.MaxRevisions == 0 {
		cfg.AgentPipeline.MaxRevisions = 2
	}

	if cfg.Notifications.DedupWindowSeconds == 0 {
		cfg.Notifications.DedupWindowSeconds = 60
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate checks structural invariants and returns all violations found.
func Validate(cfg *Config) []error {
	var errs []error

	if cfg.Claude.Command == "" {
		errs = append(errs, fmt.Errorf("claude.command is required"))
	}
	if cfg.Parallel.MaxWorkers < 0 {
		errs = append(errs, fmt.Errorf("parallel.max_workers must be >= 0"))
	}
	if cfg.Parallel.MergeStrategy != "merge" && cfg.Parallel.MergeStrategy != "rebase" {
		errs = append(errs, fmt.Errorf("parallel.merge_strategy must be %q or %q", "merge", "rebase"))
	}
	if cfg.Orchestrator.MaxChangedFiles <= 0 {
		errs = append(errs, fmt.Errorf("orchestrator.max_changed_files must be a positive integer"))
	}
	for i, w := range cfg.Notifications.Webhooks {
		if w.URL == "" {
			errs = append(errs, fmt.Errorf("notifications.webhooks[%d]: url is required", i))
		}
		switch w.Type {
		case "slack", "discord", "generic":
		default:
			errs = append(errs, fmt.Errorf("notifications.webhooks[%d]: unknown type %q", i, w.Type))
		}
	}
	return errs
}
