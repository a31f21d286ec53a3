package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/autoforge/autoforge/internal/config"
	"github.com/autoforge/autoforge/internal/coordinator"
	"github.com/autoforge/autoforge/internal/cyclestate"
	"github.com/autoforge/autoforge/internal/discovery"
	"github.com/autoforge/autoforge/internal/feedback"
	"github.com/autoforge/autoforge/internal/gitops"
	"github.com/autoforge/autoforge/internal/history"
	"github.com/autoforge/autoforge/internal/logging"
	"github.com/autoforge/autoforge/internal/loop"
	"github.com/autoforge/autoforge/internal/notify"
	"github.com/autoforge/autoforge/internal/orchestrator"
	"github.com/autoforge/autoforge/internal/pipeline"
	"github.com/autoforge/autoforge/internal/safety"
	"github.com/autoforge/autoforge/internal/toolrunner"
	"github.com/autoforge/autoforge/internal/validator"
)

var runOnce bool

func init() {
	runCmd.Flags().BoolVar(&runOnce, "once", false, "run a single cycle and exit")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestrator loop",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadAndValidateConfig(configPath)
		if err != nil {
			return err
		}

		repoDir, err := resolveRepo(configPath)
		if err != nil {
			return err
		}

		runner, guard, logger, err := wireRun(cfg, repoDir)
		if err != nil {
			return err
		}

		interval := time.Duration(cfg.Orchestrator.LoopIntervalSeconds) * time.Second
		return loop.Run(cmd.Context(), runner, guard, loop.Options{Interval: interval, Once: runOnce}, logger)
	},
}

// wireRun builds every collaborator C1-C12 need and assembles either the
// coordinator (parallel.enabled) or the single-worker orchestrator,
// returning it as a loop.Runner alongside the safety guard the loop
// must hold for its lifetime.
func wireRun(cfg *config.Config, repoDir string) (loop.Runner, *safety.Guard, *log.Logger, error) {
	logger := logging.New(os.Stderr, logging.ParseLevel(cfg.Logging.Level))

	repo := gitops.NewRepo(repoDir)
	if err := repo.ExcludePaths(scratchExcludes(cfg)); err != nil && logger != nil {
		logger.Warn("excluding internal state directories from git", "error", err)
	}

	histPath := statePath(repoDir, cfg.Paths.HistoryFile)
	hist := history.NewStore(histPath, filepath.Join(statePath(repoDir, cfg.Paths.StateDir), "history.lock"), cfg.Safety.MaxHistoryRecords)

	guard := safety.NewGuard(statePath(repoDir, cfg.Paths.LockFile), cfg.Safety, hist)
	states := cyclestate.NewStore(statePath(repoDir, cfg.Paths.StateDir))
	fb := feedback.NewManager(statePath(repoDir, cfg.Paths.FeedbackDir), statePath(repoDir, cfg.Paths.FeedbackDoneDir))

	breaker := toolrunner.NewCircuitBreaker(
		cfg.Claude.CircuitBreaker.FailureThreshold,
		durationFromSeconds(cfg.Claude.CircuitBreaker.RecoveryTimeout),
		cfg.Claude.CircuitBreaker.HalfOpenMaxCalls,
	)
	toolRunner := toolrunner.NewRunner(
		cfg.Claude.MaxRetries,
		durationFromSeconds(cfg.Claude.RateLimitBaseDelay),
		cfg.Claude.RateLimitMultiplier,
		breaker,
		logging.WithPrefix(logger, "tool"),
	)

	v := validator.New(cfg.Validation)
	source := discovery.NewTODOSource(repoDir, cfg.Discovery)

	notifier, err := notify.New(cfg.Notifications, statePath(repoDir, cfg.Paths.StateDir), logging.WithPrefix(logger, "notify"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("wiring notifications: %w", err)
	}

	if cfg.Parallel.Enabled && cfg.Parallel.MaxWorkers > 1 {
		c := coordinator.New(repo, cfg, guard, hist, states, fb, source, toolRunner, v, notifier, logging.WithPrefix(logger, "coordinator"))
		return c, guard, logger, nil
	}

	var pipe *pipeline.Pipeline
	if cfg.AgentPipeline.Enabled {
		pipe = pipeline.New(cfg.AgentPipeline, cfg.Claude, toolRunner, repo, v, statePath(repoDir, cfg.Paths.AgentWorkspaceDir), cfg.Safety.ProtectedFiles, cfg.Safety.MaxCostUSDPerHour, logging.WithPrefix(logger, "pipeline"))
	}
	o := orchestrator.New(repo, cfg, guard, hist, states, fb, source, toolRunner, v, pipe, notifier, logging.WithPrefix(logger, "orchestrator"))
	return o, guard, logger, nil
}

// statePath resolves a configured path relative to the repo root when
// it isn't already absolute, so relative config values behave the same
// regardless of the directory autoforge is invoked from.
func statePath(repoDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(repoDir, p)
}

func durationFromSeconds(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

// scratchExcludes lists the configured paths that live under the repo
// root purely as our own bookkeeping (state, agent workspace, worker
// worktrees) rather than project content, anchored so only the
// repo-root copy is excluded. Paths configured outside the repo need
// no exclusion.
func scratchExcludes(cfg *config.Config) []string {
	var patterns []string
	for _, p := range []string{cfg.Paths.StateDir, cfg.Paths.AgentWorkspaceDir, cfg.Parallel.WorktreeBaseDir, cfg.Paths.LockFile, cfg.Paths.FeedbackDir} {
		if p != "" && !filepath.IsAbs(p) {
			patterns = append(patterns, "/"+filepath.ToSlash(p))
		}
	}
	return patterns
}
