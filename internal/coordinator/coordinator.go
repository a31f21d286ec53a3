// Package coordinator implements C10: the multi-worker parallel cycle.
// One pre-flight safety check gathers a cycle's tasks, partitions them
// into per-worker groups, runs each group in its own git worktree via
// internal/worker, then serially folds the successful branches back
// into the original branch before a bounded, best-effort cleanup.
//
// No teacher file generalizes directly — re-cinq-detergent's
// internal/engine.go watches one long-lived branch per "concern"
// rather than dispatching ephemeral per-cycle worktrees — but its
// per-level fan-out (processConcern spawned per independent concern
// via a bare sync.WaitGroup, one goroutine per concern with no cap) is
// the shape this package adapts, replacing the teacher's unbounded
// WaitGroup with errgroup.SetLimit so a cycle with many groups can't
// spawn more concurrent workers than parallel.max_workers allows, an
// idiom grounded on AbdelazizMoustafa10m-Raven's internal/prd/worker.go.
package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/autoforge/autoforge/internal/config"
	"github.com/autoforge/autoforge/internal/costpredict"
	"github.com/autoforge/autoforge/internal/cyclestate"
	"github.com/autoforge/autoforge/internal/feedback"
	"github.com/autoforge/autoforge/internal/gitops"
	"github.com/autoforge/autoforge/internal/history"
	"github.com/autoforge/autoforge/internal/model"
	"github.com/autoforge/autoforge/internal/notify"
	"github.com/autoforge/autoforge/internal/pipeline"
	"github.com/autoforge/autoforge/internal/safety"
	"github.com/autoforge/autoforge/internal/taskkey"
	"github.com/autoforge/autoforge/internal/toolrunner"
	"github.com/autoforge/autoforge/internal/validator"
	"github.com/autoforge/autoforge/internal/worker"
)

// cleanupBudget bounds how long the coordinator waits for a single
// worker's worktree teardown before giving up on it, per spec.md
// §5.10.1 — an abandoned worktree is swept up by the trailing
// PruneWorktrees pass regardless.
const cleanupBudget = 30 * time.Second

// recentAttemptWindow bounds how long a discovered task is skipped
// after it was last attempted, mirroring the original implementation's
// hardcoded one-hour lookback.
const recentAttemptWindow = time.Hour

// group is one unit of dispatch: the tasks handed to a single worker,
// plus the feedback claim marker (if any) whose fate depends on that
// worker's outcome.
type group struct {
	tasks       []model.Task
	claimedPath string // non-empty only for a claimed feedback item
}

// Coordinator runs C10.
type Coordinator struct {
	repo     *gitops.Repo
	cfg      *config.Config
	guard    *safety.Guard
	hist     *history.Store
	states   *cyclestate.Store
	feedback *feedback.Manager
	source   model.TaskSource
	runner   *toolrunner.Runner
	valid    *validator.Validator
	notifier *notify.Dispatcher // nil-safe: never required
	logger   *log.Logger
}

// New builds a Coordinator. notifier may be nil, in which case no
// webhook notifications are sent.
func New(
	repo *gitops.Repo,
	cfg *config.Config,
	guard *safety.Guard,
	hist *history.Store,
	states *cyclestate.Store,
	fb *feedback.Manager,
	source model.TaskSource,
	runner *toolrunner.Runner,
	v *validator.Validator,
	notifier *notify.Dispatcher,
	logger *log.Logger,
) *Coordinator {
	return &Coordinator{
		repo:     repo,
		cfg:      cfg,
		guard:    guard,
		hist:     hist,
		states:   states,
		feedback: fb,
		source:   source,
		runner:   runner,
		valid:    v,
		notifier: notifier,
		logger:   logger,
	}
}

// notify is a nil-safe wrapper so call sites don't need to guard every
// dispatch against an absent notifier.
func (c *Coordinator) notify(event string, details map[string]interface{}) {
	if c.notifier != nil {
		c.notifier.Notify(event, details)
	}
}

// dispatched pairs a finished worker with the group it ran and the
// WorkerResult it produced, so later stages (merge, history, feedback
// resolution) don't need to re-derive anything from the worker itself.
type dispatched struct {
	w      *worker.Worker
	group  group
	result model.WorkerResult
}

// RunCycle runs one full parallel cycle: pre-flight, gather, partition,
// dispatch, merge, record, clean up. It returns an error only for
// conditions that abort the cycle outright (safety pre-flight, task
// gathering); individual worker failures are recorded in history and
// never surface as a returned error.
func (c *Coordinator) RunCycle(ctx context.Context) error {
	if err := c.guard.CheckPreFlight(c.repo.Dir); err != nil {
		c.notifyPreFlightFailure(err)
		return fmt.Errorf("coordinator: pre-flight check failed: %w", err)
	}

	feedbackItems, err := c.feedback.PendingFeedback()
	if err != nil {
		return fmt.Errorf("coordinator: gathering feedback: %w", err)
	}
	discovered, err := c.source.GatherTasks(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: gathering tasks: %w", err)
	}
	for i := range discovered {
		discovered[i].Sanitize()
		if discovered[i].TaskKey == "" {
			discovered[i].TaskKey = taskkey.Derive(discovered[i])
		}
	}
	discovered = c.dropRecentlyAttempted(discovered)

	maxWorkers := c.cfg.Parallel.MaxWorkers
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	groups := partitionTasks(feedbackItems, discovered, maxWorkers, c.cfg.Orchestrator.MaxBatchSize, c.cfg.Orchestrator.MaxTasksPerCycle)
	groups = c.claimFeedback(groups)
	if len(groups) == 0 {
		return nil
	}

	c.checkCostBudget(groups)

	originalBranch, err := c.repo.GetCurrentBranch()
	if err != nil {
		return fmt.Errorf("coordinator: reading current branch: %w", err)
	}

	results := c.dispatch(ctx, groups, maxWorkers)

	for _, d := range results {
		c.finishGroup(ctx, originalBranch, d)
	}

	workers := make([]*worker.Worker, 0, len(results))
	for _, d := range results {
		if d.w != nil {
			workers = append(workers, d.w)
		}
	}
	c.cleanupWorkers(workers)

	return nil
}

// dropRecentlyAttempted filters out discovered tasks whose key was
// attempted within the recent-attempt window, so a task that keeps
// failing validation isn't rediscovered and retried every cycle.
func (c *Coordinator) dropRecentlyAttempted(tasks []model.Task) []model.Task {
	kept := tasks[:0]
	for _, t := range tasks {
		recent, err := c.hist.WasRecentlyAttempted(t.TaskKey, recentAttemptWindow)
		if err != nil {
			if c.logger != nil {
				c.logger.Warn("checking recent-attempt history", "task_key", t.TaskKey, "error", err)
			}
			kept = append(kept, t)
			continue
		}
		if recent {
			continue
		}
		kept = append(kept, t)
	}
	return kept
}

// dispatch runs every group's worker concurrently, bounded by
// maxWorkers via errgroup.SetLimit. A worker failure is data, not a
// dispatch error, so the errgroup's own error return is unused.
func (c *Coordinator) dispatch(ctx context.Context, groups []group, maxWorkers int) []dispatched {
	results := make([]dispatched, len(groups))
	pipeFactory := c.pipelineFactory()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxWorkers)
	for i, grp := range groups {
		i, grp := i, grp
		g.Go(func() error {
			w := worker.New(i, c.repo, c.cfg, c.guard, c.states, c.runner, c.valid, pipeFactory, c.logger)
			results[i] = dispatched{w: w, group: grp, result: w.Execute(gctx, grp.tasks)}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// pipelineFactory returns a per-worker pipeline constructor, or nil
// when the agent sub-pipeline is disabled. Each worker calls this only
// after its own worktree exists, so every pipeline instance snapshots
// and rolls back against that worker's working tree, not the main repo
// or another worker's.
func (c *Coordinator) pipelineFactory() func(workspaceDir string, repo *gitops.Repo) *pipeline.Pipeline {
	if !c.cfg.AgentPipeline.Enabled {
		return nil
	}
	return func(workspaceDir string, repo *gitops.Repo) *pipeline.Pipeline {
		return pipeline.New(c.cfg.AgentPipeline, c.cfg.Claude, c.runner, repo, c.valid, workspaceDir, c.cfg.Safety.ProtectedFiles, c.cfg.Safety.MaxCostUSDPerHour, c.logger)
	}
}

// claimFeedback renames each feedback group's source file to a claim
// marker, dropping any group whose claim loses a race to a concurrent
// coordinator (e.g. two instances sharing a feedback directory).
func (c *Coordinator) claimFeedback(groups []group) []group {
	out := groups[:0]
	for _, g := range groups {
		if g.claimedPath == "" {
			out = append(out, g)
			continue
		}
		claimed, err := c.feedback.Claim(g.claimedPath)
		if err != nil {
			if c.logger != nil {
				c.logger.Warn("claiming feedback item", "path", g.claimedPath, "error", err)
			}
			continue
		}
		g.claimedPath = claimed
		out = append(out, g)
	}
	return out
}

// notifyPreFlightFailure distinguishes the consecutive-failure-ceiling
// case from every other pre-flight rejection by its message text — the
// safety package reports both as the same *safety.Error type, so the
// wording is the only signal available at this layer.
func (c *Coordinator) notifyPreFlightFailure(err error) {
	if strings.Contains(err.Error(), "consecutive failures") {
		c.notify(notify.EventConsecutiveFailureThreshold, map[string]interface{}{"reason": err.Error()})
		return
	}
	c.notify(notify.EventSafetyError, map[string]interface{}{"reason": err.Error()})
}

// checkCostBudget logs and notifies (never blocks, per spec.md §9's
// Open Question) when a group's estimated cost would push the hourly
// spend over safety.max_cost_usd_per_hour.
func (c *Coordinator) checkCostBudget(groups []group) {
	if c.cfg.Safety.MaxCostUSDPerHour <= 0 {
		return
	}
	spent, err := c.hist.CostLastHour()
	if err != nil {
		return
	}
	modelAlias := c.cfg.Claude.ResolvedModel
	if modelAlias == "" {
		modelAlias = c.cfg.Claude.Model
	}
	for _, g := range groups {
		allowed, estimated, remaining := costpredict.CheckCostBudget(g.tasks, modelAlias, costpredict.Budget{MaxCostUSDPerHour: c.cfg.Safety.MaxCostUSDPerHour}, spent)
		if allowed {
			continue
		}
		if c.logger != nil {
			c.logger.Warn(costpredict.WarningMessage(estimated, remaining))
		}
		c.notify(notify.EventCostLimitExceeded, map[string]interface{}{
			"estimated_cost_usd": estimated,
			"remaining_budget":   remaining,
		})
	}
}

// finishGroup merges a successful worker's branch, records the cycle,
// and resolves the feedback claim (if any) based on the final outcome.
func (c *Coordinator) finishGroup(ctx context.Context, originalBranch string, d dispatched) {
	rec := cycleRecord(d.result)

	if d.result.Success {
		merged, err := c.mergeBranch(ctx, originalBranch, d.w.WorktreePath(), d.result.BranchName)
		if !merged {
			rec.Success = false
			rec.Error = fmt.Sprintf("merge failed: %v", err)
			if c.logger != nil {
				c.logger.Error("merging worker branch", "branch", d.result.BranchName, "error", err)
			}
		}
	}

	if err := c.hist.Append(rec); err != nil && c.logger != nil {
		c.logger.Warn("appending cycle history", "error", err)
	}

	if rec.Success {
		c.notify(notify.EventCycleSuccess, map[string]interface{}{"description": taskSummary(rec), "commit": rec.CommitHash})
	} else {
		c.notify(notify.EventCycleFailure, map[string]interface{}{"description": taskSummary(rec), "error": rec.Error})
	}

	c.resolveFeedback(d.group, rec.Success)
}

// taskSummary renders a short human-readable description of a cycle
// record's task(s) for notification payloads.
func taskSummary(rec model.CycleRecord) string {
	if rec.BatchSize <= 1 {
		return rec.Description
	}
	return fmt.Sprintf("%d tasks", rec.BatchSize)
}

// resolveFeedback files a claimed feedback item as done, permanently
// failed (once the safety guard's per-task ceiling is exceeded), or
// unclaimed for a later retry.
func (c *Coordinator) resolveFeedback(g group, success bool) {
	if g.claimedPath == "" {
		return
	}
	if success {
		if err := c.feedback.MarkDone(g.claimedPath); err != nil && c.logger != nil {
			c.logger.Warn("marking feedback done", "error", err)
		}
		return
	}

	var taskKey string
	if len(g.tasks) > 0 {
		taskKey = g.tasks[0].TaskKey
	}
	if err := c.guard.CheckTaskFailureCeiling(taskKey, c.cfg.Orchestrator.MaxFeedbackRetries); err != nil {
		if ferr := c.feedback.Fail(g.claimedPath, c.cfg.Paths.FeedbackFailedDir); ferr != nil && c.logger != nil {
			c.logger.Warn("moving feedback to failed dir", "error", ferr)
		}
		return
	}
	if err := c.feedback.Unclaim(g.claimedPath); err != nil && c.logger != nil {
		c.logger.Warn("unclaiming feedback", "error", err)
	}
}

// mergeBranch folds a worker's branch back into the main repo's
// current HEAD, per spec.md §5.10.1: fast-forward first; failing that,
// either a retried normal merge or a rebase-then-revalidate, depending
// on parallel.merge_strategy.
func (c *Coordinator) mergeBranch(ctx context.Context, originalBranch, worktreePath, branch string) (bool, error) {
	if err := c.repo.MergeFFOnly(branch); err == nil {
		return true, nil
	}

	if c.cfg.Parallel.MergeStrategy == "rebase" {
		return c.mergeViaRebase(ctx, originalBranch, worktreePath, branch)
	}
	return c.mergeViaRetry(branch)
}

// mergeViaRetry performs a normal (possibly non-fast-forward) merge,
// retrying up to max_merge_retries times. MergeBranch already aborts a
// conflicting attempt before returning, so each retry starts clean.
func (c *Coordinator) mergeViaRetry(branch string) (bool, error) {
	retries := c.cfg.Parallel.MaxMergeRetries
	if retries < 1 {
		retries = 1
	}
	message := fmt.Sprintf("Merge %s", branch)
	var lastErr error
	for i := 0; i < retries; i++ {
		if err := c.repo.MergeBranch(branch, message); err != nil {
			lastErr = err
			continue
		}
		return true, nil
	}
	return false, lastErr
}

// mergeViaRebase rebases the worker's branch onto the current original
// branch inside its own worktree, re-runs validation against the
// rebased tree (a rebase can silently break what the worker already
// validated against a now-stale base), and only then fast-forwards the
// main repo onto it. A failed rebase leaves the worktree hard-reset to
// the original branch (RebaseOnto's conflict fallback); a failed
// re-validation or fast-forward hard-resets it back to its pre-rebase
// commit. Either way the branch is abandoned rather than retried —
// auto-generated branches are cheap to regenerate next cycle.
func (c *Coordinator) mergeViaRebase(ctx context.Context, originalBranch, worktreePath, branch string) (bool, error) {
	wtRepo := gitops.NewRepo(worktreePath)
	preRebase, err := wtRepo.HeadCommit("HEAD")
	if err != nil {
		return false, fmt.Errorf("reading pre-rebase HEAD: %w", err)
	}

	if err := wtRepo.RebaseOnto(originalBranch); err != nil {
		return false, fmt.Errorf("rebasing onto %s: %w", originalBranch, err)
	}

	result := c.valid.Validate(ctx, worktreePath)
	if !result.Passed {
		_ = wtRepo.ResetHard(preRebase)
		return false, fmt.Errorf("post-rebase validation failed: %s", result.Summary())
	}

	if err := c.repo.MergeFFOnly(branch); err != nil {
		_ = wtRepo.ResetHard(preRebase)
		return false, fmt.Errorf("fast-forwarding rebased branch: %w", err)
	}
	return true, nil
}

// cleanupWorkers tears down every worker's worktree in its own
// goroutine bounded by cleanupBudget, waits for all of them (bounded,
// so the cycle itself never blocks indefinitely), then prunes any
// worktree metadata git itself left behind.
func (c *Coordinator) cleanupWorkers(workers []*worker.Worker) {
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			done := make(chan struct{})
			go func() {
				if err := w.Cleanup(); err != nil && c.logger != nil {
					c.logger.Warn("cleaning up worktree", "worker", w.ID, "error", err)
				}
				if branch := w.BranchName(); branch != "" {
					if err := c.repo.DeleteBranch(branch, true); err != nil && c.logger != nil {
						c.logger.Warn("deleting worker branch", "worker", w.ID, "branch", branch, "error", err)
					}
				}
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(cleanupBudget):
				if c.logger != nil {
					c.logger.Warn("worktree cleanup exceeded its budget, abandoning", "worker", w.ID)
				}
			}
		}(w)
	}
	wg.Wait()

	if err := c.repo.PruneWorktrees(); err != nil && c.logger != nil {
		c.logger.Warn("pruning worktrees", "error", err)
	}
}

// cycleRecord builds the persisted CycleRecord for one worker's
// outcome, following the single-task/batch shape of model.CycleRecord.
func cycleRecord(r model.WorkerResult) model.CycleRecord {
	rec := model.CycleRecord{
		Timestamp:  time.Now(),
		Success:    r.Success,
		CommitHash: r.CommitHash,
		CostUSD:    r.CostUSD,
		Duration:   r.Duration,
		Error:      r.Error,
		BatchSize:  len(r.Tasks),
	}
	if len(r.Tasks) == 1 {
		rec.Description = r.Tasks[0].Description
		rec.TaskType = string(r.Tasks[0].Source)
		rec.TaskKeys = []string{r.Tasks[0].TaskKey}
		rec.SourceFiles = []string{r.Tasks[0].SourceFile}
		rec.LineNumbers = []int{r.Tasks[0].LineNumber}
		return rec
	}
	for _, t := range r.Tasks {
		rec.Descriptions = append(rec.Descriptions, t.Description)
		rec.TaskTypes = append(rec.TaskTypes, string(t.Source))
		rec.TaskKeys = append(rec.TaskKeys, t.TaskKey)
		rec.SourceFiles = append(rec.SourceFiles, t.SourceFile)
		rec.LineNumbers = append(rec.LineNumbers, t.LineNumber)
	}
	return rec
}
