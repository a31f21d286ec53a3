// Package orchestrator implements C11: the single-worker cycle that
// runs in place on the main worktree instead of an isolated branch.
// It shares C10's pre-flight/gather/validate/record shape but skips
// worktree setup and the merge step entirely — there is only ever one
// branch in play, so a passing cycle commits directly onto it.
//
// Grounded on the teacher's RunOnce/RunOnceWithLogs in
// internal/engine/engine.go, which likewise runs a single pass
// directly against repoDir with no worktree isolation; the optional
// plan→execute two-step is new (the teacher has no planning stage),
// built in the style of internal/pipeline's prompt construction.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

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
)

// workerID is the fixed cyclestate worker identity for the single-worker
// cycle — there is never more than one, so there is no need to
// allocate an ID the way the coordinator does per parallel worker.
const workerID = 0

// recentAttemptWindow bounds how long a discovered task is skipped
// after it was last attempted, mirroring the original implementation's
// hardcoded one-hour lookback.
const recentAttemptWindow = time.Hour

// Orchestrator runs C11.
type Orchestrator struct {
	repo     *gitops.Repo
	cfg      *config.Config
	guard    *safety.Guard
	hist     *history.Store
	states   *cyclestate.Store
	feedback *feedback.Manager
	source   model.TaskSource
	runner   *toolrunner.Runner
	valid    *validator.Validator
	pipe     *pipeline.Pipeline // nil unless agent_pipeline.enabled
	notifier *notify.Dispatcher // nil-safe: never required
	logger   *log.Logger
}

// New builds an Orchestrator. pipe and notifier may both be nil: a nil
// pipe means invokeTool calls the external tool directly instead of
// running the full agent sub-pipeline (matching Worker's convention); a
// nil notifier means no webhook notifications are sent.
func New(repo *gitops.Repo, cfg *config.Config, guard *safety.Guard, hist *history.Store, states *cyclestate.Store, fb *feedback.Manager, source model.TaskSource, runner *toolrunner.Runner, v *validator.Validator, pipe *pipeline.Pipeline, notifier *notify.Dispatcher, logger *log.Logger) *Orchestrator {
	return &Orchestrator{
		repo:     repo,
		cfg:      cfg,
		guard:    guard,
		hist:     hist,
		states:   states,
		feedback: fb,
		source:   source,
		runner:   runner,
		valid:    v,
		pipe:     pipe,
		notifier: notifier,
		logger:   logger,
	}
}

// notify is a nil-safe wrapper, same convention as internal/coordinator.
func (o *Orchestrator) notify(event string, details map[string]interface{}) {
	if o.notifier != nil {
		o.notifier.Notify(event, details)
	}
}

func (o *Orchestrator) writeState(state cyclestate.State, summary, errMsg string) {
	if o.states == nil {
		return
	}
	_ = o.states.Write(cyclestate.Status{
		WorkerID:    workerID,
		State:       state,
		TaskSummary: summary,
		Error:       errMsg,
	})
}

// RunCycle runs one full single-worker cycle. Like Coordinator.RunCycle,
// it returns an error only for conditions that abort the cycle outright
// (pre-flight, task gathering); everything past that point is recorded
// in history rather than returned.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	if err := o.guard.CheckPreFlight(o.repo.Dir); err != nil {
		o.notifyPreFlightFailure(err)
		return fmt.Errorf("orchestrator: pre-flight check failed: %w", err)
	}

	tasks, claimedPath, err := o.gatherOne(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: gathering tasks: %w", err)
	}
	if len(tasks) == 0 {
		return nil
	}

	o.checkCostBudget(tasks)
	rec := o.runCycleTasks(ctx, tasks)

	if err := o.hist.Append(rec); err != nil && o.logger != nil {
		o.logger.Warn("appending cycle history", "error", err)
	}

	if rec.Success {
		o.notify(notify.EventCycleSuccess, map[string]interface{}{"description": taskSummary(tasks), "commit": rec.CommitHash})
	} else {
		o.notify(notify.EventCycleFailure, map[string]interface{}{"description": taskSummary(tasks), "error": rec.Error})
	}

	o.resolveFeedback(tasks, claimedPath, rec.Success)
	return nil
}

// notifyPreFlightFailure mirrors the coordinator's classification of a
// pre-flight rejection into the two matching C12 events.
func (o *Orchestrator) notifyPreFlightFailure(err error) {
	if strings.Contains(err.Error(), "consecutive failures") {
		o.notify(notify.EventConsecutiveFailureThreshold, map[string]interface{}{"reason": err.Error()})
		return
	}
	o.notify(notify.EventSafetyError, map[string]interface{}{"reason": err.Error()})
}

// checkCostBudget mirrors the coordinator's advisory cost check,
// collapsed to the single task set this cycle will run.
func (o *Orchestrator) checkCostBudget(tasks []model.Task) {
	if o.cfg.Safety.MaxCostUSDPerHour <= 0 {
		return
	}
	spent, err := o.hist.CostLastHour()
	if err != nil {
		return
	}
	modelAlias := o.cfg.Claude.ResolvedModel
	if modelAlias == "" {
		modelAlias = o.cfg.Claude.Model
	}
	allowed, estimated, remaining := costpredict.CheckCostBudget(tasks, modelAlias, costpredict.Budget{MaxCostUSDPerHour: o.cfg.Safety.MaxCostUSDPerHour}, spent)
	if allowed {
		return
	}
	if o.logger != nil {
		o.logger.Warn(costpredict.WarningMessage(estimated, remaining))
	}
	o.notify(notify.EventCostLimitExceeded, map[string]interface{}{
		"estimated_cost_usd": estimated,
		"remaining_budget":   remaining,
	})
}

// gatherOne picks the single task (or, in batch mode, the single set
// of tasks) this cycle will attempt: a claimed feedback item takes
// priority over auto-discovered tasks, matching the coordinator's
// "feedback first" rule applied to a single worker slot instead of
// many.
func (o *Orchestrator) gatherOne(ctx context.Context) ([]model.Task, string, error) {
	items, err := o.feedback.PendingFeedback()
	if err != nil {
		return nil, "", err
	}
	if len(items) > 0 {
		t := feedbackTask(items[0])
		claimed, err := o.feedback.Claim(items[0].Path)
		if err != nil {
			// Another process claimed it first; fall through to
			// auto-discovered tasks instead of failing the cycle.
			if o.logger != nil {
				o.logger.Warn("claiming feedback item", "path", items[0].Path, "error", err)
			}
		} else {
			return []model.Task{t}, claimed, nil
		}
	}

	discovered, err := o.source.GatherTasks(ctx)
	if err != nil {
		return nil, "", err
	}
	for i := range discovered {
		discovered[i].Sanitize()
		if discovered[i].TaskKey == "" {
			discovered[i].TaskKey = taskkey.Derive(discovered[i])
		}
	}
	discovered = o.dropRecentlyAttempted(discovered)
	if max := o.cfg.Orchestrator.MaxTasksPerCycle; max > 0 && len(discovered) > max {
		discovered = discovered[:max]
	}
	if len(discovered) == 0 {
		return nil, "", nil
	}
	if o.cfg.Orchestrator.BatchMode {
		return discovered, "", nil
	}
	return discovered[:1], "", nil
}

// dropRecentlyAttempted filters out discovered tasks whose key was
// attempted within the recent-attempt window, so a task that keeps
// failing validation isn't rediscovered and retried every cycle.
func (o *Orchestrator) dropRecentlyAttempted(tasks []model.Task) []model.Task {
	kept := tasks[:0]
	for _, t := range tasks {
		recent, err := o.hist.WasRecentlyAttempted(t.TaskKey, recentAttemptWindow)
		if err != nil {
			if o.logger != nil {
				o.logger.Warn("checking recent-attempt history", "task_key", t.TaskKey, "error", err)
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

// runCycleTasks runs INVOKE_TOOL→CHECK_CHANGES→SAFETY→[SYNTAX_CHECK]→
// VALIDATE→COMMIT in place on the main worktree, producing the
// CycleRecord the cycle is remembered by.
func (o *Orchestrator) runCycleTasks(ctx context.Context, tasks []model.Task) model.CycleRecord {
	start := time.Now()
	summary := taskSummary(tasks)
	rec := cycleRecord(tasks)

	o.writeState(cyclestate.StateRunning, summary, "")

	// There is no worktree to discard here, unlike the coordinator's
	// per-worker isolation, so a snapshot of the worktree this cycle
	// started from is the only way to undo a failed attempt on main.
	snapshot, snapErr := o.repo.Snapshot()
	if snapErr != nil {
		rec.Error = fmt.Sprintf("snapshotting before tool invocation: %v", snapErr)
		o.writeState(cyclestate.StateFailed, summary, rec.Error)
		return rec
	}
	fail := func(msg string) model.CycleRecord {
		rec.Error = msg
		if err := o.repo.Rollback(snapshot, nil); err != nil && o.logger != nil {
			o.logger.Warn("rolling back failed cycle", "error", err)
		}
		o.writeState(cyclestate.StateFailed, summary, rec.Error)
		return rec
	}

	cost, err := o.invokeTool(ctx, tasks)
	rec.CostUSD = cost
	if err != nil {
		return fail(err.Error())
	}

	changed, errs := o.repo.GetChangedFiles()
	for _, e := range errs {
		if o.logger != nil {
			o.logger.Warn("collecting changed files", "error", e)
		}
	}
	if len(changed) == 0 {
		return fail("tool invocation produced no changes")
	}

	if err := o.guard.CheckProtectedFiles(o.repo.Dir, changed); err != nil {
		return fail(err.Error())
	}
	warn, err := o.guard.CheckChangedFileCount(len(changed), o.cfg.Orchestrator.MaxChangedFiles)
	if err != nil {
		return fail(err.Error())
	}
	if warn && o.logger != nil {
		o.logger.Warn("change set approaching the configured file-count limit", "changed_files", len(changed))
	}

	if o.cfg.Orchestrator.SelfImprove {
		if err := o.syntaxCheck(ctx, changed); err != nil {
			return fail(fmt.Sprintf("syntax check failed: %v", err))
		}
	}

	validation := o.valid.Validate(ctx, o.repo.Dir)
	rec.Validation = validation.Summary()
	if !validation.Passed {
		return fail("validation failed: " + rec.Validation)
	}

	o.writeState(cyclestate.StateCommitted, summary, "")
	hash, err := o.repo.Commit(buildCommitMessage(tasks), nil)
	if err != nil {
		rec.Error = fmt.Sprintf("committing: %v", err)
		o.writeState(cyclestate.StateFailed, summary, rec.Error)
		return rec
	}
	if hash == "" {
		rec.Error = "nothing staged at commit time"
		o.writeState(cyclestate.StateFailed, summary, rec.Error)
		return rec
	}
	rec.CommitHash = hash

	if o.cfg.Orchestrator.PushAfterCommit && !o.repo.Push() && o.logger != nil {
		o.logger.Warn("pushing after commit failed", "commit", hash)
	}

	rec.Success = true
	rec.Duration = time.Since(start).Seconds()
	return rec
}

// invokeTool dispatches to the agent sub-pipeline when configured,
// otherwise makes one or two direct tool calls depending on
// plan_changes.
func (o *Orchestrator) invokeTool(ctx context.Context, tasks []model.Task) (float64, error) {
	if o.pipe != nil {
		res := o.pipe.Run(ctx, tasks)
		if !res.Success {
			err := res.Error
			if err == "" {
				err = "agent pipeline failed"
			}
			return res.TotalCostUSD, fmt.Errorf("%s", err)
		}
		return res.TotalCostUSD, nil
	}

	var totalCost float64
	var plan string
	if o.cfg.Orchestrator.PlanChanges {
		res := o.callTool(ctx, buildPlanPrompt(tasks, o.cfg.Safety.ProtectedFiles))
		totalCost += res.CostUSD
		if !res.Success {
			return totalCost, fmt.Errorf("planning call failed: %s", res.Error)
		}
		plan = res.ResultText
	}

	res := o.callTool(ctx, buildExecutePrompt(tasks, plan, o.cfg.Safety.ProtectedFiles))
	totalCost += res.CostUSD
	if !res.Success {
		return totalCost, fmt.Errorf("tool invocation failed: %s", res.Error)
	}
	return totalCost, nil
}

func (o *Orchestrator) callTool(ctx context.Context, prompt string) toolrunner.Result {
	model := o.cfg.Claude.ResolvedModel
	if model == "" {
		model = o.cfg.Claude.Model
	}
	return o.runner.Run(ctx, toolrunner.Options{
		Command:  o.cfg.Claude.Command,
		Prompt:   prompt,
		Model:    model,
		MaxTurns: o.cfg.Claude.MaxTurns,
		AddDirs:  []string{o.repo.Dir},
		Timeout:  time.Duration(o.cfg.Claude.TimeoutSeconds) * time.Second,
		Cwd:      o.repo.Dir,
	})
}

// syntaxCheck mirrors internal/worker's — scoped to the changed files
// whose extension matches orchestrator.source_extensions.
func (o *Orchestrator) syntaxCheck(ctx context.Context, changed []string) error {
	if o.cfg.Validation.LintCommand == "" {
		return nil
	}
	var matched []string
	for _, f := range changed {
		for _, ext := range o.cfg.Orchestrator.SourceExtensions {
			if strings.HasSuffix(f, ext) {
				matched = append(matched, f)
				break
			}
		}
	}
	if len(matched) == 0 {
		return nil
	}
	cmd := validator.ApplyStagedPlaceholder(o.cfg.Validation.LintCommand, matched)
	res := validator.New(config.ValidationConfig{LintCommand: cmd, LintTimeout: o.cfg.Validation.LintTimeout}).Validate(ctx, o.repo.Dir)
	if !res.Passed {
		return fmt.Errorf("%s", res.Summary())
	}
	return nil
}

// resolveFeedback mirrors the coordinator's claim resolution for the
// single-worker case.
func (o *Orchestrator) resolveFeedback(tasks []model.Task, claimedPath string, success bool) {
	if claimedPath == "" {
		return
	}
	if success {
		if err := o.feedback.MarkDone(claimedPath); err != nil && o.logger != nil {
			o.logger.Warn("marking feedback done", "error", err)
		}
		return
	}

	var taskKey string
	if len(tasks) > 0 {
		taskKey = tasks[0].TaskKey
	}
	if err := o.guard.CheckTaskFailureCeiling(taskKey, o.cfg.Orchestrator.MaxFeedbackRetries); err != nil {
		if ferr := o.feedback.Fail(claimedPath, o.cfg.Paths.FeedbackFailedDir); ferr != nil && o.logger != nil {
			o.logger.Warn("moving feedback to failed dir", "error", ferr)
		}
		return
	}
	if err := o.feedback.Unclaim(claimedPath); err != nil && o.logger != nil {
		o.logger.Warn("unclaiming feedback", "error", err)
	}
}

func feedbackTask(item feedback.Item) model.Task {
	t := model.Task{
		Description: item.Body,
		Priority:    item.Priority,
		Source:      model.SourceFeedback,
		SourceFile:  item.Filename,
	}
	t.Sanitize()
	t.TaskKey = taskkey.Derive(t)
	return t
}

func taskSummary(tasks []model.Task) string {
	if len(tasks) == 1 {
		return tasks[0].Description
	}
	return fmt.Sprintf("%d tasks", len(tasks))
}

// cycleRecord seeds a CycleRecord's task-shaped fields ahead of the
// cycle actually running, so every early-return path below already
// carries a correctly shaped (single vs batch) record.
func cycleRecord(tasks []model.Task) model.CycleRecord {
	rec := model.CycleRecord{Timestamp: time.Now(), BatchSize: len(tasks)}
	if len(tasks) == 1 {
		rec.Description = tasks[0].Description
		rec.TaskType = string(tasks[0].Source)
		rec.TaskKeys = []string{tasks[0].TaskKey}
		rec.SourceFiles = []string{tasks[0].SourceFile}
		rec.LineNumbers = []int{tasks[0].LineNumber}
		return rec
	}
	for _, t := range tasks {
		rec.Descriptions = append(rec.Descriptions, t.Description)
		rec.TaskTypes = append(rec.TaskTypes, string(t.Source))
		rec.TaskKeys = append(rec.TaskKeys, t.TaskKey)
		rec.SourceFiles = append(rec.SourceFiles, t.SourceFile)
		rec.LineNumbers = append(rec.LineNumbers, t.LineNumber)
	}
	return rec
}

const maxSubjectLen = 72

func buildCommitMessage(tasks []model.Task) string {
	if len(tasks) == 1 {
		return truncateSubject(tasks[0].Description)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Auto-fix %d tasks\n\n", len(tasks))
	for _, t := range tasks {
		fmt.Fprintf(&b, "- [%s] %s\n", t.Source, t.Description)
	}
	return b.String()
}

func truncateSubject(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxSubjectLen {
		return s
	}
	return s[:maxSubjectLen-1] + "…"
}
