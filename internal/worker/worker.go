// Package worker implements C9: a single isolated unit of execution
// bound to its own git worktree and branch, running the linear
// SETUP_WORKTREE → INVOKE_TOOL → CHECK_CHANGES → SAFETY →
// [SYNTAX_CHECK] → VALIDATE → COMMIT state machine from spec.md §4.9.
//
// No teacher file generalizes directly (the teacher's processConcern
// in internal/engine/engine.go works on one watched branch per
// concern, not an ephemeral per-cycle worker), but the worktree
// setup/rebase/commit mechanics are adapted from it via
// internal/gitops, and the prompt-building style (explicit
// instructions embedded ahead of the task description) mirrors the
// teacher's assembleContext.
package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/autoforge/autoforge/internal/config"
	"github.com/autoforge/autoforge/internal/cyclestate"
	"github.com/autoforge/autoforge/internal/gitops"
	"github.com/autoforge/autoforge/internal/model"
	"github.com/autoforge/autoforge/internal/pipeline"
	"github.com/autoforge/autoforge/internal/safety"
	"github.com/autoforge/autoforge/internal/toolrunner"
	"github.com/autoforge/autoforge/internal/validator"
)

// Worker binds a task group to one worktree and one branch for the
// duration of a single cycle.
type Worker struct {
	ID int

	mainRepo *gitops.Repo
	cfg      *config.Config
	guard    *safety.Guard
	states   *cyclestate.Store
	runner   *toolrunner.Runner
	valid    *validator.Validator
	// pipeFactory builds the agent sub-pipeline lazily, once the
	// worker's own worktree (and worktreeRepo) exist, so a parallel
	// worker's pipeline snapshots/rolls back against its own working
	// tree rather than the main repo. nil unless agent_pipeline.enabled.
	pipeFactory func(workspaceDir string, repo *gitops.Repo) *pipeline.Pipeline
	pipe        *pipeline.Pipeline
	logger      *log.Logger

	branchName   string
	worktreePath string
	worktreeRepo *gitops.Repo
}

// New builds a Worker. pipeFactory may be nil — callers only set it
// when config.AgentPipeline.Enabled is true; a nil factory means
// Execute invokes the external tool directly via runner instead.
func New(id int, mainRepo *gitops.Repo, cfg *config.Config, guard *safety.Guard, states *cyclestate.Store, runner *toolrunner.Runner, v *validator.Validator, pipeFactory func(string, *gitops.Repo) *pipeline.Pipeline, logger *log.Logger) *Worker {
	return &Worker{
		ID:          id,
		mainRepo:    mainRepo,
		cfg:         cfg,
		guard:       guard,
		states:      states,
		runner:      runner,
		valid:       v,
		pipeFactory: pipeFactory,
		logger:      logger,
	}
}

func (w *Worker) writeState(state cyclestate.State, summary string, errMsg string) {
	if w.states == nil {
		return
	}
	_ = w.states.Write(cyclestate.Status{
		WorkerID:    w.ID,
		State:       state,
		TaskSummary: summary,
		BranchName:  w.branchName,
		Error:       errMsg,
	})
}

// Execute runs the full state machine against tasks, returning a
// WorkerResult that is never itself an error value — failure is
// expressed via WorkerResult.Success/Error, matching spec.md §9's
// "explicit result unions" design note.
func (w *Worker) Execute(ctx context.Context, tasks []model.Task) model.WorkerResult {
	start := time.Now()
	summary := taskSummary(tasks)
	result := model.WorkerResult{Tasks: tasks}

	w.writeState(cyclestate.StateRunning, summary, "")

	if err := w.setupWorktree(); err != nil {
		result.Error = fmt.Sprintf("setting up worktree: %v", err)
		w.writeState(cyclestate.StateFailed, summary, result.Error)
		return result
	}
	result.BranchName = w.branchName

	cost, err := w.invokeTool(ctx, tasks)
	result.CostUSD = cost
	if err != nil {
		result.Error = err.Error()
		w.writeState(cyclestate.StateFailed, summary, result.Error)
		return result
	}

	changed, errs := w.worktreeRepo.GetChangedFiles()
	for _, e := range errs {
		if w.logger != nil {
			w.logger.Warn("collecting changed files", "worker", w.ID, "error", e)
		}
	}
	if len(changed) == 0 {
		result.Error = "tool invocation produced no changes"
		w.writeState(cyclestate.StateFailed, summary, result.Error)
		return result
	}

	if err := w.guard.CheckProtectedFiles(w.worktreePath, changed); err != nil {
		result.Error = err.Error()
		w.writeState(cyclestate.StateFailed, summary, result.Error)
		return result
	}
	warn, err := w.guard.CheckChangedFileCount(len(changed), w.cfg.Orchestrator.MaxChangedFiles)
	if err != nil {
		result.Error = err.Error()
		w.writeState(cyclestate.StateFailed, summary, result.Error)
		return result
	}
	if warn && w.logger != nil {
		w.logger.Warn("change set approaching the configured file-count limit", "worker", w.ID, "changed_files", len(changed))
	}

	if w.cfg.Orchestrator.SelfImprove {
		if err := w.syntaxCheck(ctx, changed); err != nil {
			result.Error = fmt.Sprintf("syntax check failed: %v", err)
			w.writeState(cyclestate.StateFailed, summary, result.Error)
			return result
		}
	}

	validation := w.valid.Validate(ctx, w.worktreePath)
	result.Error = ""
	if !validation.Passed {
		result.Error = "validation failed: " + validation.Summary()
		w.writeState(cyclestate.StateFailed, summary, result.Error)
		return result
	}

	w.writeState(cyclestate.StateCommitted, summary, "")
	commitMsg := buildCommitMessage(tasks)
	hash, err := w.worktreeRepo.Commit(commitMsg, nil)
	if err != nil {
		result.Error = fmt.Sprintf("committing: %v", err)
		w.writeState(cyclestate.StateFailed, summary, result.Error)
		return result
	}
	if hash == "" {
		result.Error = "nothing staged at commit time"
		w.writeState(cyclestate.StateFailed, summary, result.Error)
		return result
	}

	result.Success = true
	result.CommitHash = hash
	result.Duration = time.Since(start).Seconds()
	return result
}

func (w *Worker) setupWorktree() error {
	mainBranch, err := w.mainRepo.GetCurrentBranch()
	if err != nil {
		return err
	}
	w.branchName = fmt.Sprintf("auto-claude/%d-%d", time.Now().Unix(), w.ID)
	w.worktreePath = gitops.WorktreePath(w.mainRepo.Dir, w.cfg.Parallel.WorktreeBaseDir, w.ID)

	if err := w.mainRepo.CreateBranch(w.branchName, mainBranch); err != nil {
		return err
	}
	if err := w.mainRepo.CreateWorktree(w.worktreePath, w.branchName); err != nil {
		return err
	}
	w.worktreeRepo = gitops.NewRepo(w.worktreePath)
	if w.pipeFactory != nil {
		workspaceDir := filepath.Join(w.worktreePath, w.cfg.Paths.AgentWorkspaceDir)
		w.pipe = w.pipeFactory(workspaceDir, w.worktreeRepo)
	}
	return nil
}

// WorktreePath returns the worker's worktree directory, empty until
// setupWorktree has run. The coordinator needs it to run a post-rebase
// validation pass against the right working tree.
func (w *Worker) WorktreePath() string { return w.worktreePath }

// invokeTool runs either the agent sub-pipeline or a single direct
// tool call, depending on whether the pipeline is enabled.
func (w *Worker) invokeTool(ctx context.Context, tasks []model.Task) (float64, error) {
	if w.pipe != nil {
		res := w.pipe.Run(ctx, tasks)
		if !res.Success {
			err := res.Error
			if err == "" {
				err = "agent pipeline failed"
			}
			return res.TotalCostUSD, fmt.Errorf("%s", err)
		}
		return res.TotalCostUSD, nil
	}

	prompt := buildPrompt(tasks, w.cfg.Safety.ProtectedFiles)
	timeout := time.Duration(w.cfg.Claude.TimeoutSeconds) * time.Second
	model := w.cfg.Claude.ResolvedModel
	if model == "" {
		model = w.cfg.Claude.Model
	}
	res := w.runner.Run(ctx, toolrunner.Options{
		Command:  w.cfg.Claude.Command,
		Prompt:   prompt,
		Model:    model,
		MaxTurns: w.cfg.Claude.MaxTurns,
		AddDirs:  []string{w.worktreePath},
		Timeout:  timeout,
		Cwd:      w.worktreePath,
	})
	if !res.Success {
		return res.CostUSD, fmt.Errorf("tool invocation failed: %s", res.Error)
	}
	return res.CostUSD, nil
}

// syntaxCheck runs the configured lint command against only the
// changed files whose extension appears in Orchestrator.SourceExtensions,
// skipped entirely when no such files changed or no lint command is
// configured.
func (w *Worker) syntaxCheck(ctx context.Context, changed []string) error {
	if w.cfg.Validation.LintCommand == "" {
		return nil
	}
	var matched []string
	for _, f := range changed {
		for _, ext := range w.cfg.Orchestrator.SourceExtensions {
			if strings.HasSuffix(f, ext) {
				matched = append(matched, f)
				break
			}
		}
	}
	if len(matched) == 0 {
		return nil
	}
	cmd := validator.ApplyStagedPlaceholder(w.cfg.Validation.LintCommand, matched)
	res := validator.New(config.ValidationConfig{LintCommand: cmd, LintTimeout: w.cfg.Validation.LintTimeout}).Validate(ctx, w.worktreePath)
	if !res.Passed {
		return fmt.Errorf("%s", res.Summary())
	}
	return nil
}

// Cleanup removes the worker's worktree. Branch lifecycle (merge or
// delete) is the coordinator's responsibility once it has decided the
// branch's fate.
func (w *Worker) Cleanup() error {
	if w.worktreePath == "" {
		return nil
	}
	return w.mainRepo.RemoveWorktree(w.worktreePath, true)
}

// BranchName returns the branch this worker created, empty until
// setupWorktree has run.
func (w *Worker) BranchName() string { return w.branchName }

func taskSummary(tasks []model.Task) string {
	if len(tasks) == 1 {
		return tasks[0].Description
	}
	return fmt.Sprintf("%d tasks", len(tasks))
}

// maxSubjectLen bounds a single-task commit subject line, per spec.md
// §4.9.
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

func buildPrompt(tasks []model.Task, protectedFiles []string) string {
	var b strings.Builder
	b.WriteString("You are making an automated change to this repository.\n\n")
	if len(tasks) == 1 {
		fmt.Fprintf(&b, "Task (%s): %s\n", tasks[0].Source, tasks[0].Description)
		if tasks[0].Context != "" {
			fmt.Fprintf(&b, "Context:\n%s\n", tasks[0].Context)
		}
	} else {
		b.WriteString("Tasks:\n")
		for _, t := range tasks {
			fmt.Fprintf(&b, "- [%s] %s\n", t.Source, t.Description)
			if t.Context != "" {
				fmt.Fprintf(&b, "  context: %s\n", t.Context)
			}
		}
	}
	b.WriteString("\nDo not run git. Make minimal changes. Do not modify any of the following protected files: ")
	if len(protectedFiles) == 0 {
		b.WriteString("(none)")
	} else {
		b.WriteString(strings.Join(protectedFiles, ", "))
	}
	return b.String()
}
