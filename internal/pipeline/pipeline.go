// Package pipeline implements the four-stage agent sub-pipeline
// (Planner → Coder → Tester → Reviewer) with bounded revision loops,
// driven by a verdict line in a shared file-based scratch workspace.
//
// There is no teacher equivalent — internal/engine/engine.go invokes a
// single agent per concern with no planning/review loop — so this is
// built directly from spec.md §4.8's state machine, using
// internal/toolrunner for the underlying CLI calls and
// internal/gitops for the between-iteration rollback.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/autoforge/autoforge/internal/config"
	"github.com/autoforge/autoforge/internal/gitops"
	"github.com/autoforge/autoforge/internal/model"
	"github.com/autoforge/autoforge/internal/toolrunner"
	"github.com/autoforge/autoforge/internal/validator"
)

const (
	planFile   = "plan.md"
	reviewFile = "review.md"
)

// verdictRe matches a reviewer's verdict line, case-insensitive,
// anywhere in the review text.
var verdictRe = regexp.MustCompile(`(?im)^\s*VERDICT:\s*(APPROVED|REVISE)\s*$`)

// Verdict is the parsed outcome of a reviewer's verdict line.
type Verdict string

const (
	VerdictApproved Verdict = "APPROVED"
	VerdictRevise   Verdict = "REVISE"
)

// ParseVerdict scans text for a VERDICT: line, defaulting to Approved
// on no match or empty text, per spec.md §4.8.
func ParseVerdict(text string) Verdict {
	if strings.TrimSpace(text) == "" {
		return VerdictApproved
	}
	m := verdictRe.FindStringSubmatch(text)
	if m == nil {
		return VerdictApproved
	}
	if strings.EqualFold(m[1], "REVISE") {
		return VerdictRevise
	}
	return VerdictApproved
}

// Pipeline runs the agent sub-pipeline against one worktree.
type Pipeline struct {
	cfg            config.AgentPipelineConfig
	claude         config.ClaudeConfig
	runner         *toolrunner.Runner
	repo           *gitops.Repo
	validator      *validator.Validator
	workspaceDir   string
	protectedFiles []string
	fallbackBudget float64 // used when MaxPipelineCostUSD is unset: 0.5x this
	logger         *log.Logger

	mu           sync.Mutex
	activeCancel context.CancelFunc
	terminated   bool
}

// New builds a Pipeline. fallbackBudget is typically
// safety.MaxCostUSDPerHour; it only matters when
// cfg.MaxPipelineCostUSD is zero.
func New(cfg config.AgentPipelineConfig, claude config.ClaudeConfig, runner *toolrunner.Runner, repo *gitops.Repo, v *validator.Validator, workspaceDir string, protectedFiles []string, fallbackBudget float64, logger *log.Logger) *Pipeline {
	return &Pipeline{
		cfg:            cfg,
		claude:         claude,
		runner:         runner,
		repo:           repo,
		validator:      v,
		workspaceDir:   workspaceDir,
		protectedFiles: protectedFiles,
		fallbackBudget: fallbackBudget,
		logger:         logger,
	}
}

// Terminate asks the currently active agent call to stop and prevents
// any further iteration from starting. Safe to call concurrently with
// Run from another goroutine (e.g. the top-level loop's signal
// handler).
func (p *Pipeline) Terminate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated = true
	if p.activeCancel != nil {
		p.activeCancel()
	}
}

func (p *Pipeline) isTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

func (p *Pipeline) budget() float64 {
	if p.cfg.MaxPipelineCostUSD > 0 {
		return p.cfg.MaxPipelineCostUSD
	}
	return 0.5 * p.fallbackBudget
}

// Run executes the full PLAN → CODE → TEST → REVIEW state machine for
// the given tasks against the pipeline's bound worktree.
func (p *Pipeline) Run(ctx context.Context, tasks []model.Task) model.PipelineResult {
	if err := os.MkdirAll(p.workspaceDir, 0o755); err != nil {
		return model.PipelineResult{Error: fmt.Sprintf("creating agent workspace: %v", err)}
	}

	var result model.PipelineResult
	var totalCost float64
	maxCost := p.budget()

	addCost := func(r model.AgentResult) bool {
		totalCost += r.CostUSD
		result.TotalCostUSD = totalCost
		if maxCost > 0 && totalCost >= maxCost {
			result.Error = fmt.Sprintf("pipeline cost $%.4f reached budget $%.4f", totalCost, maxCost)
			return false
		}
		return true
	}

	// PLAN
	planSnapshot, err := p.repo.Snapshot()
	if err != nil {
		result.Error = fmt.Sprintf("snapshotting before plan: %v", err)
		return result
	}
	planRes := p.runAgent(ctx, "planner", p.cfg.Planner, buildPlanPrompt(tasks, p.protectedFiles))
	result.AgentResults = append(result.AgentResults, planRes)
	if !planRes.Success {
		result.Error = planRes.Error
		return result
	}
	if !addCost(planRes) {
		return result
	}
	// Discard any side-effects the planner made; only plan.md persists,
	// because the agent workspace is excluded from git and so survives
	// the rollback's clean.
	if err := p.repo.Rollback(planSnapshot, nil); err != nil {
		result.Error = fmt.Sprintf("rolling back after plan: %v", err)
		return result
	}

	plan, _ := os.ReadFile(filepath.Join(p.workspaceDir, planFile))

	revision := 0
	for {
		if p.isTerminated() {
			result.Error = "pipeline terminated"
			return result
		}

		codeSnapshot, err := p.repo.Snapshot()
		if err != nil {
			result.Error = fmt.Sprintf("snapshotting before code: %v", err)
			return result
		}

		review, _ := os.ReadFile(filepath.Join(p.workspaceDir, reviewFile))
		codeRes := p.runAgent(ctx, "coder", p.cfg.Coder, buildCodePrompt(tasks, string(plan), string(review), p.protectedFiles))
		result.AgentResults = append(result.AgentResults, codeRes)
		if !codeRes.Success {
			result.Error = codeRes.Error
			return result
		}
		if !addCost(codeRes) {
			return result
		}

		testRes := p.validator.Validate(ctx, p.repo.Dir)
		testAgent := model.AgentResult{Agent: "tester", Success: testRes.Passed, OutputText: testRes.Summary()}
		result.AgentResults = append(result.AgentResults, testAgent)

		if !testRes.Passed {
			if revision >= p.cfg.MaxRevisions {
				result.Error = "tests failed after exhausting revisions: " + testRes.Summary()
				_ = p.repo.Rollback(codeSnapshot, nil)
				return result
			}
			revision++
			if err := p.repo.Rollback(codeSnapshot, nil); err != nil {
				result.Error = fmt.Sprintf("rolling back failed test iteration: %v", err)
				return result
			}
			synthetic := "VERDICT: REVISE\n\nTests failed: " + testRes.Summary()
			if err := p.writeReview(synthetic); err != nil {
				result.Error = err.Error()
				return result
			}
			continue
		}

		// REVIEW
		if !p.cfg.Reviewer.Enabled {
			result.Success = true
			result.FinalReviewApproved = true
			result.RevisionCount = revision
			result.TotalDuration = p.totalDuration(result.AgentResults)
			return result
		}

		reviewRes := p.runAgent(ctx, "reviewer", p.cfg.Reviewer, buildReviewPrompt(tasks, string(plan)))
		result.AgentResults = append(result.AgentResults, reviewRes)
		if !reviewRes.Success {
			result.Error = reviewRes.Error
			return result
		}
		if !addCost(reviewRes) {
			return result
		}

		reviewText, _ := os.ReadFile(filepath.Join(p.workspaceDir, reviewFile))
		verdict := ParseVerdict(string(reviewText))

		if verdict == VerdictApproved {
			result.Success = true
			result.FinalReviewApproved = true
			result.RevisionCount = revision
			result.TotalDuration = p.totalDuration(result.AgentResults)
			return result
		}

		if revision >= p.cfg.MaxRevisions {
			result.Error = "reviewer requested revision after exhausting the revision budget"
			_ = p.repo.Rollback(codeSnapshot, nil)
			return result
		}
		revision++
		if err := p.repo.Rollback(codeSnapshot, nil); err != nil {
			result.Error = fmt.Sprintf("rolling back rejected revision: %v", err)
			return result
		}
		if err := p.restoreReviewAfterClean(string(reviewText)); err != nil {
			result.Error = err.Error()
			return result
		}
	}
}

func (p *Pipeline) totalDuration(results []model.AgentResult) float64 {
	var total float64
	for _, r := range results {
		total += r.Duration
	}
	return total
}

// writeReview overwrites review.md with the given content.
func (p *Pipeline) writeReview(content string) error {
	return os.WriteFile(filepath.Join(p.workspaceDir, reviewFile), []byte(content), 0o644)
}

// restoreReviewAfterClean clears every file in the workspace (the
// agent pipeline's shared bulletin board) except review.md, which is
// rewritten with the given content so the next Coder iteration can
// read the prior feedback, per spec.md §4.8's rollback policy.
func (p *Pipeline) restoreReviewAfterClean(reviewContent string) error {
	entries, err := os.ReadDir(p.workspaceDir)
	if err != nil {
		return fmt.Errorf("cleaning agent workspace: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(p.workspaceDir, e.Name())); err != nil {
			return fmt.Errorf("cleaning agent workspace: %w", err)
		}
	}
	return p.writeReview(reviewContent)
}

// runAgent invokes one pipeline role, honoring the enabled flag (a
// disabled agent is a synthetic no-op success) and registering the
// call's cancel function so Terminate can interrupt it.
func (p *Pipeline) runAgent(ctx context.Context, name string, roleCfg config.AgentRoleConfig, prompt string) model.AgentResult {
	if !roleCfg.Enabled {
		return model.AgentResult{Agent: name, Success: true, OutputText: "(skipped)"}
	}

	agentCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		cancel()
		return model.AgentResult{Agent: name, Success: false, Error: "pipeline terminated"}
	}
	p.activeCancel = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.activeCancel = nil
		p.mu.Unlock()
		cancel()
	}()

	timeout := time.Duration(roleCfg.TimeoutSeconds) * time.Second
	res := p.runner.Run(agentCtx, toolrunner.Options{
		Command:  p.claude.Command,
		Prompt:   prompt,
		Model:    roleCfg.Model,
		MaxTurns: roleCfg.MaxTurns,
		AddDirs:  []string{p.repo.Dir, p.workspaceDir},
		Timeout:  timeout,
		Cwd:      p.repo.Dir,
	})

	if p.logger != nil {
		p.logger.Debug("agent call complete", "agent", name, "success", res.Success, "cost_usd", res.CostUSD)
	}

	return model.AgentResult{
		Agent:      name,
		Success:    res.Success,
		OutputText: res.ResultText,
		CostUSD:    res.CostUSD,
		Duration:   res.Duration.Seconds(),
		Error:      res.Error,
	}
}
