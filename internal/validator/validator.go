// Package validator runs the configured lint, test, and build commands
// in that fixed order, short-circuiting at the first failure, and
// produces a human-readable summary for the cycle record and any
// failure notification.
//
// Grounded on the teacher's commitChanges/gate.go combination
// (internal/engine/engine.go runs arbitrary shell commands via
// exec.Command and checks their exit code; internal/cli/gate.go
// substitutes a {staged} placeholder into a configured command before
// running it) generalized into a single ordered three-stage pipeline
// per spec.md §4.6.
package validator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/autoforge/autoforge/internal/config"
	"github.com/autoforge/autoforge/internal/procrunner"
)

// Stage identifies which command produced a StageResult.
type Stage string

const (
	StageLint  Stage = "lint"
	StageTest  Stage = "test"
	StageBuild Stage = "build"
)

// StageResult is the outcome of one validation stage.
type StageResult struct {
	Stage    Stage
	Command  string
	Ran      bool
	Passed   bool
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Result is the outcome of a full Validate call. Passed is true only
// if every configured stage (lint, test, build) that ran, passed; a
// stage with an empty command is skipped and does not affect Passed.
type Result struct {
	Passed bool
	Stages []StageResult
}

// Summary renders a short human-readable line per stage, suitable for
// a CycleRecord.Validation field or a failure notification body.
func (r Result) Summary() string {
	var parts []string
	for _, s := range r.Stages {
		switch {
		case !s.Ran:
			continue
		case s.Passed:
			parts = append(parts, fmt.Sprintf("%s: passed", s.Stage))
		default:
			parts = append(parts, fmt.Sprintf("%s: FAILED", s.Stage))
		}
	}
	if len(parts) == 0 {
		return "no validation stages configured"
	}
	return strings.Join(parts, ", ")
}

// FirstFailure returns the first failed stage, if any.
func (r Result) FirstFailure() *StageResult {
	for i := range r.Stages {
		if r.Stages[i].Ran && !r.Stages[i].Passed {
			return &r.Stages[i]
		}
	}
	return nil
}

// Validator runs lint, test, and build commands in a working directory
// (typically a worker's git worktree).
type Validator struct {
	cfg config.ValidationConfig
}

// New builds a Validator from the validation section of the config.
func New(cfg config.ValidationConfig) *Validator {
	return &Validator{cfg: cfg}
}

// Validate runs lint, then test, then build, in that order, stopping
// at the first configured stage that fails. A stage whose command is
// empty is skipped entirely (not run, not counted as a failure).
func (v *Validator) Validate(ctx context.Context, cwd string) Result {
	stages := []struct {
		name    Stage
		command string
		timeout int
	}{
		{StageLint, v.cfg.LintCommand, v.cfg.LintTimeout},
		{StageTest, v.cfg.TestCommand, v.cfg.TestTimeout},
		{StageBuild, v.cfg.BuildCommand, v.cfg.BuildTimeout},
	}

	result := Result{Passed: true}
	for _, s := range stages {
		if strings.TrimSpace(s.command) == "" {
			result.Stages = append(result.Stages, StageResult{Stage: s.name, Command: s.command})
			continue
		}

		timeout := time.Duration(s.timeout) * time.Second
		if timeout <= 0 {
			timeout = 5 * time.Minute
		}

		start := time.Now()
		res, err := procrunner.Run(ctx, []string{s.command}, procrunner.Options{
			Shell:   true,
			Cwd:     cwd,
			Timeout: timeout,
		})
		elapsed := time.Since(start)

		sr := StageResult{
			Stage:    s.name,
			Command:  s.command,
			Ran:      true,
			Duration: elapsed,
		}
		if err != nil {
			sr.Passed = false
			sr.Stderr = err.Error()
		} else {
			sr.Stdout = res.Stdout
			sr.Stderr = res.Stderr
			sr.Passed = !res.TimedOut && res.ReturnCode == 0
			if res.TimedOut {
				sr.Stderr = res.Stdout + res.Stderr
			}
		}

		result.Stages = append(result.Stages, sr)
		if !sr.Passed {
			result.Passed = false
			return result
		}
	}
	return result
}

// ApplyStagedPlaceholder substitutes "{staged}" in a command template
// with a space-joined, shell-quoted list of staged file paths, for
// lint commands that only want to check changed files rather than the
// whole tree — the same placeholder substitution the teacher's
// internal/cli/gate.go performs.
func ApplyStagedPlaceholder(command string, stagedFiles []string) string {
	if !strings.Contains(command, "{staged}") {
		return command
	}
	quoted := make([]string, len(stagedFiles))
	for i, f := range stagedFiles {
		quoted[i] = "'" + strings.ReplaceAll(f, "'", `'\''`) + "'"
	}
	return strings.ReplaceAll(command, "{staged}", strings.Join(quoted, " "))
}
