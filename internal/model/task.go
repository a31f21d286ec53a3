// Package model holds the value objects shared across the orchestration
// engine: tasks handed in by discovery/feedback, and the outcomes recorded
// for each cycle.
package model

import "strings"

// TaskSource tags where a Task originated.
type TaskSource string

const (
	SourceFeedback     TaskSource = "feedback"
	SourceTestFailure  TaskSource = "test_failure"
	SourceLint         TaskSource = "lint"
	SourceTODO         TaskSource = "todo"
	SourceCoverage     TaskSource = "coverage"
	SourceQuality      TaskSource = "quality"
	SourceClaudeIdea   TaskSource = "claude_idea"
)

// MaxDescriptionLen and MaxContextLen bound the Task fields per spec §3.
const (
	MaxDescriptionLen = 2000
	MaxContextLen     = 12000
)

// Task is a single unit of work produced externally (task discovery,
// feedback directory) and consumed once per cycle.
type Task struct {
	Description string     `json:"description"`
	Priority    int        `json:"priority"`
	Source      TaskSource `json:"source"`
	SourceFile  string     `json:"source_file,omitempty"`
	LineNumber  int        `json:"line_number,omitempty"`
	Context     string     `json:"context,omitempty"`
	TaskKey     string     `json:"task_key"`
}

// Sanitize trims the description and truncates description/context to
// their maximum lengths, collapsing embedded newlines in the description
// into a single line (Task.description must be single-line per spec §3).
func (t *Task) Sanitize() {
	d := strings.TrimSpace(t.Description)
	d = strings.Join(strings.Fields(d), " ")
	if len(d) > MaxDescriptionLen {
		d = d[:MaxDescriptionLen]
	}
	t.Description = d

	if len(t.Context) > MaxContextLen {
		t.Context = t.Context[:MaxContextLen]
	}
}

// Valid reports whether the task has a non-empty description after
// sanitization — the only hard invariant on a bare Task.
func (t *Task) Valid() bool {
	return strings.TrimSpace(t.Description) != ""
}
