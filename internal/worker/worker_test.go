package worker

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"github.com/autoforge/autoforge/internal/model"
)

func TestTruncateSubject(t *testing.T) {
	short := "fix the bug"
	assert.Equal(t, short, truncateSubject(short))

	long := strings.Repeat("a", 100)
	got := truncateSubject(long)
	assert.LessOrEqual(t, utf8.RuneCountInString(got), maxSubjectLen)
	assert.True(t, strings.HasSuffix(got, "…"))
}

func TestBuildCommitMessage_SingleTask(t *testing.T) {
	msg := buildCommitMessage([]model.Task{{Description: "fix the login bug"}})
	assert.Equal(t, "fix the login bug", msg)
}

func TestBuildCommitMessage_Batch(t *testing.T) {
	tasks := []model.Task{
		{Source: model.SourceLint, Description: "fix unused import"},
		{Source: model.SourceTODO, Description: "implement retry"},
	}
	msg := buildCommitMessage(tasks)
	assert.Contains(t, msg, "Auto-fix 2 tasks")
	assert.Contains(t, msg, "fix unused import")
	assert.Contains(t, msg, "implement retry")
}

func TestBuildPrompt_IncludesProtectedFiles(t *testing.T) {
	prompt := buildPrompt([]model.Task{{Description: "x", Source: model.SourceTODO}}, []string{"secrets.env"})
	assert.Contains(t, prompt, "secrets.env")
	assert.Contains(t, prompt, "Do not run git")
}

func TestBuildPrompt_NoProtectedFiles(t *testing.T) {
	prompt := buildPrompt([]model.Task{{Description: "x"}}, nil)
	assert.Contains(t, prompt, "(none)")
}

func TestTaskSummary(t *testing.T) {
	assert.Equal(t, "fix x", taskSummary([]model.Task{{Description: "fix x"}}))
	assert.Equal(t, "3 tasks", taskSummary([]model.Task{{}, {}, {}}))
}
