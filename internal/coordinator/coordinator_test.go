package coordinator

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoforge/autoforge/internal/history"
	"github.com/autoforge/autoforge/internal/model"
)

func TestCycleRecord_SingleVsBatchShape(t *testing.T) {
	single := cycleRecord(model.WorkerResult{Tasks: []model.Task{{Description: "x", Source: model.SourceLint}}})
	assert.Equal(t, "x", single.Description)
	assert.Equal(t, 1, single.BatchSize)
	assert.Empty(t, single.Descriptions)

	batch := cycleRecord(model.WorkerResult{Tasks: []model.Task{{Description: "x"}, {Description: "y"}}})
	assert.Equal(t, 2, batch.BatchSize)
	assert.Empty(t, batch.Description)
	assert.Equal(t, []string{"x", "y"}, batch.Descriptions)
}

func TestCycleRecord_SingleTaskKeyFindableByHistory(t *testing.T) {
	dir := t.TempDir()
	h := history.NewStore(filepath.Join(dir, "history.json"), filepath.Join(dir, "history.lock"), 100)

	rec := cycleRecord(model.WorkerResult{
		Success: false,
		Tasks:   []model.Task{{Description: "x", Source: model.SourceFeedback, TaskKey: "feedback:1-a.md", SourceFile: "1-a.md"}},
	})
	require.NoError(t, h.Append(rec))

	count, err := h.TaskFailureCount("feedback:1-a.md")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	recent, err := h.WasRecentlyAttempted("feedback:1-a.md", time.Hour)
	require.NoError(t, err)
	assert.True(t, recent, "single-task cycle record should be matchable by its task key")
}
