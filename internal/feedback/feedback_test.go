package feedback

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestManager_PendingFeedback_SortsAndFilters(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "2-second.md", "second task")
	writeTestFile(t, dir, "1-first.txt", "first task")
	writeTestFile(t, dir, ".gitkeep", "")
	writeTestFile(t, dir, "notes.json", "{}")

	m := NewManager(dir, filepath.Join(dir, "done"))
	items, err := m.PendingFeedback()
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "1-first.txt", items[0].Filename)
	assert.Equal(t, 1, items[0].Priority)
	assert.Equal(t, "2-second.md", items[1].Filename)
	assert.Equal(t, 2, items[1].Priority)
}

func TestManager_PendingFeedback_MissingDirIsEmpty(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "does-not-exist"), "")
	items, err := m.PendingFeedback()
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestManager_MarkDone(t *testing.T) {
	dir := t.TempDir()
	doneDir := filepath.Join(dir, "done")
	writeTestFile(t, dir, "1-task.md", "body")

	m := NewManager(dir, doneDir)
	require.NoError(t, m.MarkDone(filepath.Join(dir, "1-task.md")))

	_, err := os.Stat(filepath.Join(dir, "1-task.md"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(doneDir, "1-task.md"))
	assert.NoError(t, err)
}

func TestManager_MarkDone_AvoidsCollision(t *testing.T) {
	dir := t.TempDir()
	doneDir := filepath.Join(dir, "done")
	require.NoError(t, os.MkdirAll(doneDir, 0o755))
	writeTestFile(t, doneDir, "1-task.md", "already here")
	writeTestFile(t, dir, "1-task.md", "new body")

	m := NewManager(dir, doneDir)
	require.NoError(t, m.MarkDone(filepath.Join(dir, "1-task.md")))

	_, err := os.Stat(filepath.Join(doneDir, "1-task-1.md"))
	assert.NoError(t, err, "colliding filename should get a numeric suffix instead of overwriting")
}

func TestManager_ClaimAndUnclaim(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "1-task.md", "body")

	m := NewManager(dir, filepath.Join(dir, "done"))
	claimed, err := m.Claim(filepath.Join(dir, "1-task.md"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "1-task.md.claiming"), claimed)

	items, err := m.PendingFeedback()
	require.NoError(t, err)
	assert.Empty(t, items, "a claimed file must not be picked up again")

	require.NoError(t, m.Unclaim(claimed))
	items, err = m.PendingFeedback()
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestManager_ClaimTwice_SecondFails(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "1-task.md", "body")

	m := NewManager(dir, filepath.Join(dir, "done"))
	_, err := m.Claim(filepath.Join(dir, "1-task.md"))
	require.NoError(t, err)

	_, err = m.Claim(filepath.Join(dir, "1-task.md"))
	assert.Error(t, err)
}

func TestManager_Fail_StripsClaimSuffix(t *testing.T) {
	dir := t.TempDir()
	failedDir := filepath.Join(dir, "failed")
	writeTestFile(t, dir, "1-task.md", "body")

	m := NewManager(dir, filepath.Join(dir, "done"))
	claimed, err := m.Claim(filepath.Join(dir, "1-task.md"))
	require.NoError(t, err)

	require.NoError(t, m.Fail(claimed, failedDir))
	_, err = os.Stat(filepath.Join(failedDir, "1-task.md"))
	assert.NoError(t, err)
}

func TestExtractPriority(t *testing.T) {
	assert.Equal(t, 5, extractPriority("5-urgent.md"))
	assert.Equal(t, 1, extractPriority("no-number.md"))
	assert.Equal(t, 10, extractPriority("10-bulk-cleanup.txt"))
}
