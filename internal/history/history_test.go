package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoforge/autoforge/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return NewStore(filepath.Join(dir, "history.json"), filepath.Join(dir, "history.lock"), 5)
}

func TestStore_AppendAndAll(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Append(model.CycleRecord{Description: "first", Success: true, Timestamp: time.Now()}))
	require.NoError(t, s.Append(model.CycleRecord{Description: "second", Success: false, Timestamp: time.Now()}))

	all, err := s.All()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "first", all[0].Description)
	assert.Equal(t, "second", all[1].Description)
}

func TestStore_TrimsToMaxRecords(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 8; i++ {
		require.NoError(t, s.Append(model.CycleRecord{Description: string(rune('a' + i)), Timestamp: time.Now()}))
	}
	all, err := s.All()
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "d", all[0].Description)
	assert.Equal(t, "h", all[4].Description)
}

func TestStore_ConsecutiveFailures(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Append(model.CycleRecord{Success: true, Timestamp: time.Now()}))
	require.NoError(t, s.Append(model.CycleRecord{Success: false, Timestamp: time.Now()}))
	require.NoError(t, s.Append(model.CycleRecord{Success: false, Timestamp: time.Now()}))

	n, err := s.ConsecutiveFailures()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStore_CountAndCostLastHour(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Append(model.CycleRecord{Timestamp: time.Now(), CostUSD: 1.5}))
	require.NoError(t, s.Append(model.CycleRecord{Timestamp: time.Now().Add(-2 * time.Hour), CostUSD: 99}))

	count, err := s.CountLastHour()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	cost, err := s.CostLastHour()
	require.NoError(t, err)
	assert.Equal(t, 1.5, cost)
}

func TestStore_WasRecentlyAttempted(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Append(model.CycleRecord{Timestamp: time.Now(), TaskKeys: []string{"lint:foo.go"}}))

	found, err := s.WasRecentlyAttempted("lint:foo.go", time.Hour)
	require.NoError(t, err)
	assert.True(t, found)

	notFound, err := s.WasRecentlyAttempted("lint:bar.go", time.Hour)
	require.NoError(t, err)
	assert.False(t, notFound)
}

func TestStore_TaskFailureCount(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Append(model.CycleRecord{Success: false, TaskKeys: []string{"todo:x"}, Timestamp: time.Now()}))
	require.NoError(t, s.Append(model.CycleRecord{Success: true, TaskKeys: []string{"todo:x"}, Timestamp: time.Now()}))
	require.NoError(t, s.Append(model.CycleRecord{Success: false, TaskKeys: []string{"todo:x"}, Timestamp: time.Now()}))

	n, err := s.TaskFailureCount("todo:x")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStore_RecentReturnsTail(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Append(model.CycleRecord{Description: string(rune('a' + i)), Timestamp: time.Now()}))
	}
	recent, err := s.Recent(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "b", recent[0].Description)
	assert.Equal(t, "c", recent[1].Description)
}
