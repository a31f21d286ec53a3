package cyclestate

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_WriteReadRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.Write(Status{WorkerID: 1, State: StateRunning, TaskSummary: "fix lint"}))

	got, found, err := s.Read(1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StateRunning, got.State)
	assert.Equal(t, "fix lint", got.TaskSummary)
	assert.Equal(t, os.Getpid(), got.PID)
	assert.WithinDuration(t, time.Now(), got.UpdatedAt, 5*time.Second)
}

func TestStore_ReadMissing(t *testing.T) {
	s := NewStore(t.TempDir())
	_, found, err := s.Read(42)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_ReadAll(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.Write(Status{WorkerID: 1, State: StateIdle}))
	require.NoError(t, s.Write(Status{WorkerID: 2, State: StateRunning}))

	all, err := s.ReadAll()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStore_Clear(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.Write(Status{WorkerID: 1, State: StateIdle}))
	require.NoError(t, s.Clear(1))

	_, found, err := s.Read(1)
	require.NoError(t, err)
	assert.False(t, found)

	// Clearing an already-absent worker is not an error.
	require.NoError(t, s.Clear(1))
}

func TestStore_ResetStaleActive(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.Write(Status{WorkerID: 1, State: StateRunning, PID: 999999}))
	require.NoError(t, s.Write(Status{WorkerID: 2, State: StateRunning, PID: os.Getpid()}))

	require.NoError(t, s.ResetStaleActive())

	stale, _, err := s.Read(1)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, stale.State)

	live, _, err := s.Read(2)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, live.State)
}

func TestState_IsActive(t *testing.T) {
	assert.True(t, StateRunning.IsActive())
	assert.True(t, StateMerging.IsActive())
	assert.False(t, StateIdle.IsActive())
	assert.False(t, StateCommitted.IsActive())
	assert.False(t, StateFailed.IsActive())
}
