package loop

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoforge/autoforge/internal/config"
	"github.com/autoforge/autoforge/internal/safety"
)

type fakeRunner struct {
	calls int32
	err   error
}

func (f *fakeRunner) RunCycle(ctx context.Context) error {
	atomic.AddInt32(&f.calls, 1)
	return f.err
}

func newGuard(t *testing.T) *safety.Guard {
	t.Helper()
	return safety.NewGuard(filepath.Join(t.TempDir(), "lock.pid"), config.SafetyConfig{}, nil)
}

func TestRun_OnceRunsExactlyOneCycle(t *testing.T) {
	runner := &fakeRunner{}
	err := Run(context.Background(), runner, newGuard(t), Options{Once: true}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&runner.calls))
}

func TestRun_OnceReturnsCycleError(t *testing.T) {
	runner := &fakeRunner{err: errors.New("boom")}
	err := Run(context.Background(), runner, newGuard(t), Options{Once: true}, nil)
	assert.ErrorIs(t, err, runner.err)
}

func TestRun_StopsPromptlyOnContextCancel(t *testing.T) {
	runner := &fakeRunner{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, runner, newGuard(t), Options{Interval: time.Hour}, nil)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop within a few ticks of cancellation")
	}
	assert.GreaterOrEqual(t, atomic.LoadInt32(&runner.calls), int32(1))
}

func TestRun_FailsWhenLockAlreadyHeld(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "lock.pid")
	holder := safety.NewGuard(lockPath, config.SafetyConfig{}, nil)
	require.NoError(t, holder.AcquireLock())
	defer holder.ReleaseLock()

	contender := safety.NewGuard(lockPath, config.SafetyConfig{}, nil)
	err := Run(context.Background(), &fakeRunner{}, contender, Options{Once: true}, nil)
	assert.Error(t, err)
}

func TestRun_MultipleCyclesBetweenShortIntervals(t *testing.T) {
	runner := &fakeRunner{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, runner, newGuard(t), Options{Interval: tickSlice}, nil)
	}()

	time.Sleep(2500 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	assert.GreaterOrEqual(t, atomic.LoadInt32(&runner.calls), int32(2))
}
