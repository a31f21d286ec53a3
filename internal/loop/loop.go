// Package loop implements C13: the top-level run loop that ties a
// cycle runner (internal/coordinator or internal/orchestrator) to
// process lifetime — acquiring the cross-process safety lock, driving
// cycles on an interval, and shutting down promptly on SIGINT/SIGTERM.
//
// Grounded on the teacher's RunnerLoop/runDaemon in
// internal/engine/runner.go: signal-aware waiting between cycles, a
// single lock held for the process's lifetime, and a clean early return
// on shutdown rather than a hard os.Exit. The teacher's own duplicate
// guard is PID-file based (WritePID/IsRunnerAlive); this package
// delegates that job entirely to internal/safety.Guard's flock, which
// already does the same stale-holder recovery the teacher's PID file
// does, so there is nothing left for this package to duplicate.
package loop

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/autoforge/autoforge/internal/safety"
)

// Runner is the cycle-driving collaborator — internal/coordinator.Coordinator
// or internal/orchestrator.Orchestrator, selected by parallel.max_workers.
type Runner interface {
	RunCycle(ctx context.Context) error
}

// tickSlice is the granularity the inter-cycle wait is sliced into, so
// a signal arriving mid-wait is observed within one second rather than
// at the end of the full interval.
const tickSlice = time.Second

// Options configures one Run invocation.
type Options struct {
	// Interval is how long to wait between cycles. Ignored when Once is set.
	Interval time.Duration
	// Once runs exactly one cycle and returns, for `--once`/cron-style invocation.
	Once bool
}

// Run acquires the safety lock, then drives cycles until Once is
// satisfied or a shutdown signal arrives. It returns a non-nil error
// only for a failure to acquire the lock — a cycle returning an error
// is logged and the loop continues (or, in Once mode, Run itself
// returns that error so the caller can set a non-zero exit code).
func Run(ctx context.Context, runner Runner, guard *safety.Guard, opts Options, logger *log.Logger) error {
	if err := guard.AcquireLock(); err != nil {
		return err
	}
	defer func() {
		if err := guard.ReleaseLock(); err != nil && logger != nil {
			logger.Warn("releasing safety lock", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	for {
		err := runner.RunCycle(ctx)
		if err != nil && logger != nil {
			logger.Error("cycle failed", "error", err)
		}

		if opts.Once {
			return err
		}

		if !waitInterval(ctx, opts.Interval, logger) {
			return nil
		}
	}
}

// waitInterval blocks for interval, sliced into tickSlice-sized steps
// so ctx cancellation (a delivered signal) is observed promptly instead
// of only at the end of a long interval. Returns false if the context
// was cancelled before the interval elapsed.
func waitInterval(ctx context.Context, interval time.Duration, logger *log.Logger) bool {
	remaining := interval
	for remaining > 0 {
		step := tickSlice
		if remaining < step {
			step = remaining
		}
		select {
		case <-ctx.Done():
			if logger != nil {
				logger.Info("loop stopped (signal)")
			}
			return false
		case <-time.After(step):
			remaining -= step
		}
	}
	return true
}
