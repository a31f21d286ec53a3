// Package safety is the last line of defense before and after a
// mutating cycle: a cross-process exclusivity lock plus a battery of
// pre-flight and post-change predicates (rate limits, cost budget,
// disk space, protected files, blast radius).
//
// Grounded on original_source/safety.py's SafetyGuard: the PID-file
// flock-with-staleness-recovery logic is a direct port of
// acquire_lock, and the predicate set mirrors the pre/post checks
// scattered across safety.py and the orchestrator's use of them.
package safety

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/autoforge/autoforge/internal/config"
	"github.com/autoforge/autoforge/internal/fileutil"
	"github.com/autoforge/autoforge/internal/history"
)

// Error is raised for any safety-guard rejection: a held lock, a
// tripped budget, a protected file touched, too large a diff. It is a
// distinct type (not a plain fmt.Errorf) so callers can distinguish
// "the orchestrator refused to run" from an ordinary operational
// error, mirroring original_source/safety.py's SafetyError.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return e.Reason }

func newError(format string, args ...interface{}) *Error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}

// Guard holds the single process-wide exclusivity lock and evaluates
// the pre-flight/post-change predicates against config and history.
type Guard struct {
	lockPath string
	cfg      config.SafetyConfig
	history  *history.Store

	lockFile *os.File
}

// NewGuard builds a Guard bound to the given lock file path.
func NewGuard(lockPath string, cfg config.SafetyConfig, h *history.Store) *Guard {
	return &Guard{lockPath: lockPath, cfg: cfg, history: h}
}

// AcquireLock takes the exclusive process lock, stealing it from a
// dead holder if the recorded PID is no longer alive. Ported from
// safety.py's acquire_lock: open-or-create, try an exclusive
// non-blocking flock, and on failure read the stale PID out of the
// file body rather than out of flock metadata (which Go, like the
// Python original, has no portable way to query).
func (g *Guard) AcquireLock() error {
	if err := fileutil.EnsureDir(dirOf(g.lockPath)); err != nil {
		return err
	}
	f, err := os.OpenFile(g.lockPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("safety: opening lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		pid, readErr := readPID(f)
		if readErr == nil && pid > 0 && isAlive(pid) {
			f.Close()
			return newError("another instance is already running (pid %d, lock held)", pid)
		}
		// Stale lock: the recorded holder is gone. Retry the flock once
		// on the same descriptor, same as the Python original's single
		// retry; the file is not truncated or unlinked first (writePID
		// truncates it once the lock is held).
		if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
			f.Close()
			return newError("another instance is already running (lock file held)")
		}
	}

	if err := writePID(f, os.Getpid()); err != nil {
		f.Close()
		return fmt.Errorf("safety: writing pid: %w", err)
	}
	g.lockFile = f
	return nil
}

// ReleaseLock drops the exclusive lock and removes the file.
func (g *Guard) ReleaseLock() error {
	if g.lockFile == nil {
		return nil
	}
	_ = syscall.Flock(int(g.lockFile.Fd()), syscall.LOCK_UN)
	name := g.lockFile.Name()
	_ = g.lockFile.Close()
	g.lockFile = nil
	return os.Remove(name)
}

func readPID(f *os.File) (int, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return 0, err
	}
	buf := make([]byte, 32)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return 0, err
	}
	s := strings.TrimSpace(string(buf[:n]))
	if s == "" {
		return 0, fmt.Errorf("empty lock file")
	}
	return strconv.Atoi(s)
}

func writePID(f *os.File, pid int) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	_, err := f.WriteString(strconv.Itoa(pid))
	return err
}

func isAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func dirOf(path string) string {
	i := len(path) - 1
	for i >= 0 && path[i] != '/' {
		i--
	}
	if i < 0 {
		return "."
	}
	return path[:i]
}

// --- Pre-flight predicates ---

// CheckPreFlight runs every check that must pass before a cycle is
// allowed to start at all: disk space, cycles-per-hour, cost-per-hour,
// and consecutive-failure ceiling.
func (g *Guard) CheckPreFlight(repoDir string) error {
	if err := g.checkDiskSpace(repoDir); err != nil {
		return err
	}
	if err := g.checkCyclesPerHour(); err != nil {
		return err
	}
	if err := g.checkCostPerHour(); err != nil {
		return err
	}
	if err := g.checkConsecutiveFailures(); err != nil {
		return err
	}
	return nil
}

func (g *Guard) checkDiskSpace(path string) error {
	if g.cfg.MinDiskSpaceMB <= 0 {
		return nil
	}
	usage, err := disk.Usage(path)
	if err != nil {
		return fmt.Errorf("safety: checking disk space: %w", err)
	}
	freeMB := usage.Free / (1024 * 1024)
	if int(freeMB) < g.cfg.MinDiskSpaceMB {
		return newError("insufficient disk space: %d MB free, need %d MB", freeMB, g.cfg.MinDiskSpaceMB)
	}
	return nil
}

func (g *Guard) checkCyclesPerHour() error {
	if g.cfg.MaxCyclesPerHour <= 0 || g.history == nil {
		return nil
	}
	count, err := g.history.CountLastHour()
	if err != nil {
		return fmt.Errorf("safety: checking cycle rate: %w", err)
	}
	if count >= g.cfg.MaxCyclesPerHour {
		return newError("cycle rate limit reached: %d cycles in the last hour (max %d)", count, g.cfg.MaxCyclesPerHour)
	}
	return nil
}

func (g *Guard) checkCostPerHour() error {
	if g.cfg.MaxCostUSDPerHour <= 0 || g.history == nil {
		return nil
	}
	cost, err := g.history.CostLastHour()
	if err != nil {
		return fmt.Errorf("safety: checking hourly cost: %w", err)
	}
	if cost >= g.cfg.MaxCostUSDPerHour {
		return newError("cost budget exceeded: $%.2f spent in the last hour (max $%.2f)", cost, g.cfg.MaxCostUSDPerHour)
	}
	return nil
}

func (g *Guard) checkConsecutiveFailures() error {
	if g.cfg.MaxConsecutiveFailures <= 0 || g.history == nil {
		return nil
	}
	n, err := g.history.ConsecutiveFailures()
	if err != nil {
		return fmt.Errorf("safety: checking consecutive failures: %w", err)
	}
	if n >= g.cfg.MaxConsecutiveFailures {
		return newError("too many consecutive failures: %d (max %d)", n, g.cfg.MaxConsecutiveFailures)
	}
	return nil
}

// --- Post-change predicates ---

// CheckProtectedFiles refuses the change set if any changed file
// resolves (by fileutil.SameFile) to one of the configured protected
// paths. repoDir anchors relative protected-file entries.
func (g *Guard) CheckProtectedFiles(repoDir string, changedFiles []string) error {
	for _, protected := range g.cfg.ProtectedFiles {
		for _, changed := range changedFiles {
			same, err := fileutil.SameFile(repoDir, protected, changed)
			if err != nil {
				continue // neither resolves to a real path; can't be the same file
			}
			if same {
				return newError("change touches protected file: %s", changed)
			}
		}
	}
	return nil
}

// maxChangedFilesWarnRatio is the fraction of the configured ceiling
// at which CheckChangedFileCount still allows the cycle but signals a
// warning via the second return value, per spec.md §4.5's 80% warning
// threshold.
const maxChangedFilesWarnRatio = 0.8

// CheckChangedFileCount refuses a change set larger than
// Orchestrator.MaxChangedFiles, and reports (via the bool) whether the
// count is large enough to warrant a warning even when allowed.
func (g *Guard) CheckChangedFileCount(count, max int) (warn bool, err error) {
	if max <= 0 {
		return false, nil
	}
	if count > max {
		return false, newError("change touches %d files, exceeding the limit of %d", count, max)
	}
	warn = float64(count) >= float64(max)*maxChangedFilesWarnRatio
	return warn, nil
}

// CheckTaskFailureCeiling refuses repeatedly retrying a task that has
// already failed maxRetries times in history.
func (g *Guard) CheckTaskFailureCeiling(taskKey string, maxRetries int) error {
	if maxRetries <= 0 || g.history == nil || taskKey == "" {
		return nil
	}
	n, err := g.history.TaskFailureCount(taskKey)
	if err != nil {
		return fmt.Errorf("safety: checking task failure count: %w", err)
	}
	if n >= maxRetries {
		return newError("task %q has already failed %d times (max %d), skipping", taskKey, n, maxRetries)
	}
	return nil
}
