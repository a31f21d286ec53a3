// Package history is the on-disk cycle history store: a JSON array of
// model.CycleRecord, guarded by an advisory lock file and rewritten
// atomically on every append.
//
// Grounded on original_source/state_lock.py's LockedStateManager (flock
// around read-modify-write, cache invalidated on every lock entry) and
// on the teacher's atomic-write idiom generalized via
// internal/fileutil. The teacher itself has no history store — station
// status is the closest analogue (internal/engine/state.go) but that
// is a single current-state file, not an append-only log.
package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/autoforge/autoforge/internal/fileutil"
	"github.com/autoforge/autoforge/internal/model"
)

// Store is a JSON-array-backed history log at path, serialized by an
// OS advisory lock at lockPath so multiple processes (a running
// coordinator plus a concurrent `status` CLI query) never interleave
// writes.
type Store struct {
	path       string
	lockPath   string
	maxRecords int

	mu    sync.Mutex // serializes in-process access; the flock serializes cross-process
	cache []model.CycleRecord
	cached bool
}

// NewStore builds a Store. maxRecords is the retention cap applied on
// every append (oldest records are dropped first), per spec.md §4.4.
func NewStore(path, lockPath string, maxRecords int) *Store {
	if maxRecords <= 0 {
		maxRecords = 1000
	}
	return &Store{path: path, lockPath: lockPath, maxRecords: maxRecords}
}

// lockTimeout bounds how long Store waits for the flock before giving
// up, so a crashed holder can't wedge every future cycle forever.
const lockTimeout = 30 * time.Second

func (s *Store) withLock(fn func() error) error {
	if err := fileutil.EnsureDir(dirOf(s.lockPath)); err != nil {
		return err
	}
	fl := flock.New(s.lockPath)
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	locked, err := fl.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("history: acquiring lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("history: could not acquire lock on %s within %s", s.lockPath, lockTimeout)
	}
	defer fl.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	// Invalidate the cache on every lock acquisition: another process
	// may have appended since we last read, mirroring state_lock.py's
	// self._cache = None at the top of every locked method.
	s.cached = false
	return fn()
}

func (s *Store) load() ([]model.CycleRecord, error) {
	if s.cached {
		return s.cache, nil
	}
	var records []model.CycleRecord
	found, err := fileutil.ReadJSON(s.path, &records)
	if err != nil {
		return nil, fmt.Errorf("history: reading %s: %w", s.path, err)
	}
	if !found {
		records = nil
	}
	s.cache = records
	s.cached = true
	return records, nil
}

// writeBackoff is the retry schedule for the atomic rewrite itself,
// distinct from the lock-acquisition timeout: a transient filesystem
// error (e.g. disk momentarily full, ENOSPC during the temp-file
// write) gets a few quick retries before giving up.
var writeBackoff = []time.Duration{
	100 * time.Millisecond, 300 * time.Millisecond, 900 * time.Millisecond,
	2700 * time.Millisecond, 8100 * time.Millisecond,
}

func (s *Store) save(records []model.CycleRecord) error {
	var lastErr error
	for i, delay := range append(writeBackoff, 0) {
		lastErr = fileutil.WriteJSON(s.path, records)
		if lastErr == nil {
			s.cache = records
			s.cached = true
			return nil
		}
		if i < len(writeBackoff) {
			time.Sleep(delay)
		}
	}
	return fmt.Errorf("history: writing %s: %w", s.path, lastErr)
}

// Append adds a record, trims to maxRecords (oldest first), and
// rewrites the file atomically, all under the store's lock.
func (s *Store) Append(rec model.CycleRecord) error {
	return s.withLock(func() error {
		records, err := s.load()
		if err != nil {
			return err
		}
		records = append(records, rec)
		if len(records) > s.maxRecords {
			records = records[len(records)-s.maxRecords:]
		}
		return s.save(records)
	})
}

// All returns every record currently on disk, most recent last.
func (s *Store) All() ([]model.CycleRecord, error) {
	var out []model.CycleRecord
	err := s.withLock(func() error {
		records, err := s.load()
		if err != nil {
			return err
		}
		out = append(out, records...)
		return nil
	})
	return out, err
}

// Recent returns up to n records, most recent last.
func (s *Store) Recent(n int) ([]model.CycleRecord, error) {
	all, err := s.All()
	if err != nil {
		return nil, err
	}
	if n <= 0 || n >= len(all) {
		return all, nil
	}
	return all[len(all)-n:], nil
}

// Since returns every record with Timestamp >= cutoff.
func (s *Store) Since(cutoff time.Time) ([]model.CycleRecord, error) {
	all, err := s.All()
	if err != nil {
		return nil, err
	}
	var out []model.CycleRecord
	for _, r := range all {
		if !r.Timestamp.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out, nil
}

// CountLastHour returns how many cycles ran in the last hour.
func (s *Store) CountLastHour() (int, error) {
	recs, err := s.Since(time.Now().Add(-time.Hour))
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// CostLastHour sums CostUSD over the last hour.
func (s *Store) CostLastHour() (float64, error) {
	recs, err := s.Since(time.Now().Add(-time.Hour))
	if err != nil {
		return 0, err
	}
	var total float64
	for _, r := range recs {
		total += r.CostUSD
	}
	return total, nil
}

// ConsecutiveFailures counts failures at the tail of history, stopping
// at the first success (or the start of history).
func (s *Store) ConsecutiveFailures() (int, error) {
	all, err := s.All()
	if err != nil {
		return 0, err
	}
	count := 0
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Success {
			break
		}
		count++
	}
	return count, nil
}

// WasRecentlyAttempted reports whether any record in the last window
// carries the given task key, used to avoid immediately re-queuing a
// task that just failed.
func (s *Store) WasRecentlyAttempted(taskKey string, window time.Duration) (bool, error) {
	recs, err := s.Since(time.Now().Add(-window))
	if err != nil {
		return false, err
	}
	for _, r := range recs {
		for _, k := range r.TaskKeys {
			if k == taskKey {
				return true, nil
			}
		}
	}
	return false, nil
}

// TaskFailureCount counts failed attempts at a specific task key across
// all of history, used by the safety guard's per-task retry ceiling.
func (s *Store) TaskFailureCount(taskKey string) (int, error) {
	all, err := s.All()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, r := range all {
		if r.Success {
			continue
		}
		for _, k := range r.TaskKeys {
			if k == taskKey {
				count++
				break
			}
		}
	}
	return count, nil
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

