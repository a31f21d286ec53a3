// Package feedback manages the human feedback inbox: markdown/text
// files dropped into a watched directory, picked up in priority order,
// and moved to a "done" directory once processed.
//
// Ported from original_source/feedback.py's FeedbackManager.
package feedback

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Item is one pending feedback file.
type Item struct {
	Path     string
	Filename string
	Priority int
	Body     string
}

// Manager watches feedbackDir for new items and files processed ones
// into doneDir.
type Manager struct {
	feedbackDir string
	doneDir     string
}

// NewManager builds a Manager over the given directories.
func NewManager(feedbackDir, doneDir string) *Manager {
	return &Manager{feedbackDir: feedbackDir, doneDir: doneDir}
}

var priorityPrefixRe = regexp.MustCompile(`^(\d+)`)

// extractPriority reads a leading numeric prefix off filename (e.g.
// "1-fix-login.md" -> 1), defaulting to 1 when absent, matching
// feedback.py's _extract_priority.
func extractPriority(filename string) int {
	m := priorityPrefixRe.FindStringSubmatch(filename)
	if m == nil {
		return 1
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 1
	}
	return n
}

// PendingFeedback returns every .md/.txt file in feedbackDir (ignoring
// .gitkeep and anything already in doneDir), sorted by filename, with
// its body read and its priority extracted.
func (m *Manager) PendingFeedback() ([]Item, error) {
	entries, err := os.ReadDir(m.feedbackDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("feedback: reading %s: %w", m.feedbackDir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if name == ".gitkeep" {
			continue
		}
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".md" && ext != ".txt" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	items := make([]Item, 0, len(names))
	for _, name := range names {
		path := filepath.Join(m.feedbackDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("feedback: reading %s: %w", path, err)
		}
		items = append(items, Item{
			Path:     path,
			Filename: name,
			Priority: extractPriority(name),
			Body:     string(data),
		})
	}
	return items, nil
}

// claimSuffix marks a feedback file as claimed by a worker so a
// concurrent cycle does not pick it up again.
const claimSuffix = ".claiming"

// Claim renames a pending feedback file to a claim marker, returning
// the new path. Two coordinators racing the same file will have one
// Rename succeed and the other fail with an error, giving natural
// mutual exclusion without a separate lock.
func (m *Manager) Claim(sourcePath string) (string, error) {
	claimed := sourcePath + claimSuffix
	if err := os.Rename(sourcePath, claimed); err != nil {
		return "", fmt.Errorf("feedback: claiming %s: %w", sourcePath, err)
	}
	return claimed, nil
}

// Unclaim reverses Claim, restoring the file's original name so a
// later cycle retries it.
func (m *Manager) Unclaim(claimedPath string) error {
	original := strings.TrimSuffix(claimedPath, claimSuffix)
	if err := os.Rename(claimedPath, original); err != nil {
		return fmt.Errorf("feedback: unclaiming %s: %w", claimedPath, err)
	}
	return nil
}

// MarkDone moves a processed (claimed) feedback file into doneDir,
// appending a numeric suffix on a filename collision rather than
// overwriting, matching feedback.py's mark_done.
func (m *Manager) MarkDone(claimedPath string) error {
	return m.moveTo(claimedPath, m.doneDir)
}

// Fail moves a claimed feedback file into failedDir once the safety
// guard's per-task failure ceiling has been exceeded, giving up on it
// rather than unclaiming it for an endless retry loop.
func (m *Manager) Fail(claimedPath, failedDir string) error {
	return m.moveTo(claimedPath, failedDir)
}

func (m *Manager) moveTo(sourcePath, targetDir string) error {
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return fmt.Errorf("feedback: creating %s: %w", targetDir, err)
	}

	base := strings.TrimSuffix(filepath.Base(sourcePath), claimSuffix)
	dest := filepath.Join(targetDir, base)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	for i := 1; fileExists(dest); i++ {
		dest = filepath.Join(targetDir, fmt.Sprintf("%s-%d%s", stem, i, ext))
	}

	if err := os.Rename(sourcePath, dest); err != nil {
		return fmt.Errorf("feedback: moving %s to %s: %w", sourcePath, dest, err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
