// Package discovery implements the one auto-discovery heuristic this
// orchestrator ships with out of the box: scanning source files for
// TODO/FIXME/HACK-style comments. It satisfies internal/model.TaskSource,
// the extension point internal/coordinator and internal/orchestrator
// consume — lint findings, test-failure mining, coverage-gap analysis,
// and Claude-generated improvement ideas are the remaining heuristics
// original_source/task_discovery.py implements, left out here as a
// scope boundary: they each call out to a separate tool or another
// Claude invocation, which is exactly the kind of "discovery heuristic"
// spec.md and SPEC_FULL.md describe as out of scope for the core.
//
// Grounded directly on task_discovery.py's _discover_todos /
// _extract_comment_text: the same per-extension comment-prefix table,
// the same string-literal stripping before a comment match, the same
// walk-with-deadline shape (a timeout here bounds total scan time
// rather than Python's time.monotonic() polling loop, since Go's
// filepath.WalkDir has no natural per-step interrupt point otherwise),
// and the same context-snippet/description-truncation behavior.
package discovery

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/autoforge/autoforge/internal/config"
	"github.com/autoforge/autoforge/internal/model"
)

// commentPrefixes maps a file extension to the comment markers that
// extension recognizes, same table as task_discovery.py's
// _COMMENT_PREFIXES.
var commentPrefixes = map[string][]string{
	".py":  {"#"},
	".rb":  {"#"},
	".js":  {"//", "/*"},
	".ts":  {"//", "/*"},
	".jsx": {"//", "/*"},
	".tsx": {"//", "/*"},
	".go":  {"//", "/*"},
	".rs":  {"//", "/*"},
	".java": {"//", "/*"},
}

var stringLiteralRe = regexp.MustCompile(`"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'`)

const (
	maxCommentLen  = 120
	contextLines   = 5
	defaultScanDir = "."
)

// scanTimeout bounds the TODO scan's total wall-clock duration, same
// purpose as task_discovery.py's TODO_SCAN_TIMEOUT.
const scanTimeout = 60 * time.Second

// TODOSource scans a directory tree for TODO-style comments.
type TODOSource struct {
	rootDir string
	cfg     config.DiscoveryConfig
}

// NewTODOSource builds a TODOSource rooted at rootDir.
func NewTODOSource(rootDir string, cfg config.DiscoveryConfig) *TODOSource {
	return &TODOSource{rootDir: rootDir, cfg: cfg}
}

// GatherTasks implements model.TaskSource.
func (s *TODOSource) GatherTasks(ctx context.Context) ([]model.Task, error) {
	if !s.cfg.EnableTODOs || len(s.cfg.TODOPatterns) == 0 {
		return nil, nil
	}

	keywordRe, err := keywordPattern(s.cfg.TODOPatterns)
	if err != nil {
		return nil, fmt.Errorf("discovery: compiling TODO pattern: %w", err)
	}
	exclude := make(map[string]bool, len(s.cfg.ExcludeDirs))
	for _, d := range s.cfg.ExcludeDirs {
		exclude[d] = true
	}

	deadline := time.Now().Add(scanTimeout)
	var tasks []model.Task

	err = filepath.WalkDir(s.rootDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return filepath.SkipAll
		}
		if d.IsDir() {
			if exclude[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}

		ext := filepath.Ext(path)
		prefixes, ok := commentPrefixes[ext]
		if !ok {
			return nil
		}

		relPath, relErr := filepath.Rel(s.rootDir, path)
		if relErr != nil {
			relPath = path
		}
		found, scanErr := scanFile(path, relPath, ext, prefixes, keywordRe)
		if scanErr != nil {
			return nil
		}
		tasks = append(tasks, found...)
		return nil
	})
	if err != nil && err != filepath.SkipAll {
		return nil, err
	}

	if max := s.cfg.MaxTODOTasks; max > 0 && len(tasks) > max {
		tasks = tasks[:max]
	}
	return tasks, nil
}

func keywordPattern(patterns []string) (*regexp.Regexp, error) {
	escaped := make([]string, len(patterns))
	for i, p := range patterns {
		escaped[i] = regexp.QuoteMeta(p)
	}
	return regexp.Compile(`(?i)^\s*(` + strings.Join(escaped, "|") + `)\b`)
}

func scanFile(path, relPath, ext string, prefixes []string, keywordRe *regexp.Regexp) ([]model.Task, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	var tasks []model.Task
	for i, line := range lines {
		comment := extractCommentText(line, prefixes)
		if comment == "" {
			continue
		}
		match := keywordRe.FindStringSubmatch(comment)
		if match == nil {
			continue
		}

		lineNo := i + 1
		trimmed := strings.TrimSpace(line)
		if len(trimmed) > maxCommentLen {
			trimmed = trimmed[:maxCommentLen] + "..."
		}
		tasks = append(tasks, model.Task{
			Description: fmt.Sprintf("Address %s in %s:%d: %s", match[1], relPath, lineNo, trimmed),
			Priority:    3,
			Source:      model.SourceTODO,
			SourceFile:  relPath,
			LineNumber:  lineNo,
			Context:     snippet(lines, i, contextLines),
		})
	}
	return tasks, nil
}

// extractCommentText strips string literals from line, then returns
// the text following the earliest matching comment prefix, or "" if
// no prefix for this extension appears.
func extractCommentText(line string, prefixes []string) string {
	stripped := stringLiteralRe.ReplaceAllString(line, "")

	earliest, pfxLen := -1, 0
	for _, pfx := range prefixes {
		if pos := strings.Index(stripped, pfx); pos != -1 && (earliest == -1 || pos < earliest) {
			earliest, pfxLen = pos, len(pfx)
		}
	}
	if earliest == -1 {
		return ""
	}
	return stripped[earliest+pfxLen:]
}

// snippet renders up to n lines of context centered on index i.
func snippet(lines []string, i, n int) string {
	start := i - n
	if start < 0 {
		start = 0
	}
	end := i + n + 1
	if end > len(lines) {
		end = len(lines)
	}
	s := strings.Join(lines[start:end], "\n")
	if len(s) > model.MaxContextLen {
		s = s[:model.MaxContextLen]
	}
	return s
}
