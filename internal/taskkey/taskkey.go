// Package taskkey derives the deterministic, stable dedup key for a Task
// per spec.md §4.11. The same underlying issue must always produce the
// same key across runs so the history store can recognize repeat work.
package taskkey

import (
	"fmt"
	"regexp"

	"github.com/cespare/xxhash/v2"

	"github.com/autoforge/autoforge/internal/model"
)

var (
	fileRefRe = regexp.MustCompile(
		"`([a-zA-Z0-9_/.\\-]+\\.(?:py|js|ts|tsx|jsx|go|rs|java|rb|sh|yaml|yml|json|md|txt))" +
			"(?::(\\d+))?(?:-\\d+)?`")
	fileRefFallbackRe = regexp.MustCompile(
		"(?:in\\s+|for\\s+)([a-zA-Z0-9_/.\\-]+\\.(?:py|js|ts|tsx|jsx|go|rs|java|rb|sh|yaml|yml|json|md|txt))" +
			"(?::(\\d+))?")
	coverageForRe  = regexp.MustCompile(`for\s+(\S+)`)
	testFailedRe   = regexp.MustCompile(`FAILED\s+(\S+)`)
)

// Derive computes the stable task key for a Task, following the recipe
// table in spec.md §4.11.
func Derive(t model.Task) string {
	switch t.Source {
	case model.SourceTODO:
		if t.SourceFile != "" {
			if t.LineNumber != 0 {
				return fmt.Sprintf("todo:%s:%d", t.SourceFile, t.LineNumber)
			}
			return fmt.Sprintf("todo:%s", t.SourceFile)
		}

	case model.SourceLint, model.SourceTestFailure, model.SourceQuality, model.SourceCoverage:
		if t.SourceFile != "" {
			return fmt.Sprintf("%s:%s", t.Source, t.SourceFile)
		}
		if t.Source == model.SourceCoverage {
			if m := coverageForRe.FindStringSubmatch(t.Description); m != nil {
				return fmt.Sprintf("coverage:%s", m[1])
			}
		}
		if t.Source == model.SourceTestFailure {
			if m := testFailedRe.FindStringSubmatch(t.Description); m != nil {
				return fmt.Sprintf("test_failure:%s", m[1])
			}
		}

	case model.SourceClaudeIdea:
		if m := fileRefRe.FindStringSubmatch(t.Description); m != nil {
			return fmt.Sprintf("claude_idea:%s", m[1])
		}
		if m := fileRefFallbackRe.FindStringSubmatch(t.Description); m != nil {
			return fmt.Sprintf("claude_idea:%s", m[1])
		}
		return fmt.Sprintf("claude_idea:%s", truncate(t.Description, 60))

	case model.SourceFeedback:
		if t.SourceFile != "" {
			return fmt.Sprintf("feedback:%s", t.SourceFile)
		}
	}

	return fmt.Sprintf("%s:%s", t.Source, t.Description)
}

// truncate returns the first n bytes of s, not splitting multi-byte runes
// unnecessarily carefully — task descriptions are expected to be plain text.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Hash returns a compact, deterministic fingerprint of a derived key,
// used where a fixed-width identifier is needed (e.g. worktree/branch
// disambiguation for otherwise-identical keys across concurrent workers).
func Hash(key string) uint64 {
	return xxhash.Sum64String(key)
}
