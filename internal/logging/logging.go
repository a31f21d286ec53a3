// Package logging provides the single structured logger shared by every
// long-lived component (coordinator, worker, safety guard, circuit
// breaker, notification dispatcher). The teacher repo logs via bare
// fmt.Fprintf; this upgrades to charmbracelet/log's leveled, prefixed
// logger while keeping the same "never panics, always to stderr unless
// redirected" posture.
package logging

import (
	"io"
	"os"

	"github.com/charmbracelet/log"
)

// Default is the process-wide logger. Components take it as a
// constructor argument instead of reaching for a package-level global
// directly, so tests can inject a silent or buffered logger.
var Default = New(os.Stderr, log.InfoLevel)

// New builds a charmbracelet/log logger writing to w at the given level,
// with a timestamp and no report-caller noise (matching the teacher's
// terse stderr messages).
func New(w io.Writer, level log.Level) *log.Logger {
	l := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		Level:           level,
	})
	return l
}

// ParseLevel maps a config string ("debug", "info", "warn", "error") to
// a log.Level, defaulting to Info on anything unrecognized.
func ParseLevel(s string) log.Level {
	lvl, err := log.ParseLevel(s)
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}

// WithPrefix returns a derived logger tagged with a component name, e.g.
// logging.Default.With("component", "safety").
func WithPrefix(l *log.Logger, component string) *log.Logger {
	return l.With("component", component)
}
