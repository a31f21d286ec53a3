package model

import "context"

// TaskSource gathers Tasks from an external discovery mechanism (static
// analysis, TODO scanning, coverage gaps, prior Claude suggestions, ...).
// The discovery heuristics themselves stay out of scope; Coordinator and
// Orchestrator only consume this interface.
type TaskSource interface {
	GatherTasks(ctx context.Context) ([]Task, error)
}
