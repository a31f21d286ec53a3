package coordinator

import (
	"github.com/autoforge/autoforge/internal/feedback"
	"github.com/autoforge/autoforge/internal/model"
	"github.com/autoforge/autoforge/internal/taskkey"
)

// partitionTasks implements spec.md §5.10's partitioning rule: each
// feedback item becomes its own singleton group (feedback carries
// explicit human intent and is never batched with anything else),
// consuming worker slots first; whatever slots remain are filled by
// the auto-discovered tasks, grouped by source and chunked into
// maxBatchSize-sized batches. Groups beyond maxWorkers are dropped —
// they simply wait for the next cycle.
func partitionTasks(feedbackItems []feedback.Item, discovered []model.Task, maxWorkers, maxBatchSize, maxTasksPerCycle int) []group {
	if maxTasksPerCycle > 0 && len(discovered) > maxTasksPerCycle {
		discovered = discovered[:maxTasksPerCycle]
	}
	if maxBatchSize < 1 {
		maxBatchSize = 1
	}

	var groups []group
	for _, item := range feedbackItems {
		if len(groups) >= maxWorkers {
			return groups
		}
		groups = append(groups, group{tasks: []model.Task{feedbackTask(item)}, claimedPath: item.Path})
	}

	for _, batch := range batchBySource(discovered, maxBatchSize) {
		if len(groups) >= maxWorkers {
			break
		}
		groups = append(groups, group{tasks: batch})
	}

	return groups
}

// batchBySource groups tasks by Source (preserving first-seen source
// order) and slices each source's tasks into batchSize-sized chunks.
func batchBySource(tasks []model.Task, batchSize int) [][]model.Task {
	bySource := make(map[model.TaskSource][]model.Task)
	var order []model.TaskSource
	for _, t := range tasks {
		if _, seen := bySource[t.Source]; !seen {
			order = append(order, t.Source)
		}
		bySource[t.Source] = append(bySource[t.Source], t)
	}

	var batches [][]model.Task
	for _, src := range order {
		tasks := bySource[src]
		for i := 0; i < len(tasks); i += batchSize {
			end := i + batchSize
			if end > len(tasks) {
				end = len(tasks)
			}
			batches = append(batches, tasks[i:end])
		}
	}
	return batches
}

// feedbackTask converts a pending feedback file into a Task, deriving
// its stable dedup key the same way any other task's is derived.
func feedbackTask(item feedback.Item) model.Task {
	t := model.Task{
		Description: item.Body,
		Priority:    item.Priority,
		Source:      model.SourceFeedback,
		SourceFile:  item.Filename,
	}
	t.Sanitize()
	t.TaskKey = taskkey.Derive(t)
	return t
}
