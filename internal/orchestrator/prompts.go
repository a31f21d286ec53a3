package orchestrator

import (
	"fmt"
	"strings"

	"github.com/autoforge/autoforge/internal/model"
)

func taskListing(tasks []model.Task) string {
	var b strings.Builder
	for _, t := range tasks {
		fmt.Fprintf(&b, "- [%s] %s\n", t.Source, t.Description)
		if t.Context != "" {
			fmt.Fprintf(&b, "  context: %s\n", t.Context)
		}
	}
	return b.String()
}

func protectedFilesListing(files []string) string {
	if len(files) == 0 {
		return "(none)"
	}
	return strings.Join(files, ", ")
}

// buildPlanPrompt is the first half of the optional plan→execute
// two-step: ask for a short plan in plain text, no file writes.
func buildPlanPrompt(tasks []model.Task, protectedFiles []string) string {
	return fmt.Sprintf(
		"You are about to make an automated change to this repository.\n\n"+
			"Tasks to address:\n%s\n"+
			"Protected files (never modify): %s\n\n"+
			"Before making any change, describe your plan in a few sentences. "+
			"Do not edit any file yet and do not run git.",
		taskListing(tasks), protectedFilesListing(protectedFiles),
	)
}

// buildExecutePrompt builds the single prompt that covers every task
// in the cycle at once — this is the "exactly one batch prompt" shape
// batch_mode requires whether or not a plan preceded it.
func buildExecutePrompt(tasks []model.Task, plan string, protectedFiles []string) string {
	var b strings.Builder
	b.WriteString("You are making an automated change to this repository.\n\n")
	if len(tasks) == 1 {
		fmt.Fprintf(&b, "Task (%s): %s\n", tasks[0].Source, tasks[0].Description)
		if tasks[0].Context != "" {
			fmt.Fprintf(&b, "Context:\n%s\n", tasks[0].Context)
		}
	} else {
		b.WriteString("Tasks:\n")
		b.WriteString(taskListing(tasks))
	}
	if plan != "" {
		b.WriteString("\nYour plan from the previous step:\n")
		b.WriteString(plan)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nProtected files (never modify): %s\n\n", protectedFilesListing(protectedFiles))
	b.WriteString("Make the minimal changes needed to satisfy the tasks above. Do not run git.")
	return b.String()
}
