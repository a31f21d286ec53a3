package pipeline

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

func buildPlanPrompt(tasks []model.Task, protectedFiles []string) string {
	return fmt.Sprintf(
		"You are the planning stage of an automated change pipeline.\n\n"+
			"Tasks to address:\n%s\n"+
			"Protected files (never modify): %s\n\n"+
			"Write a short implementation plan to the file plan.md in the "+
			"current workspace. Do not modify any other file. Do not run git.",
		taskListing(tasks), protectedFilesListing(protectedFiles),
	)
}

func buildCodePrompt(tasks []model.Task, plan, review string, protectedFiles []string) string {
	var b strings.Builder
	b.WriteString("You are the coding stage of an automated change pipeline.\n\n")
	b.WriteString("Tasks to address:\n")
	b.WriteString(taskListing(tasks))
	if plan != "" {
		b.WriteString("\nPlan from the planning stage:\n")
		b.WriteString(plan)
		b.WriteString("\n")
	}
	if review != "" {
		b.WriteString("\nFeedback from the previous review, address it before anything else:\n")
		b.WriteString(review)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nProtected files (never modify): %s\n\n", protectedFilesListing(protectedFiles))
	b.WriteString("Make the minimal changes needed to satisfy the tasks above. Do not run git.")
	return b.String()
}

func buildReviewPrompt(tasks []model.Task, plan string) string {
	var b strings.Builder
	b.WriteString("You are the review stage of an automated change pipeline. ")
	b.WriteString("Examine the change made by the coding stage against the tasks below " +
		"and the original plan, then write your verdict to review.md in the " +
		"current workspace.\n\n")
	b.WriteString("Tasks:\n")
	b.WriteString(taskListing(tasks))
	if plan != "" {
		b.WriteString("\nOriginal plan:\n")
		b.WriteString(plan)
		b.WriteString("\n")
	}
	b.WriteString("\nThe first line of review.md must be exactly \"VERDICT: APPROVED\" " +
		"or \"VERDICT: REVISE\", followed by your reasoning and, if REVISE, " +
		"concrete instructions for the next coding iteration. Do not run git.")
	return b.String()
}
