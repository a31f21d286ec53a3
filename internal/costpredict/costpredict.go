// Package costpredict estimates the dollar cost of running a batch of
// tasks through the configured model before committing to the call,
// purely advisory: spec.md §9 resolves the corresponding Open Question
// by logging a warning and proceeding rather than blocking a cycle.
//
// Ported from original_source/cost_predictor.py: same per-model
// cost table, same chars-per-token heuristic, same output/input
// cost ratio.
package costpredict

import (
	"fmt"

	"github.com/autoforge/autoforge/internal/model"
)

// charsPerToken is the rough heuristic for estimating token count from
// prompt character length, same constant as the Python original.
const charsPerToken = 4.0

// outputToInputRatio estimates output tokens as a fraction of input
// tokens for a typical agent turn.
const outputToInputRatio = 0.5

// outputCostMultiplier accounts for output tokens costing more per
// token than input tokens on most model pricing tables.
const outputCostMultiplier = 5.0

// promptOverheadChars is a fixed per-task overhead added to the raw
// description length to account for the surrounding prompt template.
const promptOverheadChars = 500

// costPerMillionInputTokens is the per-model dollar cost of one
// million input tokens, keyed by model alias.
var costPerMillionInputTokens = map[string]float64{
	"opus":   15.0,
	"sonnet": 3.0,
	"haiku":  0.25,
}

// EstimatePromptTokens estimates the number of input tokens a prompt of
// the given character length will consume.
func EstimatePromptTokens(charLength int) float64 {
	return float64(charLength) / charsPerToken
}

// EstimateTaskCost estimates the dollar cost of running tasks through
// model, including the fixed prompt overhead added once per task.
func EstimateTaskCost(tasks []model.Task, modelAlias string) float64 {
	perMillion, ok := costPerMillionInputTokens[modelAlias]
	if !ok {
		perMillion = costPerMillionInputTokens["sonnet"]
	}

	var total float64
	for _, t := range tasks {
		chars := len(t.Description) + len(t.Context) + promptOverheadChars
		inputTokens := EstimatePromptTokens(chars)
		outputTokens := inputTokens * outputToInputRatio

		inputCost := inputTokens / 1_000_000 * perMillion
		outputCost := outputTokens / 1_000_000 * perMillion * outputCostMultiplier
		total += inputCost + outputCost
	}
	return total
}

// Budget mirrors the subset of config the predictor needs, kept narrow
// so costpredict does not import the whole config package just for two
// fields.
type Budget struct {
	MaxCostUSDPerHour float64
}

// CheckCostBudget estimates the cost of tasks and reports whether
// running them would be expected to push the hourly spend over budget.
// It never blocks the caller — per the Python original's own
// check_cost_budget, the decision is advisory: the caller logs the
// warning and proceeds.
func CheckCostBudget(tasks []model.Task, modelAlias string, budget Budget, spentThisHour float64) (allowed bool, estimatedCost float64, remainingBudget float64) {
	estimatedCost = EstimateTaskCost(tasks, modelAlias)
	if budget.MaxCostUSDPerHour <= 0 {
		return true, estimatedCost, 0
	}
	remainingBudget = budget.MaxCostUSDPerHour - spentThisHour
	allowed = estimatedCost <= remainingBudget
	return allowed, estimatedCost, remainingBudget
}

// WarningMessage renders the advisory log line for a budget check that
// came back over-budget but was allowed to proceed anyway.
func WarningMessage(estimatedCost, remainingBudget float64) string {
	return fmt.Sprintf("estimated task cost $%.4f exceeds remaining hourly budget $%.4f; proceeding anyway (advisory check)", estimatedCost, remainingBudget)
}
