package costpredict

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/autoforge/autoforge/internal/model"
)

func TestEstimatePromptTokens(t *testing.T) {
	assert.Equal(t, 100.0, EstimatePromptTokens(400))
}

func TestEstimateTaskCost_ScalesWithModel(t *testing.T) {
	tasks := []model.Task{{Description: "fix the bug in parser.go", Context: "some context"}}

	opusCost := EstimateTaskCost(tasks, "opus")
	haikuCost := EstimateTaskCost(tasks, "haiku")
	assert.Greater(t, opusCost, haikuCost, "opus is priced higher per token than haiku")
}

func TestEstimateTaskCost_UnknownModelFallsBackToSonnet(t *testing.T) {
	tasks := []model.Task{{Description: "x"}}
	unknownCost := EstimateTaskCost(tasks, "nonexistent-model")
	sonnetCost := EstimateTaskCost(tasks, "sonnet")
	assert.Equal(t, sonnetCost, unknownCost)
}

func TestCheckCostBudget_NoLimitAlwaysAllowed(t *testing.T) {
	tasks := []model.Task{{Description: "a big expensive task " + string(make([]byte, 5000))}}
	allowed, _, _ := CheckCostBudget(tasks, "opus", Budget{}, 0)
	assert.True(t, allowed)
}

func TestCheckCostBudget_OverBudget(t *testing.T) {
	tasks := make([]model.Task, 50)
	for i := range tasks {
		tasks[i] = model.Task{Description: "a fairly long task description that costs real tokens to process here"}
	}
	allowed, estimated, remaining := CheckCostBudget(tasks, "opus", Budget{MaxCostUSDPerHour: 0.00001}, 0)
	assert.False(t, allowed)
	assert.Greater(t, estimated, remaining)
}
