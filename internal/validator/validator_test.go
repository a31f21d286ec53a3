package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoforge/autoforge/internal/config"
)

func TestValidator_AllStagesPass(t *testing.T) {
	v := New(config.ValidationConfig{
		LintCommand:  "true",
		LintTimeout:  5,
		TestCommand:  "true",
		TestTimeout:  5,
		BuildCommand: "true",
		BuildTimeout: 5,
	})
	result := v.Validate(t.Context(), t.TempDir())
	require.True(t, result.Passed)
	require.Len(t, result.Stages, 3)
	assert.Nil(t, result.FirstFailure())
	assert.Equal(t, "lint: passed, test: passed, build: passed", result.Summary())
}

func TestValidator_ShortCircuitsAtFirstFailure(t *testing.T) {
	v := New(config.ValidationConfig{
		LintCommand:  "false",
		LintTimeout:  5,
		TestCommand:  "true",
		TestTimeout:  5,
	})
	result := v.Validate(t.Context(), t.TempDir())
	require.False(t, result.Passed)
	require.Len(t, result.Stages, 1, "test stage must not run once lint fails")

	fail := result.FirstFailure()
	require.NotNil(t, fail)
	assert.Equal(t, StageLint, fail.Stage)
}

func TestValidator_SkipsEmptyCommands(t *testing.T) {
	v := New(config.ValidationConfig{TestCommand: "true", TestTimeout: 5})
	result := v.Validate(t.Context(), t.TempDir())
	require.True(t, result.Passed)
	require.Len(t, result.Stages, 3)
	assert.False(t, result.Stages[0].Ran, "lint stage has no command and must not run")
	assert.True(t, result.Stages[1].Ran)
	assert.False(t, result.Stages[2].Ran)
}

func TestApplyStagedPlaceholder(t *testing.T) {
	got := ApplyStagedPlaceholder("golangci-lint run {staged}", []string{"a.go", "b b.go"})
	assert.Equal(t, "golangci-lint run 'a.go' 'b b.go'", got)

	got = ApplyStagedPlaceholder("go build ./...", []string{"a.go"})
	assert.Equal(t, "go build ./...", got)
}
