package model

import "time"

// CycleRecord is the persisted outcome of one orchestration cycle.
// It is immutable after being written to the history store.
type CycleRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"task_description"`
	TaskType    string    `json:"task_type"`
	Success     bool      `json:"success"`
	CommitHash  string    `json:"commit_hash,omitempty"`
	CostUSD     float64   `json:"cost_usd"`
	Duration    float64   `json:"duration_seconds"`
	Validation  string    `json:"validation_summary,omitempty"`
	Error       string    `json:"error,omitempty"`

	Descriptions []string `json:"task_descriptions,omitempty"`
	TaskTypes    []string `json:"task_types,omitempty"`
	TaskKeys     []string `json:"task_keys,omitempty"`
	SourceFiles  []string `json:"source_files,omitempty"`
	LineNumbers  []int    `json:"line_numbers,omitempty"`

	BatchSize int `json:"batch_size"`

	PipelineMode           bool `json:"pipeline_mode,omitempty"`
	PipelineRevisionCount  int  `json:"pipeline_revision_count,omitempty"`
	PipelineReviewApproved bool `json:"pipeline_review_approved,omitempty"`
}

// WorkerResult is the outcome of a single Worker's execute() cycle.
type WorkerResult struct {
	Success    bool
	BranchName string
	CommitHash string
	CostUSD    float64
	Duration   float64
	Error      string
	Tasks      []Task
}

// PipelineResult is the aggregated outcome of an agent sub-pipeline run.
type PipelineResult struct {
	Success             bool
	AgentResults        []AgentResult
	TotalCostUSD        float64
	TotalDuration       float64
	RevisionCount       int
	FinalReviewApproved bool
	Error               string
}

// AgentResult is the outcome of a single pipeline agent invocation
// (planner, coder, tester, or reviewer).
type AgentResult struct {
	Agent      string
	Success    bool
	OutputText string
	CostUSD    float64
	Duration   float64
	Error      string
}

// Snapshot records a commit hash captured before a mutating operation,
// used to perform a blanket or targeted rollback.
type Snapshot struct {
	CommitHash string
}
