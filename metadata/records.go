package metadata

import (
	"time"

	"github.com/loomworks/loom/artifact"
)

// PipelineRecord is a registered pipeline with its latest definition
// snapshot.
type PipelineRecord struct {
	ID        string
	Name      string
	Spec      []byte
	CreatedAt time.Time
}

// RunRecord is one execution of a pipeline. Name is unique within the
// pipeline; EndedAt stays nil until the run reaches a terminal status.
type RunRecord struct {
	ID         string
	PipelineID string
	Name       string
	Status     RunStatus
	Error      string
	StartedAt  time.Time
	EndedAt    *time.Time
}

// StepExecution is one step of one run. Seq is the step's declaration
// index, used to keep listings in pipeline order. Config holds the
// canonical JSON of the effective configuration the step ran with.
type StepExecution struct {
	ID         string
	RunID      string
	PipelineID string
	Name       string
	Seq        int
	Status     StepStatus
	CacheKey   string
	Config     []byte
	Error      string
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// ArtifactRecord ties one produced output of a step execution to its
// stored blob. Cached executions re-record the refs of the execution
// they reuse, so every execution lists its full outputs.
type ArtifactRecord struct {
	ID              string
	StepExecutionID string
	RunID           string
	PipelineID      string
	Output          string
	Ref             artifact.Ref
	CreatedAt       time.Time
}
