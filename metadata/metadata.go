// Package metadata defines the bookkeeping contract for pipeline
// execution: pipelines, runs, step executions and produced artifacts,
// plus the status machine that keeps their histories append-only.
package metadata

import (
	"context"
	"time"
)

// StepUpdate carries the optional fields written alongside a step
// status transition. Zero-valued fields leave the stored value
// unchanged.
type StepUpdate struct {
	CacheKey   string
	Error      string
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// Store records and serves execution metadata. Implementations must
// reject status transitions the status machine forbids with a
// *InvalidTransitionError, and must report missing records with
// ErrNotFound.
type Store interface {
	// EnsurePipeline registers a pipeline by name, updating the stored
	// definition snapshot when the pipeline already exists.
	EnsurePipeline(ctx context.Context, name string, spec []byte) (PipelineRecord, error)
	GetPipeline(ctx context.Context, name string) (PipelineRecord, error)
	// ListPipelines returns registered pipelines in chronological
	// creation order.
	ListPipelines(ctx context.Context) ([]PipelineRecord, error)

	// CreateRun inserts a new run. Run names are unique per pipeline;
	// a collision fails with ErrRunExists.
	CreateRun(ctx context.Context, run RunRecord) (RunRecord, error)
	GetRun(ctx context.Context, pipelineName, runName string) (RunRecord, error)
	GetRunByID(ctx context.Context, runID string) (RunRecord, error)
	// ListRuns returns the runs of a pipeline in chronological start
	// order.
	ListRuns(ctx context.Context, pipelineName string) ([]RunRecord, error)
	// FinishRun moves a running run to a terminal status.
	FinishRun(ctx context.Context, runID string, status RunStatus, errMsg string) error

	// CreateStepExecutions inserts the pending execution records for a
	// run, one per step, in declaration order.
	CreateStepExecutions(ctx context.Context, execs []StepExecution) error
	GetStep(ctx context.Context, runID, stepName string) (StepExecution, error)
	GetStepByID(ctx context.Context, stepExecutionID string) (StepExecution, error)
	// ListSteps returns the step executions of a run in declaration
	// order.
	ListSteps(ctx context.Context, runID string) ([]StepExecution, error)
	// TransitionStep atomically moves a step execution to next,
	// applying update in the same write.
	TransitionStep(ctx context.Context, stepExecutionID string, next StepStatus, update StepUpdate) error

	RecordArtifact(ctx context.Context, rec ArtifactRecord) (ArtifactRecord, error)
	ListArtifacts(ctx context.Context, stepExecutionID string) ([]ArtifactRecord, error)

	// FindCachedStep returns the most recent reusable execution of the
	// given pipeline whose cache key matches, or ErrNotFound.
	FindCachedStep(ctx context.Context, pipelineName, cacheKey string) (StepExecution, error)
}
