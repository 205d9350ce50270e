// Package postexec provides read-only views over recorded pipeline
// executions. A Client walks the hierarchy pipeline, run, step
// execution, output; artifact payloads are materialized only when a
// handle is read, never while browsing.
package postexec

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loomworks/loom/artifact"
	"github.com/loomworks/loom/metadata"
)

// Client serves post-execution queries from a metadata store and the
// artifact store the recorded refs point into. It never writes.
type Client struct {
	meta      metadata.Store
	artifacts artifact.Store
}

func NewClient(meta metadata.Store, artifacts artifact.Store) (*Client, error) {
	if meta == nil {
		return nil, errors.New("metadata store is required")
	}
	if artifacts == nil {
		return nil, errors.New("artifact store is required")
	}
	return &Client{meta: meta, artifacts: artifacts}, nil
}

// Pipelines returns a view per registered pipeline, in chronological
// registration order.
func (c *Client) Pipelines(ctx context.Context) ([]PipelineView, error) {
	if c == nil {
		return nil, errors.New("postexec client not initialized")
	}
	records, err := c.meta.ListPipelines(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]PipelineView, 0, len(records))
	for _, rec := range records {
		views = append(views, PipelineView{client: c, record: rec})
	}
	return views, nil
}

// Pipeline returns the view of one registered pipeline.
func (c *Client) Pipeline(ctx context.Context, name string) (PipelineView, error) {
	if c == nil {
		return PipelineView{}, errors.New("postexec client not initialized")
	}
	rec, err := c.meta.GetPipeline(ctx, name)
	if err != nil {
		return PipelineView{}, err
	}
	return PipelineView{client: c, record: rec}, nil
}

// RunByID returns the view of a run addressed by its ID.
func (c *Client) RunByID(ctx context.Context, runID string) (RunView, error) {
	if c == nil {
		return RunView{}, errors.New("postexec client not initialized")
	}
	rec, err := c.meta.GetRunByID(ctx, runID)
	if err != nil {
		return RunView{}, err
	}
	return RunView{client: c, record: rec}, nil
}

// StepByID returns the view of a step execution addressed by its ID.
func (c *Client) StepByID(ctx context.Context, stepExecutionID string) (StepView, error) {
	if c == nil {
		return StepView{}, errors.New("postexec client not initialized")
	}
	rec, err := c.meta.GetStepByID(ctx, stepExecutionID)
	if err != nil {
		return StepView{}, err
	}
	return StepView{client: c, record: rec}, nil
}

// PipelineView is the entry point into one pipeline's history.
type PipelineView struct {
	client *Client
	record metadata.PipelineRecord
}

func (v PipelineView) Name() string { return v.record.Name }

// Record returns the underlying pipeline record.
func (v PipelineView) Record() metadata.PipelineRecord { return v.record }

// Runs returns the pipeline's runs in chronological start order. The
// result is fetched fresh on every call, since new runs may appear
// while the view is held.
func (v PipelineView) Runs(ctx context.Context) ([]RunView, error) {
	records, err := v.client.meta.ListRuns(ctx, v.record.Name)
	if err != nil {
		return nil, err
	}
	views := make([]RunView, 0, len(records))
	for _, rec := range records {
		views = append(views, RunView{client: v.client, record: rec})
	}
	return views, nil
}

// RunNames returns the names of the pipeline's runs in chronological
// start order.
func (v PipelineView) RunNames(ctx context.Context) ([]string, error) {
	records, err := v.client.meta.ListRuns(ctx, v.record.Name)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(records))
	for _, rec := range records {
		names = append(names, rec.Name)
	}
	return names, nil
}

// Run returns the named run. An unknown name fails with an error that
// lists the runs the pipeline does have, wrapping metadata.ErrNotFound
// so callers can still detect the miss.
func (v PipelineView) Run(ctx context.Context, name string) (RunView, error) {
	rec, err := v.client.meta.GetRun(ctx, v.record.Name, name)
	if err == nil {
		return RunView{client: v.client, record: rec}, nil
	}
	if !errors.Is(err, metadata.ErrNotFound) {
		return RunView{}, err
	}
	names, listErr := v.RunNames(ctx)
	if listErr != nil {
		return RunView{}, listErr
	}
	if len(names) == 0 {
		return RunView{}, fmt.Errorf("run %q: %w (pipeline %q has no runs)",
			name, metadata.ErrNotFound, v.record.Name)
	}
	return RunView{}, fmt.Errorf("run %q: %w (pipeline %q has runs: %s)",
		name, metadata.ErrNotFound, v.record.Name, strings.Join(names, ", "))
}

// RunView is one recorded execution of a pipeline.
type RunView struct {
	client *Client
	record metadata.RunRecord
}

func (v RunView) Name() string               { return v.record.Name }
func (v RunView) Status() metadata.RunStatus { return v.record.Status }
func (v RunView) Record() metadata.RunRecord { return v.record }

// Steps returns the run's step executions in declaration order.
func (v RunView) Steps(ctx context.Context) ([]StepView, error) {
	records, err := v.client.meta.ListSteps(ctx, v.record.ID)
	if err != nil {
		return nil, err
	}
	views := make([]StepView, 0, len(records))
	for _, rec := range records {
		views = append(views, StepView{client: v.client, record: rec})
	}
	return views, nil
}

// Step returns the run's execution of the named step.
func (v RunView) Step(ctx context.Context, name string) (StepView, error) {
	rec, err := v.client.meta.GetStep(ctx, v.record.ID, name)
	if err != nil {
		return StepView{}, err
	}
	return StepView{client: v.client, record: rec}, nil
}

// StepView is one step execution within a run.
type StepView struct {
	client *Client
	record metadata.StepExecution
}

func (v StepView) Name() string                  { return v.record.Name }
func (v StepView) Status() metadata.StepStatus   { return v.record.Status }
func (v StepView) Record() metadata.StepExecution { return v.record }

// Outputs returns a handle per recorded output of this execution. No
// payload is read.
func (v StepView) Outputs(ctx context.Context) ([]OutputHandle, error) {
	records, err := v.client.meta.ListArtifacts(ctx, v.record.ID)
	if err != nil {
		return nil, err
	}
	handles := make([]OutputHandle, 0, len(records))
	for _, rec := range records {
		handles = append(handles, OutputHandle{client: v.client, record: rec})
	}
	return handles, nil
}

// Output returns the handle on one named output. An unknown name fails
// with an error listing the outputs the execution did record.
func (v StepView) Output(ctx context.Context, name string) (OutputHandle, error) {
	records, err := v.client.meta.ListArtifacts(ctx, v.record.ID)
	if err != nil {
		return OutputHandle{}, err
	}
	available := make([]string, 0, len(records))
	for _, rec := range records {
		if rec.Output == name {
			return OutputHandle{client: v.client, record: rec}, nil
		}
		available = append(available, rec.Output)
	}
	if len(available) == 0 {
		return OutputHandle{}, fmt.Errorf("output %q: %w (step %q recorded no outputs)",
			name, metadata.ErrNotFound, v.record.Name)
	}
	return OutputHandle{}, fmt.Errorf("output %q: %w (step %q has outputs: %s)",
		name, metadata.ErrNotFound, v.record.Name, strings.Join(available, ", "))
}

// OutputHandle points at one recorded output without loading it. Raw
// and Read fetch the payload from the artifact store on each call; a
// ref whose blob has since disappeared surfaces artifact.ErrNotFound.
type OutputHandle struct {
	client *Client
	record metadata.ArtifactRecord
}

func (h OutputHandle) Name() string                     { return h.record.Output }
func (h OutputHandle) Ref() artifact.Ref                { return h.record.Ref }
func (h OutputHandle) Record() metadata.ArtifactRecord  { return h.record }

// Raw returns the stored payload bytes, verified against the recorded
// digest.
func (h OutputHandle) Raw(ctx context.Context) ([]byte, error) {
	data, err := h.client.artifacts.Read(ctx, h.record.Ref.Location)
	if err != nil {
		return nil, err
	}
	if digest := artifact.Digest(data); digest != h.record.Ref.Digest {
		return nil, fmt.Errorf("artifact %s: stored digest %s does not match recorded %s",
			h.record.Ref.Location, digest, h.record.Ref.Digest)
	}
	return data, nil
}

// Read returns the payload decoded with the codec it was written with.
func (h OutputHandle) Read(ctx context.Context) (any, error) {
	data, err := h.Raw(ctx)
	if err != nil {
		return nil, err
	}
	codec, err := artifact.CodecByName(h.record.Ref.Codec)
	if err != nil {
		return nil, err
	}
	value, err := codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("artifact %s: %w", h.record.Ref.Location, err)
	}
	return value, nil
}
