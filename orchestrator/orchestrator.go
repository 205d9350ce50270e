// Package orchestrator executes validated pipelines. An orchestrator
// prepares the run and step records, resolves step inputs from
// upstream artifacts, reuses cached results when a step's code,
// configuration and inputs match a prior execution, and persists every
// produced output before a step is marked finished.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/artifact"
	"github.com/loomworks/loom/cache"
	"github.com/loomworks/loom/metadata"
	"github.com/loomworks/loom/pipeline"
)

// Orchestrator executes a pipeline against the configured backends.
type Orchestrator interface {
	Run(ctx context.Context, p *pipeline.Pipeline, opts RunOptions) (RunResult, error)
}

// Deps are the backends an orchestrator writes through. Cache may be
// nil, in which case a resolver is built on the metadata store.
type Deps struct {
	Metadata  metadata.Store
	Artifacts artifact.Store
	Cache     *cache.Resolver
	Logger    *slog.Logger
}

func (d Deps) validate() error {
	if d.Metadata == nil {
		return errors.New("metadata store is required")
	}
	if d.Artifacts == nil {
		return errors.New("artifact store is required")
	}
	return nil
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// RunOptions tune one run.
type RunOptions struct {
	// RunName identifies the run within its pipeline. Empty means a
	// generated unique name.
	RunName string
	// Config overrides step configuration and caching for this run.
	Config RunConfig
}

// RunResult is the final run record plus per-step outcomes in
// execution order.
type RunResult struct {
	Run   metadata.RunRecord
	Steps []StepResult
}

// StepResult is the outcome of one step within a run.
type StepResult struct {
	Name     string
	Status   metadata.StepStatus
	CacheKey string
	Outputs  []metadata.ArtifactRecord
	Err      error
}

// StepExecutionError reports a failed step. The run records the error
// and every step downstream of the failure is marked not_run.
type StepExecutionError struct {
	Pipeline string
	Run      string
	Step     string
	Err      error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %s failed in run %s of pipeline %s: %v", e.Step, e.Run, e.Pipeline, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

// runner holds the per-run state shared by the orchestrators. The
// orchestrators decide when each step executes; the runner owns how.
type runner struct {
	meta      metadata.Store
	artifacts artifact.Store
	cache     *cache.Resolver
	log       *slog.Logger

	pipeline *pipeline.Pipeline
	opts     RunOptions

	run   metadata.RunRecord
	steps map[string]*stepState

	mu      sync.Mutex
	outputs map[string]map[string]metadata.ArtifactRecord
}

type stepState struct {
	spec     pipeline.StepSpec
	config   pipeline.Values
	exec     metadata.StepExecution
	cacheKey string
}

func newRunner(deps Deps, p *pipeline.Pipeline, opts RunOptions) (*runner, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errors.New("pipeline is required")
	}
	resolver := deps.Cache
	if resolver == nil {
		resolver = cache.NewResolver(deps.Metadata)
	}
	return &runner{
		meta:      deps.Metadata,
		artifacts: deps.Artifacts,
		cache:     resolver,
		log:       deps.logger(),
		pipeline:  p,
		opts:      opts,
		outputs:   make(map[string]map[string]metadata.ArtifactRecord),
	}, nil
}

// prepare registers the pipeline, creates the run, and inserts one
// pending execution record per step in execution order.
func (r *runner) prepare(ctx context.Context) error {
	for name := range r.opts.Config.Steps {
		if _, ok := r.pipeline.Step(name); !ok {
			return fmt.Errorf("run config overrides unknown step %q", name)
		}
	}

	snap, err := r.pipeline.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot pipeline: %w", err)
	}
	pipe, err := r.meta.EnsurePipeline(ctx, r.pipeline.Name(), snap)
	if err != nil {
		return err
	}

	runName := strings.TrimSpace(r.opts.RunName)
	if runName == "" {
		runName = generateRunName(r.pipeline.Name())
	}
	run, err := r.meta.CreateRun(ctx, metadata.RunRecord{PipelineID: pipe.ID, Name: runName})
	if err != nil {
		return err
	}
	r.run = run

	order := r.pipeline.Order()
	execs := make([]metadata.StepExecution, 0, len(order))
	r.steps = make(map[string]*stepState, len(order))
	for seq, name := range order {
		spec, _ := r.pipeline.Step(name)
		config := effectiveConfig(spec, r.opts.Config.Steps[name])
		configJSON, err := cache.CanonicalJSON(config)
		if err != nil {
			return fmt.Errorf("encode config of step %q: %w", name, err)
		}
		exec := metadata.StepExecution{
			ID:         uuid.NewString(),
			RunID:      run.ID,
			PipelineID: pipe.ID,
			Name:       name,
			Seq:        seq,
			Status:     metadata.StepPending,
			Config:     configJSON,
		}
		execs = append(execs, exec)
		r.steps[name] = &stepState{spec: spec, config: config, exec: exec}
	}
	if err := r.meta.CreateStepExecutions(ctx, execs); err != nil {
		detached := context.WithoutCancel(ctx)
		if ferr := r.meta.FinishRun(detached, run.ID, metadata.RunFailed, err.Error()); ferr != nil {
			r.log.Error("finish broken run", "run", run.Name, "error", ferr)
		}
		return fmt.Errorf("create step executions: %w", err)
	}

	r.log.Info("run started",
		"pipeline", r.pipeline.Name(),
		"run", run.Name,
		"steps", len(order),
	)
	return nil
}

// executeStep runs one step end to end: resolve inputs, compute the
// cache key, reuse a prior execution or run the step function, persist
// outputs, and record the final status. It never panics and never
// returns without the step's execution record reaching a terminal
// status.
func (r *runner) executeStep(ctx context.Context, name string) StepResult {
	state := r.steps[name]
	log := r.log.With("pipeline", r.pipeline.Name(), "run", r.run.Name, "step", name)

	if err := ctx.Err(); err != nil {
		return r.finishStepFailure(ctx, state, err)
	}

	inputs, err := r.resolveInputs(name)
	if err != nil {
		return r.finishStepFailure(ctx, state, err)
	}

	keyInput := cache.KeyInput{
		Pipeline: r.pipeline.Name(),
		Step:     name,
		Version:  state.spec.Version,
		Config:   state.config,
		Inputs:   make([]cache.InputArtifact, 0, len(inputs)),
	}
	for _, in := range inputs {
		if in.isLiteral {
			if keyInput.Literals == nil {
				keyInput.Literals = pipeline.Values{}
			}
			keyInput.Literals[in.name] = in.literal
			continue
		}
		keyInput.Inputs = append(keyInput.Inputs, cache.InputArtifact{
			Name:     in.name,
			Location: in.ref.Location,
			Digest:   in.ref.Digest,
		})
	}
	key, err := cache.Key(keyInput)
	if err != nil {
		return r.finishStepFailure(ctx, state, fmt.Errorf("compute cache key: %w", err))
	}
	state.cacheKey = key

	if r.cacheEnabled(state.spec) {
		hit, err := r.cache.Resolve(ctx, r.pipeline.Name(), key)
		if err != nil {
			return r.finishStepFailure(ctx, state, err)
		}
		if hit != nil {
			if result, done := r.adoptCached(ctx, state, key, hit); done {
				log.Info("step result reused",
					"cache_key", key,
					"source_execution", hit.Execution.ID,
				)
				return result
			}
		}
	}

	started := time.Now().UTC()
	if err := r.meta.TransitionStep(ctx, state.exec.ID, metadata.StepRunning, metadata.StepUpdate{
		CacheKey:  key,
		StartedAt: &started,
	}); err != nil {
		return r.finishStepFailure(ctx, state, fmt.Errorf("mark step running: %w", err))
	}
	log.Info("step started", "cache_key", key)

	in := pipeline.Values{}
	for _, input := range inputs {
		value, err := r.loadInput(ctx, input)
		if err != nil {
			return r.finishStepFailure(ctx, state, err)
		}
		in[input.name] = value
	}

	out, err := runStepFunc(ctx, state.spec.Run, in, state.config)
	if err != nil {
		log.Error("step failed", "error", err)
		return r.finishStepFailure(ctx, state, err)
	}
	if out == nil {
		out = pipeline.Values{}
	}
	for _, o := range state.spec.Outputs {
		if _, ok := out[o.Name]; !ok {
			return r.finishStepFailure(ctx, state, fmt.Errorf("step returned no value for declared output %q", o.Name))
		}
	}
	for produced := range out {
		if _, ok := state.spec.Output(produced); !ok {
			return r.finishStepFailure(ctx, state, fmt.Errorf("step returned undeclared output %q", produced))
		}
	}

	records := make([]metadata.ArtifactRecord, 0, len(state.spec.Outputs))
	for _, o := range state.spec.Outputs {
		rec, err := r.persistOutput(ctx, state, o, out[o.Name])
		if err != nil {
			return r.finishStepFailure(ctx, state, err)
		}
		records = append(records, rec)
	}

	finished := time.Now().UTC()
	if err := r.meta.TransitionStep(ctx, state.exec.ID, metadata.StepCompleted, metadata.StepUpdate{
		FinishedAt: &finished,
	}); err != nil {
		return r.finishStepFailure(ctx, state, fmt.Errorf("mark step completed: %w", err))
	}
	r.storeOutputs(name, records)
	log.Info("step completed", "outputs", len(records), "duration", finished.Sub(started))

	return StepResult{Name: name, Status: metadata.StepCompleted, CacheKey: key, Outputs: records}
}

// runStepFunc converts a panicking step body into a step failure so
// one bad step cannot take down the whole process.
func runStepFunc(ctx context.Context, fn pipeline.Func, in, config pipeline.Values) (out pipeline.Values, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out = nil
			err = fmt.Errorf("step panicked: %v", rec)
		}
	}()
	return fn(ctx, in, config)
}

type resolvedInput struct {
	name      string
	isLiteral bool
	literal   any
	ref       artifact.Ref
}

// resolveInputs maps each declared input of a step to either its bound
// constant or the recorded artifact of the producing step's output.
func (r *runner) resolveInputs(name string) ([]resolvedInput, error) {
	sources := r.pipeline.Sources(name)
	resolved := make([]resolvedInput, 0, len(sources))
	for _, src := range sources {
		if src.From == "" {
			resolved = append(resolved, resolvedInput{name: src.Input, isLiteral: true, literal: src.Literal})
			continue
		}
		rec, ok := r.output(src.From, src.Output)
		if !ok {
			return nil, fmt.Errorf("output %q of step %q is not available", src.Output, src.From)
		}
		resolved = append(resolved, resolvedInput{name: src.Input, ref: rec.Ref})
	}
	return resolved, nil
}

// loadInput fetches and decodes one bound input, verifying the stored
// content still matches the recorded digest.
func (r *runner) loadInput(ctx context.Context, in resolvedInput) (any, error) {
	if in.isLiteral {
		return in.literal, nil
	}
	data, err := r.artifacts.Read(ctx, in.ref.Location)
	if err != nil {
		return nil, fmt.Errorf("read input %q from %s: %w", in.name, in.ref.Location, err)
	}
	if got := artifact.Digest(data); got != in.ref.Digest {
		return nil, fmt.Errorf("input %q at %s: stored digest %s does not match recorded %s", in.name, in.ref.Location, got, in.ref.Digest)
	}
	codec, err := artifact.CodecByName(in.ref.Codec)
	if err != nil {
		return nil, fmt.Errorf("input %q: %w", in.name, err)
	}
	value, err := codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode input %q: %w", in.name, err)
	}
	return value, nil
}

// persistOutput encodes, stores and records one produced output.
func (r *runner) persistOutput(ctx context.Context, state *stepState, spec pipeline.ValueSpec, value any) (metadata.ArtifactRecord, error) {
	codec, err := artifact.CodecByName(spec.Codec)
	if err != nil {
		return metadata.ArtifactRecord{}, fmt.Errorf("output %q: %w", spec.Name, err)
	}
	data, err := codec.Encode(value)
	if err != nil {
		return metadata.ArtifactRecord{}, fmt.Errorf("encode output %q: %w", spec.Name, err)
	}
	location, err := r.artifacts.Write(ctx, artifact.Key{
		Pipeline: r.pipeline.Name(),
		Run:      r.run.Name,
		Step:     state.spec.Name,
		Output:   spec.Name,
	}, data)
	if err != nil {
		return metadata.ArtifactRecord{}, fmt.Errorf("write output %q: %w", spec.Name, err)
	}
	rec, err := r.meta.RecordArtifact(ctx, metadata.ArtifactRecord{
		StepExecutionID: state.exec.ID,
		RunID:           r.run.ID,
		PipelineID:      state.exec.PipelineID,
		Output:          spec.Name,
		Ref: artifact.Ref{
			Location: location,
			Digest:   artifact.Digest(data),
			Type:     spec.Type,
			Codec:    codec.Name(),
			Size:     int64(len(data)),
		},
	})
	if err != nil {
		return metadata.ArtifactRecord{}, fmt.Errorf("record output %q: %w", spec.Name, err)
	}
	return rec, nil
}

// adoptCached reuses a prior execution's outputs for this step. The
// artifact records are re-recorded under the current execution before
// the cached transition, so a step only reads as cached once its full
// output set is queryable. Returns done=false when the hit cannot
// serve every declared output.
func (r *runner) adoptCached(ctx context.Context, state *stepState, key string, hit *cache.Hit) (StepResult, bool) {
	byName := make(map[string]metadata.ArtifactRecord, len(hit.Artifacts))
	for _, rec := range hit.Artifacts {
		byName[rec.Output] = rec
	}
	for _, out := range state.spec.Outputs {
		if _, ok := byName[out.Name]; !ok {
			r.log.Warn("cache hit is missing an output, executing step",
				"step", state.spec.Name,
				"missing_output", out.Name,
				"source_execution", hit.Execution.ID,
			)
			return StepResult{}, false
		}
	}

	records := make([]metadata.ArtifactRecord, 0, len(state.spec.Outputs))
	for _, out := range state.spec.Outputs {
		rec, err := r.meta.RecordArtifact(ctx, metadata.ArtifactRecord{
			StepExecutionID: state.exec.ID,
			RunID:           r.run.ID,
			PipelineID:      state.exec.PipelineID,
			Output:          out.Name,
			Ref:             byName[out.Name].Ref,
		})
		if err != nil {
			return r.finishStepFailure(ctx, state, fmt.Errorf("record cached output %q: %w", out.Name, err)), true
		}
		records = append(records, rec)
	}

	now := time.Now().UTC()
	if err := r.meta.TransitionStep(ctx, state.exec.ID, metadata.StepCached, metadata.StepUpdate{
		CacheKey:   key,
		StartedAt:  &now,
		FinishedAt: &now,
	}); err != nil {
		return r.finishStepFailure(ctx, state, fmt.Errorf("mark step cached: %w", err)), true
	}
	r.storeOutputs(state.spec.Name, records)
	return StepResult{Name: state.spec.Name, Status: metadata.StepCached, CacheKey: key, Outputs: records}, true
}

// finishStepFailure records a failed or, when the context is already
// cancelled, aborted execution. Bookkeeping writes use a detached
// context so cancellation cannot lose the terminal status.
func (r *runner) finishStepFailure(ctx context.Context, state *stepState, cause error) StepResult {
	status := metadata.StepFailed
	if ctx.Err() != nil {
		status = metadata.StepAborted
	}
	detached := context.WithoutCancel(ctx)
	now := time.Now().UTC()
	if err := r.meta.TransitionStep(detached, state.exec.ID, status, metadata.StepUpdate{
		Error:      cause.Error(),
		StartedAt:  &now,
		FinishedAt: &now,
	}); err != nil {
		r.log.Error("record step failure", "step", state.spec.Name, "error", err)
	}
	return StepResult{
		Name:     state.spec.Name,
		Status:   status,
		CacheKey: state.cacheKey,
		Err: &StepExecutionError{
			Pipeline: r.pipeline.Name(),
			Run:      r.run.Name,
			Step:     state.spec.Name,
			Err:      cause,
		},
	}
}

// skipRemaining marks steps that will not execute: not_run after a
// failure, aborted after cancellation.
func (r *runner) skipRemaining(ctx context.Context, names []string, status metadata.StepStatus) []StepResult {
	detached := context.WithoutCancel(ctx)
	results := make([]StepResult, 0, len(names))
	for _, name := range names {
		state := r.steps[name]
		if err := r.meta.TransitionStep(detached, state.exec.ID, status, metadata.StepUpdate{}); err != nil {
			r.log.Error("mark step skipped", "step", name, "status", status, "error", err)
		}
		results = append(results, StepResult{Name: name, Status: status})
	}
	return results
}

// completeRun settles the run record from the step outcomes: any
// failure makes the run failed, otherwise any aborted step makes it
// aborted.
func (r *runner) completeRun(ctx context.Context, results []StepResult) (RunResult, error) {
	detached := context.WithoutCancel(ctx)

	var firstFailure, firstAbort *StepResult
	for i := range results {
		switch results[i].Status {
		case metadata.StepFailed:
			if firstFailure == nil {
				firstFailure = &results[i]
			}
		case metadata.StepAborted:
			if firstAbort == nil {
				firstAbort = &results[i]
			}
		}
	}

	status := metadata.RunCompleted
	var message string
	var runErr error
	switch {
	case firstFailure != nil:
		status = metadata.RunFailed
		message = firstFailure.Err.Error()
		runErr = firstFailure.Err
	case firstAbort != nil:
		status = metadata.RunAborted
		cause := ctx.Err()
		if cause == nil {
			cause = context.Canceled
		}
		message = "run aborted: " + cause.Error()
		runErr = fmt.Errorf("run %q aborted: %w", r.run.Name, cause)
	}

	if err := r.meta.FinishRun(detached, r.run.ID, status, message); err != nil {
		r.log.Error("finish run", "run", r.run.Name, "error", err)
		if runErr == nil {
			runErr = fmt.Errorf("finish run: %w", err)
		}
	}
	run, err := r.meta.GetRunByID(detached, r.run.ID)
	if err != nil {
		run = r.run
		run.Status = status
	}

	r.log.Info("run finished", "pipeline", r.pipeline.Name(), "run", run.Name, "status", run.Status)
	return RunResult{Run: run, Steps: results}, runErr
}

func (r *runner) cacheEnabled(spec pipeline.StepSpec) bool {
	if r.opts.Config.DisableCache || spec.DisableCache {
		return false
	}
	return r.cache != nil
}

func (r *runner) storeOutputs(step string, records []metadata.ArtifactRecord) {
	byName := make(map[string]metadata.ArtifactRecord, len(records))
	for _, rec := range records {
		byName[rec.Output] = rec
	}
	r.mu.Lock()
	r.outputs[step] = byName
	r.mu.Unlock()
}

func (r *runner) output(step, name string) (metadata.ArtifactRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.outputs[step][name]
	return rec, ok
}

// effectiveConfig overlays run overrides on the step defaults.
func effectiveConfig(spec pipeline.StepSpec, overrides pipeline.Values) pipeline.Values {
	merged := pipeline.Values{}
	for k, v := range spec.Defaults {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

func generateRunName(pipelineName string) string {
	stamp := time.Now().UTC().Format("20060102T150405Z")
	return fmt.Sprintf("%s-%s-%s", pipelineName, stamp, uuid.NewString()[:8])
}
