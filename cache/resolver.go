package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/loomworks/loom/metadata"
	"github.com/loomworks/loom/pipeline"
)

// InputArtifact identifies one resolved step input when computing a
// key. Identity is the recorded location plus the content digest: an
// upstream that re-executed and produced byte-identical output still
// counts as a new input, so its consumers re-execute too.
type InputArtifact struct {
	Name     string `json:"name"`
	Location string `json:"location"`
	Digest   string `json:"digest"`
}

// KeyInput is everything that determines whether a previous execution
// of a step can stand in for running it again: the step's code
// identity, its effective configuration, build-time bound constants,
// and the identities of its input artifacts in declared order.
type KeyInput struct {
	Pipeline string          `json:"pipeline"`
	Step     string          `json:"step"`
	Version  string          `json:"version"`
	Config   pipeline.Values `json:"config"`
	Literals pipeline.Values `json:"literals,omitempty"`
	Inputs   []InputArtifact `json:"inputs"`
}

// Key returns the cache key for one step execution.
func Key(in KeyInput) (string, error) {
	if in.Pipeline == "" || in.Step == "" {
		return "", errors.New("pipeline and step are required")
	}
	return Fingerprint(in)
}

// Hit is a reusable prior execution together with its recorded
// outputs.
type Hit struct {
	Execution metadata.StepExecution
	Artifacts []metadata.ArtifactRecord
}

// Resolver looks up prior executions by cache key. Whether a hit may
// actually be reused (caching can be disabled per step or per run) is
// the caller's decision.
type Resolver struct {
	store metadata.Store
}

func NewResolver(store metadata.Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the most recent reusable execution for the key
// within the named pipeline, or nil when there is none.
func (r *Resolver) Resolve(ctx context.Context, pipelineName, key string) (*Hit, error) {
	if r == nil || r.store == nil {
		return nil, errors.New("resolver not initialized")
	}
	exec, err := r.store.FindCachedStep(ctx, pipelineName, key)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find cached step: %w", err)
	}
	artifacts, err := r.store.ListArtifacts(ctx, exec.ID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts of %s: %w", exec.ID, err)
	}
	return &Hit{Execution: exec, Artifacts: artifacts}, nil
}
