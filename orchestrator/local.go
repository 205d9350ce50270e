package orchestrator

import (
	"context"

	"github.com/loomworks/loom/metadata"
	"github.com/loomworks/loom/pipeline"
)

// Local runs steps one at a time in execution order. The first failure
// stops the run; the steps that never got to execute are marked
// not_run.
type Local struct {
	deps Deps
}

func NewLocal(deps Deps) (*Local, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &Local{deps: deps}, nil
}

func (l *Local) Run(ctx context.Context, p *pipeline.Pipeline, opts RunOptions) (RunResult, error) {
	r, err := newRunner(l.deps, p, opts)
	if err != nil {
		return RunResult{}, err
	}
	if err := r.prepare(ctx); err != nil {
		return RunResult{}, err
	}

	order := p.Order()
	results := make([]StepResult, 0, len(order))
	for i, name := range order {
		if ctx.Err() != nil {
			results = append(results, r.skipRemaining(ctx, order[i:], metadata.StepAborted)...)
			break
		}
		res := r.executeStep(ctx, name)
		results = append(results, res)
		if res.Err != nil {
			status := metadata.StepNotRun
			if res.Status == metadata.StepAborted {
				status = metadata.StepAborted
			}
			results = append(results, r.skipRemaining(ctx, order[i+1:], status)...)
			break
		}
	}
	return r.completeRun(ctx, results)
}
