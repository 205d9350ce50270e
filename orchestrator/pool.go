package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/loomworks/loom/metadata"
	"github.com/loomworks/loom/pipeline"
)

// Pool runs independent steps concurrently on a fixed number of
// workers. A step is dispatched once every producer it consumes from
// has finished; a failure or cancellation stops dispatch, in-flight
// steps drain to their own outcomes, and the rest are marked not_run
// or aborted.
type Pool struct {
	deps    Deps
	workers int
}

func NewPool(deps Deps, workers int) (*Pool, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if workers < 1 {
		return nil, fmt.Errorf("workers must be >= 1, got %d", workers)
	}
	return &Pool{deps: deps, workers: workers}, nil
}

func (p *Pool) Run(ctx context.Context, pl *pipeline.Pipeline, opts RunOptions) (RunResult, error) {
	r, err := newRunner(p.deps, pl, opts)
	if err != nil {
		return RunResult{}, err
	}
	if err := r.prepare(ctx); err != nil {
		return RunResult{}, err
	}

	order := pl.Order()
	waiting := make(map[string]int, len(order))
	for _, name := range order {
		waiting[name] = len(pl.Upstream(name))
	}

	// jobs is buffered for the whole run so dispatch never blocks the
	// result loop.
	jobs := make(chan string, len(order))
	done := make(chan StepResult)
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for name := range jobs {
				done <- r.executeStep(ctx, name)
			}
		}()
	}

	scheduled := make(map[string]bool, len(order))
	resultsByName := make(map[string]StepResult, len(order))
	inFlight := 0
	stopped := false

	dispatch := func() {
		if stopped {
			return
		}
		for _, name := range order {
			if scheduled[name] || waiting[name] > 0 {
				continue
			}
			scheduled[name] = true
			inFlight++
			jobs <- name
		}
	}

	dispatch()
	for inFlight > 0 {
		res := <-done
		inFlight--
		resultsByName[res.Name] = res
		if res.Err != nil || ctx.Err() != nil {
			stopped = true
			continue
		}
		for _, next := range pl.Downstream(res.Name) {
			waiting[next]--
		}
		dispatch()
	}
	close(jobs)
	wg.Wait()

	skippedStatus := metadata.StepNotRun
	if ctx.Err() != nil {
		skippedStatus = metadata.StepAborted
	}
	skipped := make([]string, 0, len(order))
	for _, name := range order {
		if !scheduled[name] {
			skipped = append(skipped, name)
		}
	}
	for _, res := range r.skipRemaining(ctx, skipped, skippedStatus) {
		resultsByName[res.Name] = res
	}

	results := make([]StepResult, 0, len(order))
	for _, name := range order {
		results = append(results, resultsByName[name])
	}
	return r.completeRun(ctx, results)
}
