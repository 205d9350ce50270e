// The demo drives the whole stack against local backends: it builds a
// three step pipeline, runs it twice unchanged to show result reuse,
// runs it once more with a changed configuration to show partial
// re-execution, then browses the recorded history. State lives under
// LOOM_DEMO_DIR (default .loom-demo), so a second invocation starts
// with a warm cache.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/loomworks/loom/artifact"
	"github.com/loomworks/loom/internal/platform/env"
	"github.com/loomworks/loom/metadata/sqlstore"
	"github.com/loomworks/loom/orchestrator"
	"github.com/loomworks/loom/pipeline"
	"github.com/loomworks/loom/postexec"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := env.String("LOOM_DEMO_DIR", ".loom-demo")
	if err := os.MkdirAll(root, 0o755); err != nil {
		fatal("create demo dir", err)
	}

	meta, db, err := sqlstore.OpenSQLite(ctx, filepath.Join(root, "loom.db"))
	if err != nil {
		fatal("open metadata store", err)
	}
	defer func() { _ = db.Close() }()

	blobs, err := artifact.NewFSStore(filepath.Join(root, "artifacts"))
	if err != nil {
		fatal("open artifact store", err)
	}

	deps := orchestrator.Deps{Metadata: meta, Artifacts: blobs, Logger: logger}
	orch, err := chooseOrchestrator(deps)
	if err != nil {
		fatal("choose orchestrator", err)
	}

	p, err := quickstartPipeline()
	if err != nil {
		fatal("build pipeline", err)
	}
	fmt.Printf("pipeline %s: %s\n", p.Name(), strings.Join(p.Order(), " -> "))

	stamp := time.Now().UTC().Format("20060102-150405")
	runName := func(i int) string { return fmt.Sprintf("run-%s-%d", stamp, i) }

	run := func(name string, cfg orchestrator.RunConfig) orchestrator.RunResult {
		result, err := orch.Run(ctx, p, orchestrator.RunOptions{RunName: name, Config: cfg})
		if err != nil {
			fatal("run "+name, err)
		}
		printRun(result)
		return result
	}

	fmt.Println("\nfirst run:")
	run(runName(1), orchestrator.RunConfig{})

	fmt.Println("\nsecond run, nothing changed:")
	run(runName(2), orchestrator.RunConfig{})

	fmt.Println("\nthird run with train.epochs=5:")
	third := run(runName(3), orchestrator.RunConfig{
		Steps: map[string]pipeline.Values{"train": {"epochs": 5}},
	})

	client, err := postexec.NewClient(meta, blobs)
	if err != nil {
		fatal("postexec client", err)
	}
	pipe, err := client.Pipeline(ctx, p.Name())
	if err != nil {
		fatal("load pipeline history", err)
	}
	runs, err := pipe.Runs(ctx)
	if err != nil {
		fatal("list runs", err)
	}

	fmt.Println("\nrecorded history:")
	for _, rv := range runs {
		fmt.Printf("  %s  %s\n", rv.Name(), rv.Status())
	}

	lastRun, err := pipe.Run(ctx, third.Run.Name)
	if err != nil {
		fatal("load last run", err)
	}
	step, err := lastRun.Step(ctx, "evaluate")
	if err != nil {
		fatal("load evaluate step", err)
	}
	handle, err := step.Output(ctx, "accuracy")
	if err != nil {
		fatal("load accuracy output", err)
	}
	value, err := handle.Read(ctx)
	if err != nil {
		fatal("read accuracy", err)
	}
	fmt.Printf("\n%s accuracy: %v (stored at %s)\n", third.Run.Name, value, handle.Ref().Location)
}

func chooseOrchestrator(deps orchestrator.Deps) (orchestrator.Orchestrator, error) {
	switch backend := env.String("LOOM_DEMO_ORCHESTRATOR", "local"); backend {
	case "local":
		return orchestrator.NewLocal(deps)
	case "pool":
		workers, err := env.Int("LOOM_DEMO_WORKERS", 2)
		if err != nil {
			return nil, err
		}
		return orchestrator.NewPool(deps, workers)
	default:
		return nil, fmt.Errorf("unknown orchestrator %q", backend)
	}
}

func quickstartPipeline() (*pipeline.Pipeline, error) {
	b := pipeline.NewBuilder("quickstart")
	b.AddStep(pipeline.StepSpec{
		Name:    "ingest",
		Version: "v1",
		Outputs: []pipeline.ValueSpec{{Name: "data", Type: "dataset"}},
		Run: func(ctx context.Context, in, config pipeline.Values) (pipeline.Values, error) {
			return pipeline.Values{"data": []any{3.1, 4.1, 5.9, 2.6, 5.3}}, nil
		},
	})
	b.AddStep(pipeline.StepSpec{
		Name:     "train",
		Version:  "v1",
		Inputs:   []pipeline.ValueSpec{{Name: "data", Type: "dataset"}},
		Outputs:  []pipeline.ValueSpec{{Name: "model", Type: "model"}},
		Defaults: pipeline.Values{"epochs": 2},
		Run:      trainStep,
	})
	b.AddStep(pipeline.StepSpec{
		Name:    "evaluate",
		Version: "v1",
		Inputs:  []pipeline.ValueSpec{{Name: "model", Type: "model"}},
		Outputs: []pipeline.ValueSpec{{Name: "accuracy", Type: "metric"}},
		Run:     evaluateStep,
	})
	b.Bind("train", "data", "ingest", "data")
	b.Bind("evaluate", "model", "train", "model")
	return b.Build()
}

func trainStep(ctx context.Context, in, config pipeline.Values) (pipeline.Values, error) {
	data, ok := in["data"].([]any)
	if !ok {
		return nil, fmt.Errorf("data has unexpected shape %T", in["data"])
	}
	var sum float64
	for _, v := range data {
		sum += asFloat(v)
	}
	return pipeline.Values{"model": map[string]any{
		"weight": sum / float64(len(data)),
		"epochs": asFloat(config["epochs"]),
	}}, nil
}

func evaluateStep(ctx context.Context, in, config pipeline.Values) (pipeline.Values, error) {
	model, ok := in["model"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("model has unexpected shape %T", in["model"])
	}
	accuracy := 0.80 + 0.03*asFloat(model["epochs"])
	if accuracy > 0.99 {
		accuracy = 0.99
	}
	return pipeline.Values{"accuracy": accuracy}, nil
}

// asFloat tolerates the numeric types a config value can arrive as:
// Go ints from declared defaults, YAML ints from override files and
// float64 from JSON round trips.
func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func printRun(result orchestrator.RunResult) {
	fmt.Printf("  run %s finished %s\n", result.Run.Name, result.Run.Status)
	for _, step := range result.Steps {
		fmt.Printf("    %-10s %s\n", step.Name, step.Status)
	}
}

func fatal(op string, err error) {
	fmt.Fprintf(os.Stderr, "demo: %s: %v\n", op, err)
	os.Exit(1)
}
