//go:build e2e
// +build e2e

package e2e

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/artifact"
	"github.com/loomworks/loom/metadata"
	"github.com/loomworks/loom/metadata/sqlstore"
	"github.com/loomworks/loom/orchestrator"
	"github.com/loomworks/loom/pipeline"
	"github.com/loomworks/loom/postexec"
)

// TestPipeline_EndToEnd drives the full stack against real backends:
// Postgres metadata, MinIO artifacts. Three runs of a three-step
// pipeline: the first executes everything, the second reuses
// everything, the third changes one step's configuration and
// re-executes only that step and its downstream.
func TestPipeline_EndToEnd(t *testing.T) {
	infra := ensureInfra(t)
	ctx := context.Background()

	pgCfg := sqlstore.PostgresConfig{
		URL:             infra.databaseURL,
		PingTimeout:     5 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
	meta, db, err := sqlstore.OpenPostgres(ctx, pgCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	pipelineName := "e2e-" + uuid.NewString()[:8]
	blobs, err := artifact.NewMinioStore(artifact.MinioConfig{
		Endpoint:   infra.minioEndpoint,
		AccessKey:  infra.minioAccessKey,
		SecretKey:  infra.minioSecretKey,
		Region:     "us-east-1",
		Bucket:     infra.minioBucket,
		Prefix:     pipelineName,
		MaxRetries: 3,
	})
	require.NoError(t, err)
	require.NoError(t, blobs.EnsureBucket(ctx))

	p, err := threeStepPipeline(pipelineName)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	orch, err := orchestrator.NewLocal(orchestrator.Deps{
		Metadata:  meta,
		Artifacts: blobs,
		Logger:    logger,
	})
	require.NoError(t, err)

	r1, err := orch.Run(ctx, p, orchestrator.RunOptions{RunName: "r1"})
	require.NoError(t, err)
	require.Equal(t, metadata.RunCompleted, r1.Run.Status)
	r1Refs := refsByStep(t, r1)
	for _, name := range []string{"extract", "transform", "load"} {
		require.Equal(t, metadata.StepCompleted, stepStatus(t, r1, name), "r1 step %s", name)
		require.NotEmpty(t, r1Refs[name].Location)
	}

	r2, err := orch.Run(ctx, p, orchestrator.RunOptions{RunName: "r2"})
	require.NoError(t, err)
	require.Equal(t, metadata.RunCompleted, r2.Run.Status)
	r2Refs := refsByStep(t, r2)
	for _, name := range []string{"extract", "transform", "load"} {
		require.Equal(t, metadata.StepCached, stepStatus(t, r2, name), "r2 step %s", name)
		require.Equal(t, r1Refs[name], r2Refs[name], "r2 step %s ref", name)
	}

	r3, err := orch.Run(ctx, p, orchestrator.RunOptions{
		RunName: "r3",
		Config: orchestrator.RunConfig{
			Steps: map[string]pipeline.Values{
				"transform": {"factor": 3},
			},
		},
	})
	require.NoError(t, err)
	require.Equal(t, metadata.RunCompleted, r3.Run.Status)
	r3Refs := refsByStep(t, r3)
	require.Equal(t, metadata.StepCached, stepStatus(t, r3, "extract"))
	require.Equal(t, r1Refs["extract"], r3Refs["extract"])
	require.Equal(t, metadata.StepCompleted, stepStatus(t, r3, "transform"))
	require.NotEqual(t, r1Refs["transform"], r3Refs["transform"])
	require.Equal(t, metadata.StepCompleted, stepStatus(t, r3, "load"))
	require.NotEqual(t, r1Refs["load"], r3Refs["load"])

	// Browse the recorded history the way a renderer would.
	client, err := postexec.NewClient(meta, blobs)
	require.NoError(t, err)
	pv, err := client.Pipeline(ctx, pipelineName)
	require.NoError(t, err)
	runs, err := pv.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	require.Equal(t, "r1", runs[0].Name())
	require.Equal(t, "r2", runs[1].Name())
	require.Equal(t, "r3", runs[2].Name())

	run, err := pv.Run(ctx, "r3")
	require.NoError(t, err)
	step, err := run.Step(ctx, "load")
	require.NoError(t, err)
	handle, err := step.Output(ctx, "total")
	require.NoError(t, err)
	value, err := handle.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, float64(18), value) // (1+2+3) * factor 3
}

func threeStepPipeline(name string) (*pipeline.Pipeline, error) {
	b := pipeline.NewBuilder(name)
	b.AddStep(pipeline.StepSpec{
		Name:    "extract",
		Version: "1",
		Outputs: []pipeline.ValueSpec{{Name: "numbers", Type: "[]int"}},
		Run: func(ctx context.Context, in, config pipeline.Values) (pipeline.Values, error) {
			return pipeline.Values{"numbers": []int{1, 2, 3}}, nil
		},
	})
	b.AddStep(pipeline.StepSpec{
		Name:     "transform",
		Version:  "1",
		Inputs:   []pipeline.ValueSpec{{Name: "numbers", Type: "[]int"}},
		Outputs:  []pipeline.ValueSpec{{Name: "scaled", Type: "[]int"}},
		Defaults: pipeline.Values{"factor": 2},
		Run: func(ctx context.Context, in, config pipeline.Values) (pipeline.Values, error) {
			factor, ok := config["factor"].(float64)
			if !ok {
				if n, isInt := config["factor"].(int); isInt {
					factor = float64(n)
				} else {
					return nil, fmt.Errorf("factor %v is not a number", config["factor"])
				}
			}
			var scaled []float64
			for _, v := range in["numbers"].([]any) {
				scaled = append(scaled, v.(float64)*factor)
			}
			return pipeline.Values{"scaled": scaled}, nil
		},
	})
	b.AddStep(pipeline.StepSpec{
		Name:    "load",
		Version: "1",
		Inputs:  []pipeline.ValueSpec{{Name: "scaled", Type: "[]int"}},
		Outputs: []pipeline.ValueSpec{{Name: "total", Type: "float64"}},
		Run: func(ctx context.Context, in, config pipeline.Values) (pipeline.Values, error) {
			var total float64
			for _, v := range in["scaled"].([]any) {
				total += v.(float64)
			}
			return pipeline.Values{"total": total}, nil
		},
	})
	b.Bind("transform", "numbers", "extract", "numbers")
	b.Bind("load", "scaled", "transform", "scaled")
	return b.Build()
}

func stepStatus(t *testing.T, res orchestrator.RunResult, name string) metadata.StepStatus {
	t.Helper()
	for _, s := range res.Steps {
		if s.Name == name {
			return s.Status
		}
	}
	t.Fatalf("run %s has no step %s", res.Run.Name, name)
	return ""
}

func refsByStep(t *testing.T, res orchestrator.RunResult) map[string]artifact.Ref {
	t.Helper()
	refs := make(map[string]artifact.Ref, len(res.Steps))
	for _, s := range res.Steps {
		require.Len(t, s.Outputs, 1, "step %s outputs", s.Name)
		refs[s.Name] = s.Outputs[0].Ref
	}
	return refs
}
