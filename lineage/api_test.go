package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/loomworks/loom/artifact"
	"github.com/loomworks/loom/metadata"
	"github.com/loomworks/loom/metadata/sqlstore"
	"github.com/loomworks/loom/postexec"
)

func newTestMux(t *testing.T) (*http.ServeMux, metadata.Store, artifact.Store) {
	t.Helper()
	dir := t.TempDir()
	store, db, err := sqlstore.OpenSQLite(context.Background(), filepath.Join(dir, "meta.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() err=%v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	blobs, err := artifact.NewFSStore(filepath.Join(dir, "artifacts"))
	if err != nil {
		t.Fatalf("NewFSStore() err=%v", err)
	}

	client, err := postexec.NewClient(store, blobs)
	if err != nil {
		t.Fatalf("NewClient() err=%v", err)
	}

	mux := http.NewServeMux()
	api := newLineageAPI(slog.New(slog.NewTextHandler(io.Discard, nil)), client)
	api.register(mux)
	return mux, store, blobs
}

// seedRun records one completed run of "mnist" with two steps, the
// second carrying a JSON model artifact.
func seedRun(t *testing.T, store metadata.Store, blobs artifact.Store) {
	t.Helper()
	ctx := context.Background()

	pipe, err := store.EnsurePipeline(ctx, "mnist", []byte(`{"name":"mnist"}`))
	if err != nil {
		t.Fatalf("EnsurePipeline() err=%v", err)
	}
	_, err = store.CreateRun(ctx, metadata.RunRecord{
		ID:         "run-1-id",
		PipelineID: pipe.ID,
		Name:       "run-1",
		StartedAt:  time.Date(2024, 5, 14, 9, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("CreateRun() err=%v", err)
	}
	execs := []metadata.StepExecution{
		{ID: "exec-ingest", RunID: "run-1-id", PipelineID: pipe.ID, Name: "ingest", Seq: 0},
		{ID: "exec-train", RunID: "run-1-id", PipelineID: pipe.ID, Name: "train", Seq: 1},
	}
	if err := store.CreateStepExecutions(ctx, execs); err != nil {
		t.Fatalf("CreateStepExecutions() err=%v", err)
	}

	payload := []byte(`{"answer":42}`)
	location, err := blobs.Write(ctx, artifact.Key{
		Pipeline: "mnist", Run: "run-1", Step: "train", Output: "model",
	}, payload)
	if err != nil {
		t.Fatalf("Write() err=%v", err)
	}

	now := time.Date(2024, 5, 14, 9, 1, 0, 0, time.UTC)
	for _, exec := range execs {
		if err := store.TransitionStep(ctx, exec.ID, metadata.StepRunning, metadata.StepUpdate{StartedAt: &now}); err != nil {
			t.Fatalf("TransitionStep(running) err=%v", err)
		}
	}
	_, err = store.RecordArtifact(ctx, metadata.ArtifactRecord{
		StepExecutionID: "exec-train",
		RunID:           "run-1-id",
		PipelineID:      pipe.ID,
		Output:          "model",
		Ref: artifact.Ref{
			Location: location,
			Digest:   artifact.Digest(payload),
			Type:     "model",
			Codec:    artifact.CodecJSON,
			Size:     int64(len(payload)),
		},
	})
	if err != nil {
		t.Fatalf("RecordArtifact() err=%v", err)
	}
	for _, exec := range execs {
		if err := store.TransitionStep(ctx, exec.ID, metadata.StepCompleted, metadata.StepUpdate{FinishedAt: &now}); err != nil {
			t.Fatalf("TransitionStep(completed) err=%v", err)
		}
	}
	if err := store.FinishRun(ctx, "run-1-id", metadata.RunCompleted, ""); err != nil {
		t.Fatalf("FinishRun() err=%v", err)
	}
}

func get(t *testing.T, mux *http.ServeMux, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
}

func TestListPipelines(t *testing.T) {
	mux, store, blobs := newTestMux(t)
	seedRun(t, store, blobs)

	rec := get(t, mux, "/pipelines")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	var body struct {
		Pipelines []pipelineDoc `json:"pipelines"`
	}
	decodeBody(t, rec, &body)
	if len(body.Pipelines) != 1 {
		t.Fatalf("pipelines=%d, want 1", len(body.Pipelines))
	}
	if body.Pipelines[0].Name != "mnist" {
		t.Fatalf("name=%q, want mnist", body.Pipelines[0].Name)
	}
}

func TestGetPipelineNotFound(t *testing.T) {
	mux, _, _ := newTestMux(t)

	rec := get(t, mux, "/pipelines/absent")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rec.Code)
	}
	var body struct {
		Error string `json:"error"`
	}
	decodeBody(t, rec, &body)
	if body.Error != "pipeline_not_found" {
		t.Fatalf("error=%q, want pipeline_not_found", body.Error)
	}
}

func TestListRuns(t *testing.T) {
	mux, store, blobs := newTestMux(t)
	seedRun(t, store, blobs)

	rec := get(t, mux, "/pipelines/mnist/runs")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	var body struct {
		Runs []runDoc `json:"runs"`
	}
	decodeBody(t, rec, &body)
	if len(body.Runs) != 1 {
		t.Fatalf("runs=%d, want 1", len(body.Runs))
	}
	run := body.Runs[0]
	if run.Name != "run-1" || run.Status != "completed" {
		t.Fatalf("run=%+v, want run-1 completed", run)
	}
	if run.EndedAt == nil {
		t.Fatalf("ended_at missing")
	}
}

func TestListSteps(t *testing.T) {
	mux, store, blobs := newTestMux(t)
	seedRun(t, store, blobs)

	rec := get(t, mux, "/runs/run-1-id/steps")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	var body struct {
		Run   runDoc    `json:"run"`
		Steps []stepDoc `json:"steps"`
	}
	decodeBody(t, rec, &body)
	if body.Run.Name != "run-1" {
		t.Fatalf("run=%q, want run-1", body.Run.Name)
	}
	if len(body.Steps) != 2 {
		t.Fatalf("steps=%d, want 2", len(body.Steps))
	}
	if body.Steps[0].Name != "ingest" || body.Steps[1].Name != "train" {
		t.Fatalf("step order=[%s %s], want [ingest train]", body.Steps[0].Name, body.Steps[1].Name)
	}
}

func TestListStepsUnknownRun(t *testing.T) {
	mux, _, _ := newTestMux(t)

	rec := get(t, mux, "/runs/absent/steps")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rec.Code)
	}
}

func TestListArtifacts(t *testing.T) {
	mux, store, blobs := newTestMux(t)
	seedRun(t, store, blobs)

	rec := get(t, mux, "/steps/exec-train/artifacts")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	var body struct {
		Artifacts []artifactDoc `json:"artifacts"`
	}
	decodeBody(t, rec, &body)
	if len(body.Artifacts) != 1 {
		t.Fatalf("artifacts=%d, want 1", len(body.Artifacts))
	}
	doc := body.Artifacts[0]
	if doc.Output != "model" || doc.Digest == "" {
		t.Fatalf("artifact=%+v, want output model with digest", doc)
	}
	if doc.Location != "mnist/run-1/train/model" {
		t.Fatalf("location=%q, want mnist/run-1/train/model", doc.Location)
	}
}

func TestReadOutput(t *testing.T) {
	mux, store, blobs := newTestMux(t)
	seedRun(t, store, blobs)

	rec := get(t, mux, "/steps/exec-train/outputs/model")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type=%q, want application/json", ct)
	}
	if rec.Header().Get("X-Artifact-Digest") == "" {
		t.Fatalf("digest header missing")
	}
	if got := rec.Body.String(); got != `{"answer":42}` {
		t.Fatalf("body=%q, want {\"answer\":42}", got)
	}
}

func TestReadOutputUnknownName(t *testing.T) {
	mux, store, blobs := newTestMux(t)
	seedRun(t, store, blobs)

	rec := get(t, mux, "/steps/exec-train/outputs/weights")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rec.Code)
	}
	var body struct {
		Error string `json:"error"`
	}
	decodeBody(t, rec, &body)
	if body.Error != "output_not_found" {
		t.Fatalf("error=%q, want output_not_found", body.Error)
	}
}

func TestReadOutputDanglingRef(t *testing.T) {
	mux, store, _ := newTestMux(t)
	ctx := context.Background()

	pipe, err := store.EnsurePipeline(ctx, "mnist", []byte(`{}`))
	if err != nil {
		t.Fatalf("EnsurePipeline() err=%v", err)
	}
	_, err = store.CreateRun(ctx, metadata.RunRecord{ID: "run-id", PipelineID: pipe.ID, Name: "run-1"})
	if err != nil {
		t.Fatalf("CreateRun() err=%v", err)
	}
	if err := store.CreateStepExecutions(ctx, []metadata.StepExecution{
		{ID: "exec-1", RunID: "run-id", PipelineID: pipe.ID, Name: "ingest", Seq: 0},
	}); err != nil {
		t.Fatalf("CreateStepExecutions() err=%v", err)
	}
	_, err = store.RecordArtifact(ctx, metadata.ArtifactRecord{
		StepExecutionID: "exec-1",
		RunID:           "run-id",
		PipelineID:      pipe.ID,
		Output:          "data",
		Ref: artifact.Ref{
			Location: "mnist/run-1/ingest/data",
			Digest:   artifact.Digest([]byte("gone")),
			Codec:    artifact.CodecJSON,
		},
	})
	if err != nil {
		t.Fatalf("RecordArtifact() err=%v", err)
	}

	rec := get(t, mux, "/steps/exec-1/outputs/data")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rec.Code)
	}
	var body struct {
		Error string `json:"error"`
	}
	decodeBody(t, rec, &body)
	if body.Error != "artifact_not_found" {
		t.Fatalf("error=%q, want artifact_not_found", body.Error)
	}
}
