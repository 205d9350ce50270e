package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loomworks/loom/artifact"
	"github.com/loomworks/loom/metadata"
	"github.com/loomworks/loom/postexec"
)

type lineageAPI struct {
	logger *slog.Logger
	client *postexec.Client
}

func newLineageAPI(logger *slog.Logger, client *postexec.Client) *lineageAPI {
	return &lineageAPI{
		logger: logger,
		client: client,
	}
}

func (api *lineageAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /pipelines", api.handleListPipelines)
	mux.HandleFunc("GET /pipelines/{name}", api.handleGetPipeline)
	mux.HandleFunc("GET /pipelines/{name}/runs", api.handleListRuns)
	mux.HandleFunc("GET /runs/{run_id}/steps", api.handleListSteps)
	mux.HandleFunc("GET /steps/{step_execution_id}/artifacts", api.handleListArtifacts)
	mux.HandleFunc("GET /steps/{step_execution_id}/outputs/{name}", api.handleReadOutput)
}

type pipelineDoc struct {
	ID        string          `json:"pipeline_id"`
	Name      string          `json:"name"`
	Spec      json.RawMessage `json:"spec,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type runDoc struct {
	ID         string     `json:"run_id"`
	PipelineID string     `json:"pipeline_id"`
	Name       string     `json:"name"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

type stepDoc struct {
	ID         string          `json:"step_execution_id"`
	RunID      string          `json:"run_id"`
	Name       string          `json:"name"`
	Seq        int             `json:"seq"`
	Status     string          `json:"status"`
	CacheKey   string          `json:"cache_key,omitempty"`
	Config     json.RawMessage `json:"config,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

type artifactDoc struct {
	ID        string    `json:"artifact_id"`
	Output    string    `json:"output"`
	Location  string    `json:"location"`
	Digest    string    `json:"digest"`
	Type      string    `json:"type,omitempty"`
	Codec     string    `json:"codec"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

func toPipelineDoc(rec metadata.PipelineRecord) pipelineDoc {
	return pipelineDoc{
		ID:        rec.ID,
		Name:      rec.Name,
		Spec:      normalizeJSON(rec.Spec),
		CreatedAt: rec.CreatedAt,
	}
}

func toRunDoc(rec metadata.RunRecord) runDoc {
	return runDoc{
		ID:         rec.ID,
		PipelineID: rec.PipelineID,
		Name:       rec.Name,
		Status:     string(rec.Status),
		Error:      rec.Error,
		StartedAt:  rec.StartedAt,
		EndedAt:    rec.EndedAt,
	}
}

func toStepDoc(rec metadata.StepExecution) stepDoc {
	return stepDoc{
		ID:         rec.ID,
		RunID:      rec.RunID,
		Name:       rec.Name,
		Seq:        rec.Seq,
		Status:     string(rec.Status),
		CacheKey:   rec.CacheKey,
		Config:     normalizeJSON(rec.Config),
		Error:      rec.Error,
		CreatedAt:  rec.CreatedAt,
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
	}
}

func toArtifactDoc(rec metadata.ArtifactRecord) artifactDoc {
	return artifactDoc{
		ID:        rec.ID,
		Output:    rec.Output,
		Location:  rec.Ref.Location,
		Digest:    rec.Ref.Digest,
		Type:      rec.Ref.Type,
		Codec:     rec.Ref.Codec,
		Size:      rec.Ref.Size,
		CreatedAt: rec.CreatedAt,
	}
}

func (api *lineageAPI) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	views, err := api.client.Pipelines(r.Context())
	if err != nil {
		api.serverError(w, r, "list pipelines", err)
		return
	}
	docs := make([]pipelineDoc, 0, len(views))
	for _, v := range views {
		docs = append(docs, toPipelineDoc(v.Record()))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"pipelines": docs})
}

func (api *lineageAPI) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		api.writeError(w, r, http.StatusBadRequest, "name_required")
		return
	}
	view, err := api.client.Pipeline(r.Context(), name)
	if errors.Is(err, metadata.ErrNotFound) {
		api.writeError(w, r, http.StatusNotFound, "pipeline_not_found")
		return
	}
	if err != nil {
		api.serverError(w, r, "get pipeline", err)
		return
	}
	api.writeJSON(w, http.StatusOK, toPipelineDoc(view.Record()))
}

func (api *lineageAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		api.writeError(w, r, http.StatusBadRequest, "name_required")
		return
	}
	view, err := api.client.Pipeline(r.Context(), name)
	if errors.Is(err, metadata.ErrNotFound) {
		api.writeError(w, r, http.StatusNotFound, "pipeline_not_found")
		return
	}
	if err != nil {
		api.serverError(w, r, "get pipeline", err)
		return
	}
	runs, err := view.Runs(r.Context())
	if err != nil {
		api.serverError(w, r, "list runs", err)
		return
	}
	docs := make([]runDoc, 0, len(runs))
	for _, run := range runs {
		docs = append(docs, toRunDoc(run.Record()))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"runs": docs})
}

func (api *lineageAPI) handleListSteps(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}
	run, err := api.client.RunByID(r.Context(), runID)
	if errors.Is(err, metadata.ErrNotFound) {
		api.writeError(w, r, http.StatusNotFound, "run_not_found")
		return
	}
	if err != nil {
		api.serverError(w, r, "get run", err)
		return
	}
	steps, err := run.Steps(r.Context())
	if err != nil {
		api.serverError(w, r, "list steps", err)
		return
	}
	docs := make([]stepDoc, 0, len(steps))
	for _, step := range steps {
		docs = append(docs, toStepDoc(step.Record()))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"run":   toRunDoc(run.Record()),
		"steps": docs,
	})
}

func (api *lineageAPI) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	stepID := strings.TrimSpace(r.PathValue("step_execution_id"))
	if stepID == "" {
		api.writeError(w, r, http.StatusBadRequest, "step_execution_id_required")
		return
	}
	step, err := api.client.StepByID(r.Context(), stepID)
	if errors.Is(err, metadata.ErrNotFound) {
		api.writeError(w, r, http.StatusNotFound, "step_not_found")
		return
	}
	if err != nil {
		api.serverError(w, r, "get step", err)
		return
	}
	handles, err := step.Outputs(r.Context())
	if err != nil {
		api.serverError(w, r, "list artifacts", err)
		return
	}
	docs := make([]artifactDoc, 0, len(handles))
	for _, handle := range handles {
		docs = append(docs, toArtifactDoc(handle.Record()))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"artifacts": docs})
}

// handleReadOutput streams the stored payload bytes of one output,
// with the content type derived from the recorded codec.
func (api *lineageAPI) handleReadOutput(w http.ResponseWriter, r *http.Request) {
	stepID := strings.TrimSpace(r.PathValue("step_execution_id"))
	name := strings.TrimSpace(r.PathValue("name"))
	if stepID == "" || name == "" {
		api.writeError(w, r, http.StatusBadRequest, "step_execution_id_and_name_required")
		return
	}
	step, err := api.client.StepByID(r.Context(), stepID)
	if errors.Is(err, metadata.ErrNotFound) {
		api.writeError(w, r, http.StatusNotFound, "step_not_found")
		return
	}
	if err != nil {
		api.serverError(w, r, "get step", err)
		return
	}
	handle, err := step.Output(r.Context(), name)
	if errors.Is(err, metadata.ErrNotFound) {
		api.writeError(w, r, http.StatusNotFound, "output_not_found")
		return
	}
	if err != nil {
		api.serverError(w, r, "get output", err)
		return
	}
	data, err := handle.Raw(r.Context())
	if errors.Is(err, artifact.ErrNotFound) {
		api.writeError(w, r, http.StatusNotFound, "artifact_not_found")
		return
	}
	if err != nil {
		api.serverError(w, r, "read artifact", err)
		return
	}

	w.Header().Set("Content-Type", contentTypeFor(handle.Ref().Codec))
	w.Header().Set("X-Artifact-Digest", handle.Ref().Digest)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func contentTypeFor(codec string) string {
	switch codec {
	case artifact.CodecText:
		return "text/plain; charset=utf-8"
	case artifact.CodecBytes:
		return "application/octet-stream"
	default:
		return "application/json"
	}
}

func (api *lineageAPI) serverError(w http.ResponseWriter, r *http.Request, op string, err error) {
	api.logger.Error(op, "error", err, "path", r.URL.Path)
	api.writeError(w, r, http.StatusInternalServerError, "internal_error")
}

func (api *lineageAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *lineageAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func normalizeJSON(raw []byte) json.RawMessage {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	return json.RawMessage(trimmed)
}
