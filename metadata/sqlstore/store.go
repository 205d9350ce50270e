package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/metadata"
)

// Store implements metadata.Store over a SQL database. Migrate must
// have been run against the same database before use.
type Store struct {
	db      DB
	dialect Dialect
}

var _ metadata.Store = (*Store)(nil)

const (
	upsertPipelineQuery = `INSERT INTO pipelines (pipeline_id, name, spec, created_at)
	 VALUES (?, ?, ?, ?)
	 ON CONFLICT (name) DO UPDATE SET spec = excluded.spec
	 RETURNING pipeline_id, name, spec, created_at`

	selectPipelineQuery = `SELECT pipeline_id, name, spec, created_at
	 FROM pipelines
	 WHERE name = ?`

	listPipelinesQuery = `SELECT pipeline_id, name, spec, created_at
	 FROM pipelines
	 ORDER BY created_at ASC, name ASC`

	insertRunQuery = `INSERT INTO pipeline_runs (run_id, pipeline_id, name, status, error_message, started_at, ended_at)
	 VALUES (?, ?, ?, ?, ?, ?, ?)
	 ON CONFLICT (pipeline_id, name) DO NOTHING
	 RETURNING run_id, pipeline_id, name, status, error_message, started_at, ended_at`

	selectRunQuery = `SELECT r.run_id, r.pipeline_id, r.name, r.status, r.error_message, r.started_at, r.ended_at
	 FROM pipeline_runs r
	 JOIN pipelines p ON p.pipeline_id = r.pipeline_id
	 WHERE p.name = ? AND r.name = ?`

	selectRunByIDQuery = `SELECT run_id, pipeline_id, name, status, error_message, started_at, ended_at
	 FROM pipeline_runs
	 WHERE run_id = ?`

	listRunsQuery = `SELECT r.run_id, r.pipeline_id, r.name, r.status, r.error_message, r.started_at, r.ended_at
	 FROM pipeline_runs r
	 JOIN pipelines p ON p.pipeline_id = r.pipeline_id
	 WHERE p.name = ?
	 ORDER BY r.started_at ASC, r.run_id ASC`

	finishRunQuery = `UPDATE pipeline_runs
	 SET status = ?, error_message = ?, ended_at = ?
	 WHERE run_id = ? AND status = ?`

	insertStepExecutionQuery = `INSERT INTO step_executions (
		step_execution_id, run_id, pipeline_id, step_name, seq, status,
		cache_key, config, error_message, created_at, started_at, finished_at
	 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	stepColumns = `step_execution_id, run_id, pipeline_id, step_name, seq, status, cache_key, config, error_message, created_at, started_at, finished_at`

	selectStepQuery = `SELECT ` + stepColumns + `
	 FROM step_executions
	 WHERE run_id = ? AND step_name = ?`

	selectStepByIDQuery = `SELECT ` + stepColumns + `
	 FROM step_executions
	 WHERE step_execution_id = ?`

	listStepsQuery = `SELECT ` + stepColumns + `
	 FROM step_executions
	 WHERE run_id = ?
	 ORDER BY seq ASC`

	findCachedStepQuery = `SELECT s.step_execution_id, s.run_id, s.pipeline_id, s.step_name, s.seq, s.status, s.cache_key, s.config, s.error_message, s.created_at, s.started_at, s.finished_at
	 FROM step_executions s
	 JOIN pipelines p ON p.pipeline_id = s.pipeline_id
	 WHERE p.name = ? AND s.cache_key = ? AND s.status IN ('completed', 'cached')
	 ORDER BY s.created_at DESC, s.step_execution_id DESC
	 LIMIT 1`

	insertArtifactQuery = `INSERT INTO step_artifacts (
		artifact_id, step_execution_id, run_id, pipeline_id, output_name,
		location, digest, value_type, codec, size_bytes, created_at
	 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	 RETURNING artifact_id, step_execution_id, run_id, pipeline_id, output_name, location, digest, value_type, codec, size_bytes, created_at`

	listArtifactsQuery = `SELECT artifact_id, step_execution_id, run_id, pipeline_id, output_name, location, digest, value_type, codec, size_bytes, created_at
	 FROM step_artifacts
	 WHERE step_execution_id = ?
	 ORDER BY created_at ASC, output_name ASC`
)

// New wires a Store to an opened database.
func New(db DB, dialect Dialect) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if !dialect.valid() {
		return nil, fmt.Errorf("unknown dialect %q", dialect)
	}
	return &Store{db: db, dialect: dialect}, nil
}

func (s *Store) q(query string) string {
	return s.dialect.rebind(query)
}

func (s *Store) EnsurePipeline(ctx context.Context, name string, spec []byte) (metadata.PipelineRecord, error) {
	if s == nil || s.db == nil {
		return metadata.PipelineRecord{}, fmt.Errorf("metadata store not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return metadata.PipelineRecord{}, fmt.Errorf("pipeline name is required")
	}
	if len(spec) == 0 {
		return metadata.PipelineRecord{}, fmt.Errorf("pipeline spec is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		s.q(upsertPipelineQuery),
		uuid.NewString(),
		name,
		string(spec),
		encodeTime(time.Now()),
	)
	rec, err := scanPipeline(row)
	if err != nil {
		return metadata.PipelineRecord{}, fmt.Errorf("ensure pipeline: %w", err)
	}
	return rec, nil
}

func (s *Store) GetPipeline(ctx context.Context, name string) (metadata.PipelineRecord, error) {
	if s == nil || s.db == nil {
		return metadata.PipelineRecord{}, fmt.Errorf("metadata store not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return metadata.PipelineRecord{}, fmt.Errorf("pipeline name is required")
	}
	row := s.db.QueryRowContext(ctx, s.q(selectPipelineQuery), name)
	return scanPipeline(row)
}

func (s *Store) ListPipelines(ctx context.Context) ([]metadata.PipelineRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("metadata store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, s.q(listPipelinesQuery))
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	records := make([]metadata.PipelineRecord, 0)
	for rows.Next() {
		rec, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	return records, nil
}

func (s *Store) CreateRun(ctx context.Context, run metadata.RunRecord) (metadata.RunRecord, error) {
	if s == nil || s.db == nil {
		return metadata.RunRecord{}, fmt.Errorf("metadata store not initialized")
	}
	pipelineID := strings.TrimSpace(run.PipelineID)
	name := strings.TrimSpace(run.Name)
	if pipelineID == "" {
		return metadata.RunRecord{}, fmt.Errorf("pipeline id is required")
	}
	if name == "" {
		return metadata.RunRecord{}, fmt.Errorf("run name is required")
	}
	id := strings.TrimSpace(run.ID)
	if id == "" {
		id = uuid.NewString()
	}
	status := run.Status
	if status == "" {
		status = metadata.RunRunning
	}
	row := s.db.QueryRowContext(
		ctx,
		s.q(insertRunQuery),
		id,
		pipelineID,
		name,
		string(status),
		nullIfEmpty(run.Error),
		encodeTime(normalizeTime(run.StartedAt)),
		encodeTimePtr(run.EndedAt),
	)
	rec, err := scanRun(row)
	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, metadata.ErrNotFound):
		return metadata.RunRecord{}, metadata.ErrRunExists
	default:
		return metadata.RunRecord{}, fmt.Errorf("insert run: %w", err)
	}
}

func (s *Store) GetRun(ctx context.Context, pipelineName, runName string) (metadata.RunRecord, error) {
	if s == nil || s.db == nil {
		return metadata.RunRecord{}, fmt.Errorf("metadata store not initialized")
	}
	pipelineName = strings.TrimSpace(pipelineName)
	runName = strings.TrimSpace(runName)
	if pipelineName == "" {
		return metadata.RunRecord{}, fmt.Errorf("pipeline name is required")
	}
	if runName == "" {
		return metadata.RunRecord{}, fmt.Errorf("run name is required")
	}
	row := s.db.QueryRowContext(ctx, s.q(selectRunQuery), pipelineName, runName)
	return scanRun(row)
}

func (s *Store) GetRunByID(ctx context.Context, runID string) (metadata.RunRecord, error) {
	if s == nil || s.db == nil {
		return metadata.RunRecord{}, fmt.Errorf("metadata store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return metadata.RunRecord{}, fmt.Errorf("run id is required")
	}
	row := s.db.QueryRowContext(ctx, s.q(selectRunByIDQuery), runID)
	return scanRun(row)
}

func (s *Store) ListRuns(ctx context.Context, pipelineName string) ([]metadata.RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("metadata store not initialized")
	}
	pipelineName = strings.TrimSpace(pipelineName)
	if pipelineName == "" {
		return nil, fmt.Errorf("pipeline name is required")
	}
	rows, err := s.db.QueryContext(ctx, s.q(listRunsQuery), pipelineName)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	records := make([]metadata.RunRecord, 0)
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return records, nil
}

func (s *Store) FinishRun(ctx context.Context, runID string, status metadata.RunStatus, errMsg string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("metadata store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	if !status.Terminal() {
		return fmt.Errorf("run status %q is not terminal", status)
	}
	res, err := s.db.ExecContext(
		ctx,
		s.q(finishRunQuery),
		string(status),
		nullIfEmpty(errMsg),
		encodeTime(time.Now()),
		runID,
		string(metadata.RunRunning),
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if affected == 0 {
		current, err := s.GetRunByID(ctx, runID)
		if err != nil {
			return err
		}
		return &metadata.InvalidTransitionError{
			Entity: "run",
			ID:     runID,
			From:   string(current.Status),
			To:     string(status),
		}
	}
	return nil
}

func (s *Store) CreateStepExecutions(ctx context.Context, execs []metadata.StepExecution) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("metadata store not initialized")
	}
	for i := range execs {
		if err := s.insertStepExecution(ctx, execs[i]); err != nil {
			return fmt.Errorf("step %q: %w", execs[i].Name, err)
		}
	}
	return nil
}

func (s *Store) insertStepExecution(ctx context.Context, exec metadata.StepExecution) error {
	runID := strings.TrimSpace(exec.RunID)
	pipelineID := strings.TrimSpace(exec.PipelineID)
	name := strings.TrimSpace(exec.Name)
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	if pipelineID == "" {
		return fmt.Errorf("pipeline id is required")
	}
	if name == "" {
		return fmt.Errorf("step name is required")
	}
	if exec.Seq < 0 {
		return fmt.Errorf("seq must be >= 0")
	}
	id := strings.TrimSpace(exec.ID)
	if id == "" {
		id = uuid.NewString()
	}
	status := exec.Status
	if status == "" {
		status = metadata.StepPending
	}
	config := exec.Config
	if len(config) == 0 {
		config = []byte("{}")
	}
	_, err := s.db.ExecContext(
		ctx,
		s.q(insertStepExecutionQuery),
		id,
		runID,
		pipelineID,
		name,
		exec.Seq,
		string(status),
		nullIfEmpty(exec.CacheKey),
		string(config),
		nullIfEmpty(exec.Error),
		encodeTime(normalizeTime(exec.CreatedAt)),
		encodeTimePtr(exec.StartedAt),
		encodeTimePtr(exec.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert step execution: %w", err)
	}
	return nil
}

func (s *Store) GetStep(ctx context.Context, runID, stepName string) (metadata.StepExecution, error) {
	if s == nil || s.db == nil {
		return metadata.StepExecution{}, fmt.Errorf("metadata store not initialized")
	}
	runID = strings.TrimSpace(runID)
	stepName = strings.TrimSpace(stepName)
	if runID == "" {
		return metadata.StepExecution{}, fmt.Errorf("run id is required")
	}
	if stepName == "" {
		return metadata.StepExecution{}, fmt.Errorf("step name is required")
	}
	row := s.db.QueryRowContext(ctx, s.q(selectStepQuery), runID, stepName)
	return scanStepExecution(row)
}

func (s *Store) GetStepByID(ctx context.Context, stepExecutionID string) (metadata.StepExecution, error) {
	if s == nil || s.db == nil {
		return metadata.StepExecution{}, fmt.Errorf("metadata store not initialized")
	}
	stepExecutionID = strings.TrimSpace(stepExecutionID)
	if stepExecutionID == "" {
		return metadata.StepExecution{}, fmt.Errorf("step execution id is required")
	}
	row := s.db.QueryRowContext(ctx, s.q(selectStepByIDQuery), stepExecutionID)
	return scanStepExecution(row)
}

func (s *Store) ListSteps(ctx context.Context, runID string) ([]metadata.StepExecution, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("metadata store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	rows, err := s.db.QueryContext(ctx, s.q(listStepsQuery), runID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	records := make([]metadata.StepExecution, 0)
	for rows.Next() {
		rec, err := scanStepExecution(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	return records, nil
}

// TransitionStep performs a guarded update: the row only changes when
// its current status is an allowed predecessor of next, which keeps
// concurrent orchestrator writes from rewriting history.
func (s *Store) TransitionStep(ctx context.Context, stepExecutionID string, next metadata.StepStatus, update metadata.StepUpdate) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("metadata store not initialized")
	}
	stepExecutionID = strings.TrimSpace(stepExecutionID)
	if stepExecutionID == "" {
		return fmt.Errorf("step execution id is required")
	}
	allowed := metadata.AllowedPrior(next)
	if len(allowed) == 0 {
		return fmt.Errorf("step status %q is not a valid transition target", next)
	}

	sets := []string{"status = ?"}
	args := []any{string(next)}
	if key := strings.TrimSpace(update.CacheKey); key != "" {
		sets = append(sets, "cache_key = ?")
		args = append(args, key)
	}
	if msg := strings.TrimSpace(update.Error); msg != "" {
		sets = append(sets, "error_message = ?")
		args = append(args, msg)
	}
	if update.StartedAt != nil && !update.StartedAt.IsZero() {
		sets = append(sets, "started_at = COALESCE(started_at, ?)")
		args = append(args, encodeTime(*update.StartedAt))
	}
	if update.FinishedAt != nil && !update.FinishedAt.IsZero() {
		sets = append(sets, "finished_at = ?")
		args = append(args, encodeTime(*update.FinishedAt))
	}

	args = append(args, stepExecutionID)
	marks := make([]string, len(allowed))
	for i, prior := range allowed {
		marks[i] = "?"
		args = append(args, string(prior))
	}

	query := fmt.Sprintf(
		`UPDATE step_executions SET %s WHERE step_execution_id = ? AND status IN (%s)`,
		strings.Join(sets, ", "),
		strings.Join(marks, ", "),
	)
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return fmt.Errorf("transition step: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition step: %w", err)
	}
	if affected == 0 {
		current, err := s.GetStepByID(ctx, stepExecutionID)
		if err != nil {
			return err
		}
		return &metadata.InvalidTransitionError{
			Entity: "step",
			ID:     stepExecutionID,
			From:   string(current.Status),
			To:     string(next),
		}
	}
	return nil
}

func (s *Store) RecordArtifact(ctx context.Context, rec metadata.ArtifactRecord) (metadata.ArtifactRecord, error) {
	if s == nil || s.db == nil {
		return metadata.ArtifactRecord{}, fmt.Errorf("metadata store not initialized")
	}
	stepID := strings.TrimSpace(rec.StepExecutionID)
	runID := strings.TrimSpace(rec.RunID)
	pipelineID := strings.TrimSpace(rec.PipelineID)
	output := strings.TrimSpace(rec.Output)
	location := strings.TrimSpace(rec.Ref.Location)
	digest := strings.TrimSpace(rec.Ref.Digest)
	if stepID == "" {
		return metadata.ArtifactRecord{}, fmt.Errorf("step execution id is required")
	}
	if runID == "" {
		return metadata.ArtifactRecord{}, fmt.Errorf("run id is required")
	}
	if pipelineID == "" {
		return metadata.ArtifactRecord{}, fmt.Errorf("pipeline id is required")
	}
	if output == "" {
		return metadata.ArtifactRecord{}, fmt.Errorf("output name is required")
	}
	if location == "" {
		return metadata.ArtifactRecord{}, fmt.Errorf("artifact location is required")
	}
	if digest == "" {
		return metadata.ArtifactRecord{}, fmt.Errorf("artifact digest is required")
	}
	id := strings.TrimSpace(rec.ID)
	if id == "" {
		id = uuid.NewString()
	}
	row := s.db.QueryRowContext(
		ctx,
		s.q(insertArtifactQuery),
		id,
		stepID,
		runID,
		pipelineID,
		output,
		location,
		digest,
		nullIfEmpty(rec.Ref.Type),
		nullIfEmpty(rec.Ref.Codec),
		rec.Ref.Size,
		encodeTime(normalizeTime(rec.CreatedAt)),
	)
	out, err := scanArtifact(row)
	if err != nil {
		return metadata.ArtifactRecord{}, fmt.Errorf("insert artifact: %w", err)
	}
	return out, nil
}

func (s *Store) ListArtifacts(ctx context.Context, stepExecutionID string) ([]metadata.ArtifactRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("metadata store not initialized")
	}
	stepExecutionID = strings.TrimSpace(stepExecutionID)
	if stepExecutionID == "" {
		return nil, fmt.Errorf("step execution id is required")
	}
	rows, err := s.db.QueryContext(ctx, s.q(listArtifactsQuery), stepExecutionID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	records := make([]metadata.ArtifactRecord, 0)
	for rows.Next() {
		rec, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return records, nil
}

func (s *Store) FindCachedStep(ctx context.Context, pipelineName, cacheKey string) (metadata.StepExecution, error) {
	if s == nil || s.db == nil {
		return metadata.StepExecution{}, fmt.Errorf("metadata store not initialized")
	}
	pipelineName = strings.TrimSpace(pipelineName)
	cacheKey = strings.TrimSpace(cacheKey)
	if pipelineName == "" {
		return metadata.StepExecution{}, fmt.Errorf("pipeline name is required")
	}
	if cacheKey == "" {
		return metadata.StepExecution{}, fmt.Errorf("cache key is required")
	}
	row := s.db.QueryRowContext(ctx, s.q(findCachedStepQuery), pipelineName, cacheKey)
	return scanStepExecution(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPipeline(scanner rowScanner) (metadata.PipelineRecord, error) {
	var rec metadata.PipelineRecord
	var spec string
	var created int64
	if err := scanner.Scan(&rec.ID, &rec.Name, &spec, &created); err != nil {
		return metadata.PipelineRecord{}, handleNotFound(err)
	}
	rec.Spec = []byte(spec)
	rec.CreatedAt = decodeTime(created)
	return rec, nil
}

func scanRun(scanner rowScanner) (metadata.RunRecord, error) {
	var rec metadata.RunRecord
	var status string
	var errMsg sql.NullString
	var started int64
	var ended sql.NullInt64
	if err := scanner.Scan(&rec.ID, &rec.PipelineID, &rec.Name, &status, &errMsg, &started, &ended); err != nil {
		return metadata.RunRecord{}, handleNotFound(err)
	}
	rec.Status = metadata.RunStatus(status)
	rec.Error = errMsg.String
	rec.StartedAt = decodeTime(started)
	rec.EndedAt = decodeTimePtr(ended)
	return rec, nil
}

func scanStepExecution(scanner rowScanner) (metadata.StepExecution, error) {
	var rec metadata.StepExecution
	var status string
	var cacheKey sql.NullString
	var config string
	var errMsg sql.NullString
	var created int64
	var started, finished sql.NullInt64
	if err := scanner.Scan(
		&rec.ID,
		&rec.RunID,
		&rec.PipelineID,
		&rec.Name,
		&rec.Seq,
		&status,
		&cacheKey,
		&config,
		&errMsg,
		&created,
		&started,
		&finished,
	); err != nil {
		return metadata.StepExecution{}, handleNotFound(err)
	}
	rec.Status = metadata.StepStatus(status)
	rec.CacheKey = cacheKey.String
	rec.Config = []byte(config)
	rec.Error = errMsg.String
	rec.CreatedAt = decodeTime(created)
	rec.StartedAt = decodeTimePtr(started)
	rec.FinishedAt = decodeTimePtr(finished)
	return rec, nil
}

func scanArtifact(scanner rowScanner) (metadata.ArtifactRecord, error) {
	var rec metadata.ArtifactRecord
	var valueType, codec sql.NullString
	var created int64
	if err := scanner.Scan(
		&rec.ID,
		&rec.StepExecutionID,
		&rec.RunID,
		&rec.PipelineID,
		&rec.Output,
		&rec.Ref.Location,
		&rec.Ref.Digest,
		&valueType,
		&codec,
		&rec.Ref.Size,
		&created,
	); err != nil {
		return metadata.ArtifactRecord{}, handleNotFound(err)
	}
	rec.Ref.Type = valueType.String
	rec.Ref.Codec = codec.String
	rec.CreatedAt = decodeTime(created)
	return rec, nil
}
