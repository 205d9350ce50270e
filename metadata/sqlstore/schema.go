package sqlstore

import (
	"context"
	"fmt"
)

// Migrate applies the schema. Every statement is idempotent, so
// repeated calls against the same database are safe.
func Migrate(ctx context.Context, db DB, dialect Dialect) error {
	if db == nil {
		return fmt.Errorf("db is required")
	}
	if !dialect.valid() {
		return fmt.Errorf("unknown dialect %q", dialect)
	}
	for _, stmt := range schemaStatements(dialect) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// schemaStatements returns the DDL one statement at a time; pgx rejects
// multi-statement Exec in its default protocol. Timestamp columns hold
// unix microseconds.
func schemaStatements(dialect Dialect) []string {
	ts := "BIGINT"
	if dialect == DialectSQLite {
		ts = "INTEGER"
	}
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS pipelines (
			pipeline_id TEXT PRIMARY KEY,
			name        TEXT NOT NULL UNIQUE,
			spec        TEXT NOT NULL,
			created_at  %s NOT NULL
		)`, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS pipeline_runs (
			run_id        TEXT PRIMARY KEY,
			pipeline_id   TEXT NOT NULL REFERENCES pipelines (pipeline_id),
			name          TEXT NOT NULL,
			status        TEXT NOT NULL,
			error_message TEXT,
			started_at    %s NOT NULL,
			ended_at      %s,
			UNIQUE (pipeline_id, name)
		)`, ts, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS step_executions (
			step_execution_id TEXT PRIMARY KEY,
			run_id            TEXT NOT NULL REFERENCES pipeline_runs (run_id),
			pipeline_id       TEXT NOT NULL REFERENCES pipelines (pipeline_id),
			step_name         TEXT NOT NULL,
			seq               INTEGER NOT NULL,
			status            TEXT NOT NULL,
			cache_key         TEXT,
			config            TEXT NOT NULL,
			error_message     TEXT,
			created_at        %s NOT NULL,
			started_at        %s,
			finished_at       %s,
			UNIQUE (run_id, step_name)
		)`, ts, ts, ts),
		`CREATE INDEX IF NOT EXISTS idx_step_executions_cache_key
			ON step_executions (pipeline_id, cache_key, status)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS step_artifacts (
			artifact_id       TEXT PRIMARY KEY,
			step_execution_id TEXT NOT NULL REFERENCES step_executions (step_execution_id),
			run_id            TEXT NOT NULL REFERENCES pipeline_runs (run_id),
			pipeline_id       TEXT NOT NULL REFERENCES pipelines (pipeline_id),
			output_name       TEXT NOT NULL,
			location          TEXT NOT NULL,
			digest            TEXT NOT NULL,
			value_type        TEXT,
			codec             TEXT,
			size_bytes        BIGINT NOT NULL,
			created_at        %s NOT NULL,
			UNIQUE (step_execution_id, output_name)
		)`, ts),
	}
}
