package model

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/warden/internal/database"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const runsSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	backend     TEXT NOT NULL,
	model_id    TEXT,
	status      TEXT NOT NULL,
	detail      TEXT,
	started_at  TIMESTAMP NOT NULL,
	finished_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at DESC);
`

// Run kinds and statuses.
const (
	RunTrain     = "train"
	RunPredict   = "predict"
	RunCalibrate = "calibrate"

	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Run is one recorded invocation.
type Run struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	Backend    string     `json:"backend"`
	ModelID    string     `json:"model_id,omitempty"`
	Status     string     `json:"status"`
	Detail     string     `json:"detail,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Registry records training and scoring runs in SQLite so the service can
// answer "what ran, when, against which model" after the fact.
type Registry struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRegistry opens the registry over an existing database connection and
// applies the schema.
func NewRegistry(db *database.DB, log zerolog.Logger) (*Registry, error) {
	if err := db.Migrate(runsSchema); err != nil {
		return nil, fmt.Errorf("failed to migrate runs schema: %w", err)
	}
	return &Registry{
		db:  db,
		log: log.With().Str("module", "registry").Logger(),
	}, nil
}

// Begin records the start of a run and returns its ID.
func (r *Registry) Begin(ctx context.Context, kind, backend, modelID string) (string, error) {
	id := uuid.NewString()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO runs (id, kind, backend, model_id, status, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, kind, backend, modelID, StatusRunning, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to record run start: %w", err)
	}
	r.log.Info().Str("run_id", id).Str("kind", kind).Str("backend", backend).Msg("Run started")
	return id, nil
}

// Complete marks a run as finished, with a free-form summary.
func (r *Registry) Complete(ctx context.Context, runID, detail string) error {
	return r.finish(ctx, runID, StatusCompleted, detail)
}

// Fail marks a run as failed with the error message.
func (r *Registry) Fail(ctx context.Context, runID string, cause error) error {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	return r.finish(ctx, runID, StatusFailed, detail)
}

func (r *Registry) finish(ctx context.Context, runID, status, detail string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, detail = ?, finished_at = ? WHERE id = ?`,
		status, detail, time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("failed to record run finish: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// Recent returns the latest runs, newest first.
func (r *Registry) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, kind, backend, COALESCE(model_id, ''), status, COALESCE(detail, ''), started_at, finished_at
		 FROM runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var run Run
		var finished sql.NullTime
		if err := rows.Scan(&run.ID, &run.Kind, &run.Backend, &run.ModelID,
			&run.Status, &run.Detail, &run.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			run.FinishedAt = &t
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// Get returns one run by ID.
func (r *Registry) Get(ctx context.Context, runID string) (*Run, error) {
	var run Run
	var finished sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT id, kind, backend, COALESCE(model_id, ''), status, COALESCE(detail, ''), started_at, finished_at
		 FROM runs WHERE id = ?`, runID).
		Scan(&run.ID, &run.Kind, &run.Backend, &run.ModelID,
			&run.Status, &run.Detail, &run.StartedAt, &finished)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return &run, nil
}
