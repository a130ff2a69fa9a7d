package repositories

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"

	"mediaq/internal/models"
	"mediaq/internal/pkg/errors"
)

const jobsSchema = `
CREATE TABLE IF NOT EXISTS mediaq_jobs (
	id            TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	state         TEXT NOT NULL,
	caller_id     TEXT,
	request_json  JSONB NOT NULL,
	result_ref    TEXT,
	error_kind    TEXT,
	error_message TEXT,
	submitted_at  TIMESTAMPTZ NOT NULL,
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_mediaq_jobs_state ON mediaq_jobs (state);
`

// JobRepository mirrors job snapshots into Postgres.
type JobRepository struct {
	db *pgxpool.Pool
}

func NewJobRepository(db *pgxpool.Pool) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, jobsSchema); err != nil {
		return errors.Wrap(err, "repositories.jobs", "create schema")
	}
	return nil
}

// Upsert writes j. A row already in a terminal state is never overwritten,
// so a late snapshot cannot move a job backwards.
func (r *JobRepository) Upsert(ctx context.Context, j models.Job) error {
	err := r.upsert(ctx, j)
	if err != nil && isUndefinedTable(err) {
		if err := r.EnsureSchema(ctx); err != nil {
			return err
		}
		err = r.upsert(ctx, j)
	}
	if err != nil {
		return errors.Wrap(err, "repositories.jobs", "upsert job").WithField("id", j.ID)
	}
	return nil
}

func (r *JobRepository) upsert(ctx context.Context, j models.Job) error {
	req, err := json.Marshal(j.Request)
	if err != nil {
		return err
	}
	var errKind, errMsg *string
	if j.Error != nil {
		errKind, errMsg = &j.Error.Kind, &j.Error.Message
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO mediaq_jobs (id, kind, state, caller_id, request_json, result_ref,
			error_kind, error_message, submitted_at, started_at, completed_at, updated_at)
		VALUES ($1,$2,$3,NULLIF($4,''),$5::jsonb,NULLIF($6,''),$7,$8,$9,$10,$11,NOW())
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			result_ref = EXCLUDED.result_ref,
			error_kind = EXCLUDED.error_kind,
			error_message = EXCLUDED.error_message,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			updated_at = NOW()
		WHERE mediaq_jobs.state NOT IN ('DONE','FAILED')
	`,
		j.ID,
		string(j.Request.Kind),
		string(j.State),
		j.Request.CallerID,
		string(req),
		j.ResultRef,
		errKind,
		errMsg,
		j.SubmittedAt,
		j.StartedAt,
		j.CompletedAt,
	)
	return err
}
