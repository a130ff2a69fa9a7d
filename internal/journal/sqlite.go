package journal

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"mediaq/internal/models"
	"mediaq/internal/pkg/errors"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS mediaq_jobs (
	id            TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	state         TEXT NOT NULL,
	caller_id     TEXT,
	request_json  TEXT NOT NULL,
	result_ref    TEXT,
	error_kind    TEXT,
	error_message TEXT,
	submitted_at  TEXT NOT NULL,
	started_at    TEXT,
	completed_at  TEXT,
	updated_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_mediaq_jobs_state ON mediaq_jobs(state);
`

// SQLiteSink keeps the journal in a local database file.
type SQLiteSink struct {
	db *sql.DB
}

func NewSQLiteSink(path string) (*SQLiteSink, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "journal.sqlite", "create data directory")
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "journal.sqlite", "open database")
	}
	// one writer keeps WAL contention out of the journal path
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "journal.sqlite", "initialize schema")
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Name() string { return "sqlite" }

func (s *SQLiteSink) Write(ctx context.Context, j models.Job) error {
	r, err := recordOf(j)
	if err != nil {
		return errors.Wrap(err, "journal.sqlite", "encode record")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mediaq_jobs (id, kind, state, caller_id, request_json, result_ref,
			error_kind, error_message, submitted_at, started_at, completed_at, updated_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, NULLIF(?, ''), NULLIF(?, ''), strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			result_ref = excluded.result_ref,
			error_kind = excluded.error_kind,
			error_message = excluded.error_message,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at
		WHERE mediaq_jobs.state NOT IN ('DONE', 'FAILED')`,
		r.ID, r.Kind, r.State, r.CallerID, r.Request, r.ResultRef,
		r.ErrorKind, r.ErrorMessage, r.SubmittedAt, r.StartedAt, r.CompletedAt,
	)
	if err != nil {
		return errors.Wrap(err, "journal.sqlite", "upsert job").WithField("id", j.ID)
	}
	return nil
}

// State returns the journaled state of id.
func (s *SQLiteSink) State(ctx context.Context, id string) (models.State, error) {
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM mediaq_jobs WHERE id = ?`, id).Scan(&state)
	if err == sql.ErrNoRows {
		return "", errors.NotFound("job", id)
	}
	if err != nil {
		return "", errors.Wrap(err, "journal.sqlite", "read job")
	}
	return models.State(state), nil
}

func (s *SQLiteSink) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteSink) Close() error { return s.db.Close() }
