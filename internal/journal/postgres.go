package journal

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"mediaq/internal/models"
	"mediaq/internal/pkg/errors"
	"mediaq/internal/repositories"
)

// PostgresSink upserts snapshots into the mediaq_jobs table.
type PostgresSink struct {
	pool *pgxpool.Pool
	repo *repositories.JobRepository
}

func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeValidation, "journal.postgres", "parse dsn")
	}
	cfg.MaxConns = 4
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, "journal.postgres", "connect")
	}
	repo := repositories.NewJobRepository(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresSink{pool: pool, repo: repo}, nil
}

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) Write(ctx context.Context, j models.Job) error {
	return s.repo.Upsert(ctx, j)
}

func (s *PostgresSink) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "journal.postgres", "ping")
	}
	return nil
}

func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}
