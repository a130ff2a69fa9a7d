package worker

import (
	"context"
	"time"

	"mediaq/internal/models"
	"mediaq/internal/pkg/logger"
	"mediaq/internal/ports"
	"mediaq/internal/registry"
	"mediaq/internal/worker/tasks"
)

// Dequeuer hands each queued job id to exactly one caller.
type Dequeuer interface {
	Pop(ctx context.Context) (string, error)
}

// JobStore is the part of the registry executors mutate jobs through.
type JobStore interface {
	Transition(id string, from, to models.State, u registry.Update) (models.Job, error)
}

// SlotReleaser frees a job's admission slot. Release must be idempotent.
type SlotReleaser interface {
	Release(id string) bool
}

// HandlerTable resolves a job kind to its handler.
type HandlerTable interface {
	Lookup(k models.Kind) (tasks.Handler, error)
}

type Deps struct {
	Queue    Dequeuer
	Jobs     JobStore
	Slots    SlotReleaser
	Handlers HandlerTable
	Store    ports.Backend
	Log      *logger.Logger

	Workers    int
	JobTimeout time.Duration
	// StopGrace bounds how long an interrupted handler may take to return
	// before its executor moves on. Defaults to 10s.
	StopGrace  time.Duration
}
