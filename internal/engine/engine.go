// Package engine composes validation, admission, the job registry, the
// worker pool and storage into the operations callers use.
package engine

import (
	"context"
	"sync"
	"time"

	"mediaq/internal/admission"
	"mediaq/internal/models"
	"mediaq/internal/pkg/errors"
	"mediaq/internal/pkg/logger"
	"mediaq/internal/ports"
	"mediaq/internal/registry"
	"mediaq/internal/validate"
	"mediaq/internal/worker"
	"mediaq/internal/worker/queue"
	"mediaq/internal/worker/tasks"
)

type Options struct {
	Capacity   int
	Workers    int
	JobTimeout time.Duration
	StopGrace  time.Duration

	Store    ports.Backend
	Handlers *tasks.Registry
	Log      *logger.Logger
}

type Engine struct {
	validator *validate.Validator
	jobs      *registry.Registry
	queue     *queue.FIFO
	admission *admission.Controller
	pool      *worker.Pool
	handlers  *tasks.Registry
	store     ports.Backend
	log       *logger.Logger

	onReject func(reason string)
	started  time.Time

	lifecycle sync.Mutex
	runCancel context.CancelCauseFunc
	runDone   chan struct{}
	stopped   bool
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Handlers == nil {
		return nil, errors.Internal("engine: store and handlers are required")
	}
	log := opts.Log
	if log == nil {
		log = logger.NewDefault()
	}

	jobs := registry.New()
	q := queue.NewFIFO(opts.Capacity)
	adm, err := admission.New(opts.Capacity, jobs, q, log)
	if err != nil {
		return nil, err
	}
	pool, err := worker.New(worker.Deps{
		Queue:      q,
		Jobs:       jobs,
		Slots:      adm,
		Handlers:   opts.Handlers,
		Store:      opts.Store,
		Log:        log,
		Workers:    opts.Workers,
		JobTimeout: opts.JobTimeout,
		StopGrace:  opts.StopGrace,
	})
	if err != nil {
		return nil, err
	}

	return &Engine{
		validator: validate.New(),
		jobs:      jobs,
		queue:     q,
		admission: adm,
		pool:      pool,
		handlers:  opts.Handlers,
		store:     opts.Store,
		log:       log.WithComponent("engine"),
		onReject:  func(string) {},
		started:   time.Now(),
	}, nil
}

// Subscribe registers an observer for every job snapshot. Observers must
// not call back into the engine.
func (e *Engine) Subscribe(fn registry.Observer) { e.jobs.Subscribe(fn) }

// OnReject is called with the error code of every refused submission.
func (e *Engine) OnReject(fn func(reason string)) {
	if fn != nil {
		e.onReject = fn
	}
}

// Start launches the worker pool. It returns immediately.
func (e *Engine) Start(ctx context.Context) {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.runDone != nil || e.stopped {
		return
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	e.runCancel = cancel
	e.runDone = make(chan struct{})
	go func() {
		defer close(e.runDone)
		if err := e.pool.Run(runCtx); err != nil && runCtx.Err() == nil {
			e.log.Error("worker pool exited", "error", err.Error())
		}
	}()
	e.log.Info("engine started",
		"capacity", e.admission.Capacity(),
		"workers", e.pool.Workers(),
		"kinds", e.handlers.Kinds(),
		"storage", e.store.Provider(),
	)
}

// Shutdown stops admission, fails jobs that never started, interrupts
// running jobs and waits for executors until ctx ends.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.lifecycle.Lock()
	if e.stopped {
		e.lifecycle.Unlock()
		return nil
	}
	e.stopped = true
	cancel, done := e.runCancel, e.runDone
	e.lifecycle.Unlock()

	pending := e.admission.Close()
	for _, id := range pending {
		e.failQueued(id, "engine shutting down")
	}
	interrupted := e.pool.CancelAll(worker.ErrShuttingDown)
	e.log.Info("engine shutting down",
		"queued_cancelled", len(pending),
		"running_interrupted", interrupted,
	)

	if cancel == nil {
		return nil
	}
	cancel(worker.ErrShuttingDown)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.WrapWithCode(ctx.Err(), errors.CodeTimeout, "engine.shutdown", "executors did not stop in time")
	}
}

// failQueued moves a job that never started to FAILED/CANCELLED and frees
// its slot. It reports false if an executor claimed the job first.
func (e *Engine) failQueued(id, reason string) bool {
	_, err := e.jobs.Transition(id, models.StateQueued, models.StateFailed, registry.Update{
		Error: &models.ErrorDetail{Kind: string(errors.CodeCancelled), Message: reason},
	})
	if err != nil {
		if !errors.IsConflict(err) {
			e.log.Warn("failed to cancel queued job", "job_id", id, "error", err.Error())
		}
		return false
	}
	e.queue.Remove(id)
	e.admission.Release(id)
	return true
}
