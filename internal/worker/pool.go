// Package worker runs the fixed pool of executors that take admitted jobs
// off the queue, dispatch them to their handler and record the outcome.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"mediaq/internal/pkg/errors"
	"mediaq/internal/pkg/logger"
)

const defaultStopGrace = 10 * time.Second

var (
	errJobTimeout   = errors.New(errors.CodeTimeout, "job exceeded its timeout")
	errJobCancelled = errors.Cancelled("cancelled by caller")
	// ErrShuttingDown is the cancel cause for jobs interrupted by shutdown.
	ErrShuttingDown = errors.Cancelled("shutting down")
)

type Pool struct {
	d   Deps
	log *logger.Logger

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc

	busy atomic.Int64
}

func New(d Deps) (*Pool, error) {
	switch {
	case d.Queue == nil || d.Jobs == nil || d.Slots == nil || d.Handlers == nil || d.Store == nil:
		return nil, errors.Internal("worker pool: missing dependency")
	case d.Workers <= 0:
		return nil, errors.ValidationField("queue.workers", "must be positive")
	case d.JobTimeout <= 0:
		return nil, errors.ValidationField("queue.job_timeout", "must be positive")
	}
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	return &Pool{
		d:       d,
		log:     log.WithComponent("worker"),
		running: make(map[string]context.CancelCauseFunc),
	}, nil
}

// Workers is the configured executor count.
func (p *Pool) Workers() int { return p.d.Workers }

// Busy is the number of executors currently running a job.
func (p *Pool) Busy() int { return int(p.busy.Load()) }

// Cancel interrupts a running job. It reports false when the job is not
// running on this pool.
func (p *Pool) Cancel(id string) bool {
	p.mu.Lock()
	cancel, ok := p.running[id]
	p.mu.Unlock()
	if ok {
		cancel(errJobCancelled)
	}
	return ok
}

// CancelAll interrupts every running job with cause.
func (p *Pool) CancelAll(cause error) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cancel := range p.running {
		cancel(cause)
	}
	return len(p.running)
}

func (p *Pool) track(id string, cancel context.CancelCauseFunc) {
	p.mu.Lock()
	p.running[id] = cancel
	p.mu.Unlock()
}

func (p *Pool) untrack(id string) {
	p.mu.Lock()
	delete(p.running, id)
	p.mu.Unlock()
}

func (p *Pool) timeout() time.Duration { return p.d.JobTimeout }

func (p *Pool) grace() time.Duration {
	if p.d.StopGrace > 0 {
		return p.d.StopGrace
	}
	return defaultStopGrace
}
