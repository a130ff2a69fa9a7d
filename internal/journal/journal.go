// Package journal mirrors job snapshots to an external store. The in-memory
// registry stays authoritative; the journal is write-only and lossy under
// overload.
package journal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"mediaq/internal/models"
	"mediaq/internal/pkg/logger"
)

// Sink persists one snapshot. Writes for the same job arrive in order.
type Sink interface {
	Name() string
	Write(ctx context.Context, job models.Job) error
	Close() error
}

const writeTimeout = 5 * time.Second

// Dispatcher decouples registry observers from sink latency with a bounded
// buffer. Observe never blocks; overflow is counted and dropped.
type Dispatcher struct {
	sink Sink
	log  *logger.Logger

	mu     sync.RWMutex
	ch     chan models.Job
	closed bool

	dropped atomic.Int64
	written atomic.Int64
	done    chan struct{}
}

func NewDispatcher(sink Sink, buffer int, log *logger.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	if log == nil {
		log = logger.NewDefault()
	}
	d := &Dispatcher{
		sink: sink,
		log:  log.WithComponent("journal").With("sink", sink.Name()),
		ch:   make(chan models.Job, buffer),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

// Observe matches registry.Observer.
func (d *Dispatcher) Observe(job models.Job) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.ch <- job:
	default:
		if n := d.dropped.Add(1); n == 1 || n%100 == 0 {
			d.log.Warn("journal buffer full, dropping snapshot",
				"job_id", job.ID,
				"state", string(job.State),
				"dropped_total", n,
			)
		}
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for job := range d.ch {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := d.sink.Write(ctx, job)
		cancel()
		if err != nil {
			d.log.Warn("journal write failed",
				"job_id", job.ID,
				"state", string(job.State),
				"error", err.Error(),
			)
			continue
		}
		d.written.Add(1)
	}
}

func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }
func (d *Dispatcher) Written() int64 { return d.written.Load() }

// Close stops accepting snapshots, drains the buffer within ctx and closes
// the sink. It is safe to call more than once.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.ch)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
	case <-ctx.Done():
		d.log.Warn("journal drain interrupted", "pending", len(d.ch))
		return ctx.Err()
	}
	return d.sink.Close()
}

// Nop discards every snapshot.
type Nop struct{}

func (Nop) Name() string                            { return "none" }
func (Nop) Write(context.Context, models.Job) error { return nil }
func (Nop) Close() error                            { return nil }
