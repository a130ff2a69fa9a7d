// Package admission gatekeeps submissions against a fixed capacity ceiling.
// A slot is held from admission until the job's terminal state, so the
// ceiling bounds queued and running jobs together.
package admission

import (
	"sync"

	"mediaq/internal/models"
	"mediaq/internal/pkg/errors"
	"mediaq/internal/pkg/logger"
	"mediaq/internal/registry"
)

// JobStore is the part of the registry admission needs.
type JobStore interface {
	Create(req models.JobRequest) models.Job
	Get(id string) (models.Job, error)
	Transition(id string, from, to models.State, u registry.Update) (models.Job, error)
}

// Enqueuer accepts admitted job ids in FIFO order.
type Enqueuer interface {
	Push(id string) error
	Remove(id string) bool
	Close() []string
}

type Controller struct {
	mu          sync.Mutex
	capacity    int
	outstanding int
	slots       map[string]struct{}
	closed      bool

	jobs  JobStore
	queue Enqueuer
	log   *logger.Logger
}

func New(capacity int, jobs JobStore, queue Enqueuer, log *logger.Logger) (*Controller, error) {
	if capacity <= 0 {
		return nil, errors.ValidationField("queue.capacity", "must be positive")
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Controller{
		capacity: capacity,
		slots:    make(map[string]struct{}, capacity),
		jobs:     jobs,
		queue:    queue,
		log:      log.WithComponent("admission"),
	}, nil
}

// Submit admits req or fails immediately; it never waits for room.
func (c *Controller) Submit(req models.JobRequest) (models.Job, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return models.Job{}, errors.Unavailable("admission closed")
	}
	if c.outstanding >= c.capacity {
		c.mu.Unlock()
		return models.Job{}, errors.CapacityExceeded(c.capacity)
	}
	c.outstanding++
	c.mu.Unlock()

	// The registry notifies observers synchronously, so it is called
	// without c.mu held.
	job := c.jobs.Create(req)

	c.mu.Lock()
	if c.closed {
		c.outstanding--
		c.mu.Unlock()
		c.abandon(job.ID, errors.CodeCancelled, "engine shutting down")
		return models.Job{}, errors.Unavailable("admission closed")
	}
	if err := c.queue.Push(job.ID); err != nil {
		c.outstanding--
		c.mu.Unlock()
		c.abandon(job.ID, errors.CodeInternal, "enqueue failed: "+err.Error())
		return models.Job{}, errors.Wrap(err, "admission.submit", "enqueue job")
	}
	c.slots[job.ID] = struct{}{}
	c.mu.Unlock()

	// The job was visible from Create on. A cancel that landed before the
	// slot was recorded had nothing to free, so free it here.
	if cur, err := c.jobs.Get(job.ID); err == nil && cur.State.Terminal() {
		c.queue.Remove(job.ID)
		c.Release(job.ID)
		c.log.Debug("job finished before admission completed", "job_id", job.ID, "state", string(cur.State))
		return cur, nil
	}

	c.log.Debug("job admitted", "job_id", job.ID, "kind", string(job.Request.Kind))
	return job, nil
}

// abandon fails a job that was created but never reached the queue.
func (c *Controller) abandon(id string, code errors.Code, msg string) {
	_, err := c.jobs.Transition(id, models.StateQueued, models.StateFailed, registry.Update{
		Error: &models.ErrorDetail{Kind: string(code), Message: msg},
	})
	if err != nil {
		c.log.Warn("failed to abandon job", "job_id", id, "error", err.Error())
	}
}

// Release frees the slot held by id. Only the first call for an id has an
// effect; it reports whether this call released the slot.
func (c *Controller) Release(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.slots[id]; !ok {
		return false
	}
	delete(c.slots, id)
	c.outstanding--
	return true
}

func (c *Controller) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outstanding
}

func (c *Controller) Capacity() int { return c.capacity }

// Close stops admission and closes the queue. It returns the ids that were
// admitted but never dequeued; their slots stay held until released.
func (c *Controller) Close() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.queue.Close()
}
