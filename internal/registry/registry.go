// Package registry owns every job's lifecycle record. All state changes go
// through Transition, which compares the current state before swapping it.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mediaq/internal/models"
	"mediaq/internal/pkg/errors"
)

// Observer receives a snapshot after every create and successful transition.
// Observers run in transition order and must not call back into the Registry.
type Observer func(models.Job)

// Update carries the metadata a transition records.
type Update struct {
	ResultRef string
	// Output is optional metadata recorded with a DONE transition.
	Output *models.Output
	Error  *models.ErrorDetail
}

type Filter struct {
	State models.State
	Kind  models.Kind
	// Limit <= 0 means no limit.
	Limit int
}

type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*models.Job

	notifyMu  sync.Mutex
	observers []Observer

	now   func() time.Time
	newID func() string
}

func New() *Registry {
	return &Registry{
		jobs:  make(map[string]*models.Job),
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

// Subscribe registers fn for all future events.
func (r *Registry) Subscribe(fn Observer) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	r.observers = append(r.observers, fn)
}

// Create records a new job in state QUEUED.
func (r *Registry) Create(req models.JobRequest) models.Job {
	now := r.now()
	job := &models.Job{
		ID:          r.newID(),
		Request:     req.Clone(),
		State:       models.StateQueued,
		SubmittedAt: now,
		History:     []models.StateChange{{State: models.StateQueued, At: now}},
	}

	r.mu.Lock()
	for {
		if _, dup := r.jobs[job.ID]; !dup {
			break
		}
		job.ID = r.newID()
	}
	r.jobs[job.ID] = job
	snap := job.Clone()
	r.publish(snap)
	return snap
}

// Transition moves a job from -> to. It fails without side effects when
// the job is unknown, its current state is not from, or the edge is not
// part of the lifecycle. DONE requires a result ref; FAILED requires an
// error detail.
func (r *Registry) Transition(id string, from, to models.State, u Update) (models.Job, error) {
	if !models.CanTransition(from, to) {
		return models.Job{}, errors.Newf(errors.CodeFailedPrecond,
			"illegal transition %s -> %s", from, to).
			WithField("id", id)
	}
	switch {
	case to == models.StateDone && u.ResultRef == "":
		return models.Job{}, errors.Newf(errors.CodeFailedPrecond, "transition to %s requires a result ref", to)
	case to != models.StateDone && (u.ResultRef != "" || u.Output != nil):
		return models.Job{}, errors.Newf(errors.CodeFailedPrecond, "result ref is only set on %s", models.StateDone)
	case to == models.StateFailed && u.Error == nil:
		return models.Job{}, errors.Newf(errors.CodeFailedPrecond, "transition to %s requires an error", to)
	}

	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return models.Job{}, errors.NotFound("job", id)
	}
	if job.State != from {
		cur := job.State
		r.mu.Unlock()
		return models.Job{}, errors.Conflict(fmt.Sprintf("job %s is %s, not %s", id, cur, from)).
			WithField("id", id).
			WithField("state", string(cur))
	}

	now := r.now()
	job.State = to
	job.History = append(job.History, models.StateChange{State: to, At: now})
	switch to {
	case models.StateRunning:
		job.StartedAt = &now
	case models.StateDone:
		job.CompletedAt = &now
		job.ResultRef = u.ResultRef
		if u.Output != nil {
			o := *u.Output
			o.Key = u.ResultRef
			job.Output = &o
		}
	case models.StateFailed:
		job.CompletedAt = &now
		e := *u.Error
		job.Error = &e
	}
	snap := job.Clone()
	r.publish(snap)
	return snap, nil
}

// publish is called with r.mu held and releases it. Taking notifyMu first
// keeps observer delivery in the same order as the state changes.
func (r *Registry) publish(snap models.Job) {
	r.notifyMu.Lock()
	r.mu.Unlock()
	defer r.notifyMu.Unlock()
	for _, fn := range r.observers {
		fn(snap.Clone())
	}
}

func (r *Registry) Get(id string) (models.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return models.Job{}, errors.NotFound("job", id)
	}
	return job.Clone(), nil
}

// List returns matching snapshots, newest submission first.
func (r *Registry) List(f Filter) []models.Job {
	r.mu.RLock()
	out := make([]models.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		if f.State != "" && job.State != f.State {
			continue
		}
		if f.Kind != "" && job.Request.Kind != f.Kind {
			continue
		}
		out = append(out, job.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].SubmittedAt.After(out[j].SubmittedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Counts returns the number of jobs per state.
func (r *Registry) Counts() map[models.State]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[models.State]int, 4)
	for _, job := range r.jobs {
		out[job.State]++
	}
	return out
}
