package engine

import (
	"context"
	"time"

	"mediaq/internal/models"
	"mediaq/internal/pkg/errors"
	"mediaq/internal/registry"
)

// Submit validates a raw request body and admits it.
func (e *Engine) Submit(ctx context.Context, raw []byte) (models.Job, error) {
	req, err := e.validator.Request(raw)
	if err != nil {
		e.onReject(string(errors.GetCode(err)))
		return models.Job{}, err
	}
	return e.admit(ctx, req)
}

// SubmitRequest admits a request built in code, validating it the same way.
func (e *Engine) SubmitRequest(ctx context.Context, req models.JobRequest) (models.Job, error) {
	req, err := e.validator.Params(req)
	if err != nil {
		e.onReject(string(errors.GetCode(err)))
		return models.Job{}, err
	}
	return e.admit(ctx, req)
}

func (e *Engine) admit(ctx context.Context, req models.JobRequest) (models.Job, error) {
	if _, err := e.handlers.Lookup(req.Kind); err != nil {
		e.onReject(string(errors.GetCode(err)))
		return models.Job{}, err
	}
	job, err := e.admission.Submit(req)
	if err != nil {
		e.onReject(string(errors.GetCode(err)))
		e.log.FromContext(ctx).Info("submission rejected",
			"kind", string(req.Kind),
			"reason", string(errors.GetCode(err)),
			"outstanding", e.admission.Outstanding(),
		)
		return models.Job{}, err
	}
	e.log.FromContext(ctx).Info("job accepted",
		"job_id", job.ID,
		"kind", string(job.Request.Kind),
		"caller_id", job.Request.CallerID,
	)
	return job, nil
}

func (e *Engine) Status(id string) (models.Job, error) {
	return e.jobs.Get(id)
}

func (e *Engine) List(f registry.Filter) []models.Job {
	return e.jobs.List(f)
}

// Cancel stops a queued or running job. Cancelling a terminal job is a
// no-op that returns its snapshot. A running job is interrupted
// asynchronously; the returned snapshot may still be RUNNING.
func (e *Engine) Cancel(id string) (models.Job, error) {
	for attempt := 0; attempt < 5; attempt++ {
		job, err := e.jobs.Get(id)
		if err != nil {
			return models.Job{}, err
		}
		switch job.State {
		case models.StateDone, models.StateFailed:
			return job, nil
		case models.StateQueued:
			if e.failQueued(id, "cancelled by caller") {
				e.log.Info("queued job cancelled", "job_id", id)
				return e.jobs.Get(id)
			}
		case models.StateRunning:
			if e.pool.Cancel(id) {
				e.log.Info("running job interrupted", "job_id", id)
				return job, nil
			}
		}
		// lost a race with an executor; look again
		time.Sleep(time.Millisecond)
	}
	return e.jobs.Get(id)
}

// Stats is a point-in-time view of load.
type Stats struct {
	Capacity    int                  `json:"capacity"`
	Outstanding int                  `json:"outstanding"`
	Queued      int                  `json:"queued"`
	Workers     int                  `json:"workers"`
	Busy        int                  `json:"busy"`
	Jobs        map[models.State]int `json:"jobs"`
}

func (e *Engine) Stats() Stats {
	return Stats{
		Capacity:    e.admission.Capacity(),
		Outstanding: e.admission.Outstanding(),
		Queued:      e.queue.Len(),
		Workers:     e.pool.Workers(),
		Busy:        e.pool.Busy(),
		Jobs:        e.jobs.Counts(),
	}
}
