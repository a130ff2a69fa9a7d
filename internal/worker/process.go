package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"mediaq/internal/models"
	"mediaq/internal/pkg/errors"
	"mediaq/internal/pkg/logger"
	"mediaq/internal/registry"
	"mediaq/internal/worker/tasks"
)

type outcome struct {
	out models.Output
	err error
	// lingering is set when the handler had not returned within the stop
	// grace; its outputs are purged once it does.
	lingering bool
}

// process claims one job, runs it under the per-job timeout and records a
// terminal state. The admission slot is released on every path after the
// claim succeeds.
func (p *Pool) process(ctx context.Context, log *logger.Logger, jobID string) {
	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	// Tracked before the claim so a cancel racing the claim is not lost.
	p.track(jobID, cancel)
	defer p.untrack(jobID)

	job, err := p.d.Jobs.Transition(jobID, models.StateQueued, models.StateRunning, registry.Update{})
	if err != nil {
		if errors.IsConflict(err) {
			// Cancelled before dispatch. Whoever failed it may have run before
			// the slot existed; Release is idempotent.
			if st, _ := errors.GetFields(err)["state"].(string); models.State(st).Terminal() {
				p.d.Slots.Release(jobID)
			}
			log.Debug("job no longer queued, skipping", "job_id", jobID, "error", err.Error())
		} else {
			log.Warn("job claim failed", "job_id", jobID, "error", err.Error())
		}
		return
	}
	defer p.d.Slots.Release(jobID)

	p.busy.Add(1)
	defer p.busy.Add(-1)

	jobLog := log.WithJobID(jobID)
	jobLog.Info("processing job", "kind", string(job.Request.Kind))
	start := time.Now()

	jobCtx, cancelTimeout := context.WithTimeoutCause(jobCtx, p.timeout(), errJobTimeout)
	defer cancelTimeout()
	jobCtx = logger.ContextWithJobID(jobCtx, jobID)

	res := p.execute(jobCtx, job)
	if res.err == nil && res.out.Key == "" {
		res.err = errors.Internal("handler returned no result reference")
	}
	if res.err != nil && jobCtx.Err() != nil {
		res.err = interruption(jobCtx, p.timeout())
	}

	if res.err == nil {
		if _, err := p.d.Jobs.Transition(jobID, models.StateRunning, models.StateDone, registry.Update{ResultRef: res.out.Key, Output: &res.out}); err != nil {
			jobLog.Error("failed to record completion", "error", err.Error())
			return
		}
		jobLog.Info("job completed",
			"result_ref", res.out.Key,
			"size", res.out.Size,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return
	}

	detail := Detail(res.err)
	if _, err := p.d.Jobs.Transition(jobID, models.StateRunning, models.StateFailed, registry.Update{Error: &detail}); err != nil {
		jobLog.Error("failed to record failure", "error", err.Error(), "cause", res.err.Error())
		return
	}
	if !res.lingering {
		p.purgeOutputs(jobLog, jobID)
	}
	jobLog.Error("job failed",
		"error_kind", detail.Kind,
		"error", detail.Message,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// execute runs the handler in its own goroutine. Once ctx ends the handler
// has the stop grace to return before the executor gives up on it.
func (p *Pool) execute(ctx context.Context, job models.Job) outcome {
	h, err := p.d.Handlers.Lookup(job.Request.Kind)
	if err != nil {
		return outcome{err: err}
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("handler panic",
					"job_id", job.ID,
					"panic", fmt.Sprint(r),
					"stack", string(debug.Stack()),
				)
				done <- outcome{err: errors.Internalf("handler panic: %v", r)}
			}
		}()
		out, err := h.Execute(ctx, job.ID, job.Request.Clone(), p.d.Store)
		done <- outcome{out: out, err: err}
	}()

	select {
	case out := <-done:
		return out
	case <-ctx.Done():
	}

	// Interrupted: give the handler a bounded chance to stop its tool and
	// return, so the slot is not freed while it still runs.
	grace := time.NewTimer(p.grace())
	defer grace.Stop()
	select {
	case <-done:
		return outcome{err: context.Cause(ctx)}
	case <-grace.C:
	}
	log := p.log.WithJobID(job.ID)
	log.Warn("handler still running after interruption", "grace", p.grace().String())
	go func() {
		<-done
		p.purgeOutputs(log, job.ID)
	}()
	return outcome{err: context.Cause(ctx), lingering: true}
}

// purgeOutputs deletes whatever a failed job managed to store, so no artifact
// outlives a job recorded FAILED.
func (p *Pool) purgeOutputs(log *logger.Logger, jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	keys, err := p.d.Store.List(ctx, tasks.OutputPrefix(jobID))
	if err != nil {
		log.Warn("listing outputs of failed job", "error", err.Error())
		return
	}
	for _, k := range keys {
		if err := p.d.Store.Delete(ctx, k); err != nil && !errors.IsNotFound(err) {
			log.Warn("deleting output of failed job", "key", k, "error", err.Error())
			continue
		}
		log.Debug("deleted output of failed job", "key", k)
	}
}

// interruption converts the job context's cause into TIMEOUT or CANCELLED.
func interruption(ctx context.Context, timeout time.Duration) error {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, errJobTimeout):
		return errors.New(errors.CodeTimeout, fmt.Sprintf("job exceeded timeout of %s", timeout)).
			WithField("timeout", timeout.String())
	case errors.GetCode(cause) == errors.CodeCancelled:
		return cause
	default:
		return errors.WrapWithCode(cause, errors.CodeCancelled, "worker", "job interrupted")
	}
}

// Detail flattens err into the kind/message pair recorded on a failed job.
// The message joins the messages of the wrapped chain.
func Detail(err error) models.ErrorDetail {
	var parts []string
	for cur := err; cur != nil; {
		e, ok := cur.(*errors.Error)
		if !ok {
			parts = append(parts, cur.Error())
			break
		}
		if e.Message != "" {
			parts = append(parts, e.Message)
		}
		cur = e.Err
	}
	return models.ErrorDetail{
		Kind:    string(errors.GetCode(err)),
		Message: strings.Join(parts, ": "),
	}
}
