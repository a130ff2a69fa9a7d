package worker

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"mediaq/internal/pkg/errors"
	"mediaq/internal/worker/queue"
)

// Run starts the executors and blocks until ctx ends or the queue is
// closed and drained. A failing job never stops an executor.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("worker pool starting",
		"workers", p.d.Workers,
		"job_timeout", p.d.JobTimeout.String(),
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.d.Workers; i++ {
		i := i
		g.Go(func() error {
			p.loop(gctx, i)
			return nil
		})
	}
	err := g.Wait()
	p.log.Info("worker pool stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, index int) {
	log := p.log.WithWorker(index)
	for {
		jobID, err := p.d.Queue.Pop(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				log.Debug("executor stopping due to context cancellation")
				return
			case errors.Is(err, queue.ErrClosed):
				log.Debug("queue closed, executor stopping")
				return
			}
			log.Warn("queue pop error, retrying", "error", err.Error())
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if jobID == "" {
			continue
		}
		p.process(ctx, log, jobID)
	}
}
