package tasks

import (
	"context"
	"time"

	"mediaq/internal/models"
	"mediaq/internal/pkg/errors"
	"mediaq/internal/ports"
	"mediaq/internal/worker/renderer"
)

// Renderer captures a web page or HTML document through a renderer.Client.
type Renderer struct {
	client renderer.Client
	opts   Options
}

func NewRenderer(client renderer.Client, opts Options) *Renderer {
	return &Renderer{client: client, opts: opts.withDefaults("render")}
}

func (r *Renderer) Kind() models.Kind { return models.KindRender }

func (r *Renderer) Execute(ctx context.Context, jobID string, req models.JobRequest, store ports.Backend) (models.Output, error) {
	var p models.RenderParams
	if err := models.DecodeParams(req.Params, &p); err != nil {
		return models.Output{}, errors.TaskPermanent(err, "tasks.render", "decode params")
	}
	p.Defaults()
	log := r.opts.Log.FromContext(ctx)

	rr := renderer.Request{
		JobID:    jobID,
		URL:      p.URL,
		HTML:     p.HTML,
		Format:   p.Format,
		Width:    p.Width,
		Height:   p.Height,
		FullPage: p.FullPage,
		Quality:  p.Quality,
		Wait:     time.Duration(p.WaitMS) * time.Millisecond,
	}

	var data []byte
	err := r.opts.Retry.Do(ctx, log, "render", func() error {
		start := time.Now()
		out, err := r.client.Render(ctx, rr)
		log.Debug("render attempt finished",
			"duration_ms", time.Since(start).Milliseconds(),
			"ok", err == nil,
		)
		if err != nil {
			return err
		}
		data = out
		return nil
	})
	if err != nil {
		return models.Output{}, err
	}

	key := OutputKey(jobID, "render", renderExt(p.Format))
	art, err := storeOutput(ctx, store, key, data, r.opts.Retry, log)
	if err != nil {
		return models.Output{}, err
	}
	log.Info("render stored", "key", art.Key, "size", art.Size, "format", p.Format)
	return outputOf(art), nil
}

func renderExt(format string) string {
	if format == "jpeg" {
		return "jpg"
	}
	return format
}
