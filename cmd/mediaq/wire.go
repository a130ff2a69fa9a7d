package main

import (
	"context"

	"mediaq/internal/config"
	"mediaq/internal/engine"
	"mediaq/internal/pkg/logger"
	"mediaq/internal/storage"
	"mediaq/internal/worker/renderer"
	"mediaq/internal/worker/tasks"
)

func newLogger(cfg config.LogConfig) *logger.Logger {
	log := logger.New(logger.Config{
		Level:       cfg.Level,
		Format:      cfg.Format,
		ServiceName: "mediaq",
		AddSource:   cfg.Source,
	})
	if verbose {
		log.SetLevel("debug")
	}
	return log
}

// buildEngine selects storage and the task handlers from cfg. The engine
// is returned unstarted.
func buildEngine(ctx context.Context, cfg config.Config, log *logger.Logger) (*engine.Engine, error) {
	log.Info("initializing storage backend", "backend", cfg.Storage.Backend)
	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	log.Info("storage backend initialized", "provider", store.Provider())

	opts := tasks.Options{
		Retry: tasks.RetryPolicy{
			Attempts:        cfg.Retry.Attempts,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
		},
		WorkDir: cfg.Tools.WorkDir,
		Log:     log,
	}

	var browser renderer.Client
	if cfg.Tools.RendererURL != "" {
		log.Info("using remote renderer", "url", cfg.Tools.RendererURL)
		browser = renderer.NewHTTPClient(cfg.Tools.RendererURL)
	} else {
		browser = renderer.NewChrome(cfg.Tools.Chrome)
	}

	handlers, err := tasks.NewRegistry(
		tasks.NewTranscoder(cfg.Tools.FFmpeg, cfg.Tools.FFprobe, opts),
		tasks.NewTranscriber(cfg.Tools.FFmpeg, cfg.Tools.Whisper, cfg.Tools.WhisperModelDir, opts),
		tasks.NewRenderer(browser, opts),
	)
	if err != nil {
		return nil, err
	}

	return engine.New(engine.Options{
		Capacity:   cfg.Queue.Capacity,
		Workers:    cfg.Queue.Workers,
		JobTimeout: cfg.Queue.JobTimeout,
		StopGrace:  cfg.Queue.StopGrace,
		Store:      store,
		Handlers:   handlers,
		Log:        log,
	})
}
