package main

import (
	"context"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"mediaq/internal/config"
	"mediaq/internal/httpapi"
	"mediaq/internal/journal"
	"mediaq/internal/metrics"
	"mediaq/internal/notify"
	"mediaq/internal/pkg/shutdown"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the worker pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(ctx context.Context, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log := newLogger(cfg.Log)
	log.Info("starting mediaq",
		"version", version,
		"capacity", cfg.Queue.Capacity,
		"workers", cfg.Queue.Workers,
		"job_timeout", cfg.Queue.JobTimeout.String(),
	)

	shutdownMgr := shutdown.NewManager(log, cfg.ShutdownTimeout)

	eng, err := buildEngine(ctx, cfg, log)
	if err != nil {
		log.LogError(ctx, "failed to build engine", err)
		return err
	}

	// ---- OBSERVERS ----
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		m := metrics.New()
		eng.Subscribe(m.Observe)
		eng.OnReject(m.Rejected)
		m.RegisterGauges(metrics.Gauges{
			Outstanding: func() int { return eng.Stats().Outstanding },
			Capacity:    func() int { return cfg.Queue.Capacity },
			Busy:        func() int { return eng.Stats().Busy },
			Workers:     func() int { return cfg.Queue.Workers },
		})
		metricsHandler = m.Handler()
	}

	sink, err := journal.Open(ctx, cfg.Journal)
	if err != nil {
		log.LogError(ctx, "failed to open journal", err)
		return err
	}
	dispatcher := journal.NewDispatcher(sink, cfg.Journal.Buffer, log)
	eng.Subscribe(dispatcher.Observe)
	log.Info("job journal ready", "sink", sink.Name())
	shutdownMgr.Register(shutdown.PhaseSinks, "journal", func(ctx context.Context) error {
		if n := dispatcher.Dropped(); n > 0 {
			log.Warn("journal dropped records", "dropped", n)
		}
		return dispatcher.Close(ctx)
	})

	var events notify.EventPublisher
	if cfg.Notify.AMQPURL != "" {
		pub, err := notify.DialAMQP(cfg.Notify.AMQPURL, cfg.Notify.Exchange)
		if err != nil {
			log.LogError(ctx, "failed to connect to event broker", err)
			return err
		}
		events = pub
		log.Info("event broker connected", "exchange", cfg.Notify.Exchange)
	}
	notifier := notify.New(
		notify.NewWebhook(cfg.Notify.WebhookTimeout, cfg.Notify.WebhookAttempts, log),
		events,
		log,
	)
	eng.Subscribe(notifier.Observe)
	shutdownMgr.Register(shutdown.PhaseSinks, "notifier", notifier.Close)

	// ---- ENGINE ----
	eng.Start(ctx)
	shutdownMgr.Register(shutdown.PhaseEngine, "engine", eng.Shutdown)

	// ---- HTTP ----
	server := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: httpapi.NewRouter(httpapi.Deps{
			Engine:  eng,
			Metrics: metricsHandler,
			Log:     log,
			Config:  cfg.HTTP,
		}),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	shutdownMgr.Register(shutdown.PhaseIngress, "http-server", func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		return server.Shutdown(ctx)
	})

	serveErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.LogError(ctx, "HTTP server failed", err)
			serveErr <- err
			shutdownMgr.Shutdown()
		}
	}()

	shutdownMgr.WaitWithContext(ctx)
	select {
	case err := <-serveErr:
		return err
	default:
	}
	return shutdownMgr.Err()
}
