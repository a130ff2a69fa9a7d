// Package httpapi wires the chi router of the mediaq API.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"mediaq/internal/config"
	"mediaq/internal/httpapi/handlers"
	"mediaq/internal/httpkit"
	"mediaq/internal/pkg/logger"
	"mediaq/internal/pkg/middleware"
)

type Deps struct {
	Engine handlers.Engine
	// Metrics serves /metrics; nil leaves the route unregistered.
	Metrics http.Handler
	Log     *logger.Logger
	Config  config.HTTPConfig
}

func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = logger.Discard()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(log))
	r.Use(middleware.Recovery(log))

	if len(d.Config.CORSOrigins) > 0 {
		r.Use(httpkit.CORS(httpkit.CORSOptions{
			AllowedOrigins: d.Config.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", middleware.APIKeyHeader, middleware.RequestIDHeader},
			ExposedHeaders: []string{"Location", middleware.RequestIDHeader, "X-Artifact-Key"},
			MaxAgeSeconds:  600,
		}))
	}

	h := handlers.New(handlers.Deps{
		Engine:         d.Engine,
		Log:            log,
		MaxBodyBytes:   d.Config.MaxBodyBytes,
		MaxUploadBytes: d.Config.MaxUploadBytes,
	})
	wrap := func(fn middleware.ErrorHandlerFunc) http.HandlerFunc {
		return middleware.WrapHandler(log, fn)
	}

	// ---- HEALTH / METRICS ----
	r.Get("/health", h.Health)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(d.Config.RateLimit, d.Config.RateBurst))
		r.Use(middleware.APIKey(d.Config.APIKey))

		// ---- JOBS ----
		r.Post("/jobs", wrap(h.PostJob))
		r.Get("/jobs", wrap(h.ListJobs))
		r.Get("/jobs/{jobId}", wrap(h.GetJob))
		r.Get("/jobs/{jobId}/result", wrap(h.GetJobResult))
		r.Post("/jobs/{jobId}/cancel", wrap(h.CancelJob))

		// ---- ARTIFACTS ----
		r.Get("/artifacts", wrap(h.ListArtifacts))
		r.Post("/artifacts", wrap(h.PostArtifact))
		r.Get("/artifacts/*", wrap(h.GetArtifact))
		r.Delete("/artifacts/*", wrap(h.DeleteArtifact))
	})

	return r
}
