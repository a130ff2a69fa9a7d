// Package handlers implements the HTTP endpoints of the mediaq API on top
// of the engine. Handlers return errors; middleware.WrapHandler maps them
// to the JSON error envelope.
package handlers

import (
	"context"

	"mediaq/internal/engine"
	"mediaq/internal/models"
	"mediaq/internal/pkg/logger"
	"mediaq/internal/ports"
	"mediaq/internal/registry"
)

// Engine is the part of *engine.Engine the API exposes.
type Engine interface {
	Submit(ctx context.Context, raw []byte) (models.Job, error)
	Status(id string) (models.Job, error)
	List(f registry.Filter) []models.Job
	Cancel(id string) (models.Job, error)
	Result(ctx context.Context, id string) (engine.Artifact, error)

	Artifact(ctx context.Context, key string) (engine.Artifact, error)
	Artifacts(ctx context.Context, prefix string) ([]string, error)
	PutArtifact(ctx context.Context, key, contentType string, data []byte) (ports.StoredArtifact, error)
	DeleteArtifact(ctx context.Context, key string) error

	Health(ctx context.Context, deep bool) engine.Health
}

type Deps struct {
	Engine Engine
	Log    *logger.Logger
	// MaxBodyBytes bounds JSON request bodies.
	MaxBodyBytes   int64
	MaxUploadBytes int64
}

type Handler struct {
	engine    Engine
	log       *logger.Logger
	maxBody   int64
	maxUpload int64
}

func New(d Deps) *Handler {
	h := &Handler{
		engine:    d.Engine,
		log:       d.Log,
		maxBody:   d.MaxBodyBytes,
		maxUpload: d.MaxUploadBytes,
	}
	if h.log == nil {
		h.log = logger.Discard()
	}
	if h.maxBody <= 0 {
		h.maxBody = 1 << 20
	}
	if h.maxUpload <= 0 {
		h.maxUpload = 512 << 20
	}
	return h
}
