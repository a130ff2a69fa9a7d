// Package tasks holds the kind-specific job handlers and the table that
// dispatches to them. Handlers translate their own failures into the shared
// error taxonomy; the table only routes by kind.
package tasks

import (
	"context"
	"sort"

	"mediaq/internal/models"
	"mediaq/internal/pkg/errors"
	"mediaq/internal/ports"
)

// Handler executes one job kind. It returns the stored artifact; Key is
// the job's result reference.
type Handler interface {
	Kind() models.Kind
	Execute(ctx context.Context, jobID string, req models.JobRequest, store ports.Backend) (models.Output, error)
}

// Registry is an immutable kind -> handler table built at startup.
type Registry struct {
	handlers map[models.Kind]Handler
}

func NewRegistry(handlers ...Handler) (*Registry, error) {
	r := &Registry{handlers: make(map[models.Kind]Handler, len(handlers))}
	for _, h := range handlers {
		k := h.Kind()
		if !k.Valid() {
			return nil, errors.Internalf("handler registered for unknown kind %q", k)
		}
		if _, dup := r.handlers[k]; dup {
			return nil, errors.Internalf("duplicate handler for kind %q", k)
		}
		r.handlers[k] = h
	}
	return r, nil
}

func (r *Registry) Lookup(k models.Kind) (Handler, error) {
	h, ok := r.handlers[k]
	if !ok {
		return nil, errors.Newf(errors.CodeFailedPrecond, "no handler for kind %q", k).
			WithField("kind", string(k))
	}
	return h, nil
}

func (r *Registry) Kinds() []models.Kind {
	out := make([]models.Kind, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
