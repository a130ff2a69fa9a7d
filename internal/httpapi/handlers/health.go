package handlers

import (
	"net/http"

	"mediaq/internal/httpkit"
)

// Health reports liveness; ?deep=true adds a storage check and queue
// stats. A stopping engine answers 503 so load balancers drain it.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	health := h.engine.Health(ctx, r.URL.Query().Get("deep") == "true")

	status := http.StatusOK
	switch health.Status {
	case "stopping":
		status = http.StatusServiceUnavailable
	case "degraded":
		h.log.FromContext(ctx).Warn("health check degraded", "storage", health.Storage)
	}

	httpkit.WriteJSON(w, status, map[string]any{
		"status":  health.Status,
		"service": "mediaq",
		"uptime":  health.Uptime,
		"storage": health.Storage,
		"queue":   health.Queue,
	})
}
