package engine

import (
	"context"
	"time"

	"mediaq/internal/ports"
)

type StorageHealth struct {
	Provider string `json:"provider"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}

type Health struct {
	Status  string         `json:"status"`
	Uptime  string         `json:"uptime"`
	Storage *StorageHealth `json:"storage,omitempty"`
	Queue   *Stats         `json:"queue,omitempty"`
}

// Health reports liveness. deep adds a storage check and queue stats.
func (e *Engine) Health(ctx context.Context, deep bool) Health {
	h := Health{
		Status: "ok",
		Uptime: time.Since(e.started).Round(time.Second).String(),
	}
	e.lifecycle.Lock()
	if e.stopped {
		h.Status = "stopping"
	}
	e.lifecycle.Unlock()
	if !deep {
		return h
	}

	st := e.Stats()
	h.Queue = &st
	sh := &StorageHealth{Provider: e.store.Provider(), OK: true}
	if p, ok := e.store.(ports.Pinger); ok {
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := p.Ping(pctx); err != nil {
			sh.OK = false
			sh.Error = err.Error()
			if h.Status == "ok" {
				h.Status = "degraded"
			}
		}
	}
	h.Storage = sh
	return h
}
