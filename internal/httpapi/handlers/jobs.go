package handlers

import (
	stderrors "errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"mediaq/internal/httpkit"
	"mediaq/internal/models"
	"mediaq/internal/pkg/errors"
	"mediaq/internal/registry"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// PostJob admits a job. The body is the raw submission envelope
// ({"kind": ..., "params": {...}}).
func (h *Handler) PostJob(w http.ResponseWriter, r *http.Request) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			return errors.ValidationField("body", "request body too large").
				WithField("limit", tooLarge.Limit)
		}
		return errors.ValidationField("body", "unreadable request body")
	}

	job, err := h.engine.Submit(r.Context(), body)
	if err != nil {
		return err
	}

	w.Header().Set("Location", "/v1/jobs/"+job.ID)
	httpkit.WriteJSON(w, http.StatusAccepted, map[string]any{"job": job})
	return nil
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) error {
	f, err := parseFilter(r)
	if err != nil {
		return err
	}
	jobs := h.engine.List(f)
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"count": len(jobs),
	})
	return nil
}

func parseFilter(r *http.Request) (registry.Filter, error) {
	q := r.URL.Query()
	f := registry.Filter{Limit: defaultListLimit}

	if s := strings.TrimSpace(q.Get("state")); s != "" {
		f.State = models.State(strings.ToUpper(s))
		if !f.State.Valid() {
			return f, errors.ValidationField("state", "unknown state "+strconv.Quote(s))
		}
	}
	if k := strings.TrimSpace(q.Get("kind")); k != "" {
		f.Kind = models.Kind(strings.ToLower(k))
		if !f.Kind.Valid() {
			return f, errors.ValidationField("kind", "unknown kind "+strconv.Quote(k))
		}
	}
	if l := strings.TrimSpace(q.Get("limit")); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v <= 0 || v > maxListLimit {
			return f, errors.ValidationField("limit", "limit must be between 1 and "+strconv.Itoa(maxListLimit))
		}
		f.Limit = v
	}
	return f, nil
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) error {
	job, err := h.engine.Status(chi.URLParam(r, "jobId"))
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"job": job})
	return nil
}

// GetJobResult streams the artifact of a DONE job.
func (h *Handler) GetJobResult(w http.ResponseWriter, r *http.Request) error {
	art, err := h.engine.Result(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		return err
	}
	writeArtifact(w, art.Key, art.ContentType, art.Data)
	return nil
}

func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) error {
	job, err := h.engine.Cancel(chi.URLParam(r, "jobId"))
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"job": job})
	return nil
}

func writeArtifact(w http.ResponseWriter, key, contentType string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": path.Base(key)})
	if disposition == "" {
		disposition = "attachment"
	}
	w.Header().Set("Content-Disposition", disposition)
	w.Header().Set("X-Artifact-Key", key)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
