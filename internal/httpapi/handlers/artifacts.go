package handlers

import (
	stderrors "errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"mediaq/internal/httpkit"
	"mediaq/internal/pkg/errors"
)

// ListArtifacts lists stored keys under ?prefix=.
func (h *Handler) ListArtifacts(w http.ResponseWriter, r *http.Request) error {
	prefix := strings.TrimSpace(r.URL.Query().Get("prefix"))
	keys, err := h.engine.Artifacts(r.Context(), prefix)
	if err != nil {
		return err
	}
	if keys == nil {
		keys = []string{}
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{
		"prefix": prefix,
		"keys":   keys,
		"count":  len(keys),
	})
	return nil
}

func (h *Handler) GetArtifact(w http.ResponseWriter, r *http.Request) error {
	art, err := h.engine.Artifact(r.Context(), chi.URLParam(r, "*"))
	if err != nil {
		return err
	}
	writeArtifact(w, art.Key, art.ContentType, art.Data)
	return nil
}

func (h *Handler) DeleteArtifact(w http.ResponseWriter, r *http.Request) error {
	if err := h.engine.DeleteArtifact(r.Context(), chi.URLParam(r, "*")); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// PostArtifact stores a multipart "file" upload. The optional "key" form
// field names the object; otherwise one is generated under inputs/.
func (h *Handler) PostArtifact(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			return errors.ValidationField("file", "upload too large").WithField("limit", tooLarge.Limit)
		}
		return errors.ValidationField("body", "invalid multipart form")
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		return errors.ValidationField("file", "file is required")
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	key := strings.TrimSpace(r.FormValue("key"))
	if key == "" {
		key = "inputs/" + uuid.NewString() + ext
	}

	// multipart writers default to octet-stream; let the key decide
	contentType := header.Header.Get("Content-Type")
	if contentType == "application/octet-stream" {
		contentType = ""
	}

	data, err := io.ReadAll(file)
	if err != nil {
		return errors.Wrap(err, "handlers.PostArtifact", "read upload")
	}

	stored, err := h.engine.PutArtifact(r.Context(), key, contentType, data)
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusCreated, map[string]any{"artifact": stored})
	return nil
}
