package renderer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	contracts "mediaq/internal/contracts/renderer/v0"
	pkgerrors "mediaq/internal/pkg/errors"
	"mediaq/internal/pkg/logger"
)

func TestHTTPClientRender(t *testing.T) {
	var got contracts.RenderSpec
	var jobHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/render" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		jobHeader = r.Header.Get("X-Job-ID")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("\x89PNG fake"))
	}))
	defer srv.Close()

	ctx := logger.ContextWithJobID(context.Background(), "job-1")
	data, err := NewHTTPClient(srv.URL).Render(ctx, Request{
		JobID:  "job-1",
		URL:    "https://example.com",
		Format: "png",
		Width:  1280,
		Height: 720,
		Wait:   250 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if string(data) != "\x89PNG fake" {
		t.Errorf("Render() = %q", data)
	}
	if got.JobID != "job-1" || got.Target.URL != "https://example.com" || got.Output.Width != 1280 || got.WaitMS != 250 {
		t.Errorf("spec = %+v", got)
	}
	if jobHeader != "job-1" {
		t.Errorf("X-Job-ID = %q", jobHeader)
	}
}

func TestHTTPClientStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		code   pkgerrors.Code
	}{
		{http.StatusBadRequest, pkgerrors.CodeTaskPermanent},
		{http.StatusUnprocessableEntity, pkgerrors.CodeTaskPermanent},
		{http.StatusTooManyRequests, pkgerrors.CodeTaskTransient},
		{http.StatusBadGateway, pkgerrors.CodeTaskTransient},
		{http.StatusServiceUnavailable, pkgerrors.CodeTaskTransient},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(contracts.ErrorBody{Error: "x", Message: "renderer says no"})
			}))
			defer srv.Close()

			_, err := NewHTTPClient(srv.URL).Render(context.Background(), Request{URL: "https://a", Format: "png"})
			if pkgerrors.GetCode(err) != tt.code {
				t.Errorf("code = %s, want %s (%v)", pkgerrors.GetCode(err), tt.code, err)
			}
		})
	}
}

func TestHTTPClientUnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPClient(url).Render(context.Background(), Request{URL: "https://a", Format: "png"})
	if pkgerrors.GetCode(err) != pkgerrors.CodeTaskTransient {
		t.Errorf("code = %s, want TASK_TRANSIENT", pkgerrors.GetCode(err))
	}
}

func TestHTTPClientEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL).Render(context.Background(), Request{HTML: "<p/>", Format: "pdf"})
	if pkgerrors.GetCode(err) != pkgerrors.CodeTaskPermanent {
		t.Errorf("code = %s, want TASK_PERMANENT", pkgerrors.GetCode(err))
	}
}

func TestClassifyBrowserError(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		err  error
		code pkgerrors.Code
	}{
		{errors.New("page load error net::ERR_NAME_NOT_RESOLVED"), pkgerrors.CodeTaskPermanent},
		{errors.New(`exec: "google-chrome": executable file not found in $PATH`), pkgerrors.CodeTaskPermanent},
		{errors.New("websocket: close 1006 (abnormal closure)"), pkgerrors.CodeTaskTransient},
		{pkgerrors.TaskPermanent(errors.New("status 404"), "renderer.chrome", "target responded 404"), pkgerrors.CodeTaskPermanent},
	}
	for _, tt := range tests {
		if got := pkgerrors.GetCode(classifyBrowserError(ctx, tt.err, "load page")); got != tt.code {
			t.Errorf("classify(%v) = %s, want %s", tt.err, got, tt.code)
		}
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if got := pkgerrors.GetCode(classifyBrowserError(cancelled, errors.New("context canceled"), "load page")); got != pkgerrors.CodeCancelled {
		t.Errorf("classify on cancelled ctx = %s, want CANCELLED", got)
	}
}
