package httpkit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORS(t *testing.T) {
	var reached bool
	h := CORS(CORSOptions{
		AllowedOrigins: []string{" https://app.example ", ""},
		ExposedHeaders: []string{"Location"},
		DebugHeader:    true,
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("allowed origin", func(t *testing.T) {
		reached = false
		req := httptest.NewRequest("GET", "/v1/jobs", nil)
		req.Header.Set("Origin", "https://app.example")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example" {
			t.Errorf("Allow-Origin = %q", got)
		}
		if got := rec.Header().Get("Access-Control-Expose-Headers"); got != "Location" {
			t.Errorf("Expose-Headers = %q", got)
		}
		if !reached {
			t.Error("expected the request to reach the handler")
		}
	})

	t.Run("other origin", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/v1/jobs", nil)
		req.Header.Set("Origin", "https://evil.example")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("Allow-Origin = %q, want empty", got)
		}
		if got := rec.Header().Get("X-CORS-Debug"); got != "origin=https://evil.example allowed=false" {
			t.Errorf("X-CORS-Debug = %q", got)
		}
	})

	t.Run("preflight", func(t *testing.T) {
		reached = false
		req := httptest.NewRequest("OPTIONS", "/v1/jobs", nil)
		req.Header.Set("Origin", "https://app.example")
		req.Header.Set("Access-Control-Request-Method", "POST")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Errorf("status = %d", rec.Code)
		}
		if rec.Header().Get("Access-Control-Allow-Methods") == "" || rec.Header().Get("Access-Control-Max-Age") != "600" {
			t.Errorf("preflight headers = %v", rec.Header())
		}
		if reached {
			t.Error("preflight must not reach the handler")
		}
	})
}

func TestWriteErr(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteErr(rec, http.StatusNotFound, "NOT_FOUND", "job not found: j1", map[string]any{"id": "j1"})

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var env ErrorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatal(err)
	}
	if env.Error.Code != "NOT_FOUND" || env.Error.Details["id"] != "j1" {
		t.Errorf("envelope = %+v", env)
	}
}
