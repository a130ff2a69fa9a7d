package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"mediaq/internal/adapters/storage/localfs"
	"mediaq/internal/config"
	"mediaq/internal/engine"
	"mediaq/internal/models"
	"mediaq/internal/pkg/logger"
	"mediaq/internal/ports"
	"mediaq/internal/worker/tasks"
)

const testKey = "test-key"

// echoTranscoder writes a fixed artifact, optionally waiting on gate.
type echoTranscoder struct {
	gate chan struct{}
}

func (echoTranscoder) Kind() models.Kind { return models.KindTranscode }

func (e echoTranscoder) Execute(ctx context.Context, jobID string, _ models.JobRequest, store ports.Backend) (models.Output, error) {
	if e.gate != nil {
		select {
		case <-e.gate:
		case <-ctx.Done():
			return models.Output{}, ctx.Err()
		}
	}
	out, err := store.Put(ctx, ports.PutInput{Key: "outputs/" + jobID + "/out.mp3", Data: []byte("mp3-bytes")})
	if err != nil {
		return models.Output{}, err
	}
	return models.Output{Key: out.Key, ContentType: out.ContentType, Size: out.Size, DurationSec: 3.5, BitrateKbps: 128}, nil
}

type apiFixture struct {
	srv    *httptest.Server
	engine *engine.Engine
}

func newAPI(t *testing.T, h tasks.Handler, cfg config.HTTPConfig) *apiFixture {
	t.Helper()
	store, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	handlers, err := tasks.NewRegistry(h)
	if err != nil {
		t.Fatal(err)
	}
	e, err := engine.New(engine.Options{
		Capacity:   2,
		Workers:    1,
		JobTimeout: 5 * time.Second,
		Store:      store,
		Handlers:   handlers,
		Log:        logger.Discard(),
	})
	if err != nil {
		t.Fatal(err)
	}
	e.Start(context.Background())

	if cfg.APIKey == "" {
		cfg.APIKey = testKey
	}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "mediaq_up 1\n")
	})
	srv := httptest.NewServer(NewRouter(Deps{Engine: e, Metrics: metrics, Log: logger.Discard(), Config: cfg}))

	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return &apiFixture{srv: srv, engine: e}
}

func (f *apiFixture) do(t *testing.T, method, path string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, body)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-API-Key", testKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

type jobEnvelope struct {
	Job models.Job `json:"job"`
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func expectError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("status = %d, want %d", resp.StatusCode, status)
	}
	var env errorEnvelope
	decode(t, resp, &env)
	if env.Error.Code != code {
		t.Errorf("error code = %q, want %q (%s)", env.Error.Code, code, env.Error.Message)
	}
}

const submitBody = `{"kind":"transcode","params":{"input":"inputs/a.wav","format":"mp3"}}`

func (f *apiFixture) waitState(t *testing.T, id string, want models.State) models.Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		job, err := f.engine.Status(id)
		if err != nil {
			t.Fatal(err)
		}
		if job.State == want {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s is %s, want %s", id, job.State, want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestHealth(t *testing.T) {
	f := newAPI(t, echoTranscoder{}, config.HTTPConfig{})

	resp, err := http.Get(f.srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
	var body map[string]any
	decode(t, resp, &body)
	if body["status"] != "ok" || body["queue"] != nil {
		t.Errorf("shallow health = %v", body)
	}

	deep, err := http.Get(f.srv.URL + "/health?deep=true")
	if err != nil {
		t.Fatal(err)
	}
	defer deep.Body.Close()
	body = nil
	decode(t, deep, &body)
	queue, ok := body["queue"].(map[string]any)
	if !ok || queue["capacity"] != float64(2) {
		t.Errorf("deep health queue = %v", body["queue"])
	}
}

func TestMetricsRoute(t *testing.T) {
	f := newAPI(t, echoTranscoder{}, config.HTTPConfig{})
	resp, err := http.Get(f.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(b), "mediaq_up") {
		t.Errorf("metrics = %d %q", resp.StatusCode, b)
	}
}

func TestAPIKeyRequired(t *testing.T) {
	f := newAPI(t, echoTranscoder{}, config.HTTPConfig{})
	resp, err := http.Post(f.srv.URL+"/v1/jobs", "application/json", strings.NewReader(submitBody))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	expectError(t, resp, http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestJobLifecycle(t *testing.T) {
	f := newAPI(t, echoTranscoder{}, config.HTTPConfig{})

	resp := f.do(t, http.MethodPost, "/v1/jobs", strings.NewReader(submitBody), "application/json")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}
	var created jobEnvelope
	decode(t, resp, &created)
	if created.Job.ID == "" || created.Job.State != models.StateQueued {
		t.Fatalf("created = %+v", created.Job)
	}
	if loc := resp.Header.Get("Location"); loc != "/v1/jobs/"+created.Job.ID {
		t.Errorf("Location = %q", loc)
	}

	f.waitState(t, created.Job.ID, models.StateDone)

	resp = f.do(t, http.MethodGet, "/v1/jobs/"+created.Job.ID, nil, "")
	var got jobEnvelope
	decode(t, resp, &got)
	if got.Job.State != models.StateDone || got.Job.ResultRef != "outputs/"+created.Job.ID+"/out.mp3" {
		t.Errorf("job = %+v", got.Job)
	}
	if o := got.Job.Output; o == nil || o.Size != 9 || o.DurationSec != 3.5 || o.BitrateKbps != 128 || o.ContentType != "audio/mpeg" {
		t.Errorf("output = %+v", got.Job.Output)
	}

	resp = f.do(t, http.MethodGet, "/v1/jobs/"+created.Job.ID+"/result", nil, "")
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(b) != "mp3-bytes" {
		t.Fatalf("result = %d %q", resp.StatusCode, b)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/mpeg" {
		t.Errorf("Content-Type = %q", ct)
	}

	resp = f.do(t, http.MethodGet, "/v1/jobs?state=done&kind=transcode", nil, "")
	var list struct {
		Jobs  []models.Job `json:"jobs"`
		Count int          `json:"count"`
	}
	decode(t, resp, &list)
	if list.Count != 1 || list.Jobs[0].ID != created.Job.ID {
		t.Errorf("list = %+v", list)
	}
}

func TestSubmitErrors(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	f := newAPI(t, echoTranscoder{gate: gate}, config.HTTPConfig{MaxBodyBytes: 256})

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"malformed json", `{"kind":`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unknown kind", `{"kind":"resize","params":{}}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"missing input", `{"kind":"transcode","params":{"format":"mp3"}}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"body too large", `{"kind":"transcode","params":{"input":"` + strings.Repeat("a", 300) + `"}}`, http.StatusBadRequest, "VALIDATION_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/v1/jobs", strings.NewReader(tt.body), "application/json")
			expectError(t, resp, tt.status, tt.code)
		})
	}

	// capacity 2: one running behind the gate, one queued, the third is refused
	for i := 0; i < 2; i++ {
		resp := f.do(t, http.MethodPost, "/v1/jobs", strings.NewReader(submitBody), "application/json")
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("submit %d status = %d", i, resp.StatusCode)
		}
	}
	resp := f.do(t, http.MethodPost, "/v1/jobs", strings.NewReader(submitBody), "application/json")
	expectError(t, resp, http.StatusTooManyRequests, "CAPACITY_EXCEEDED")
}

func TestJobErrors(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	f := newAPI(t, echoTranscoder{gate: gate}, config.HTTPConfig{})

	expectError(t, f.do(t, http.MethodGet, "/v1/jobs/nope", nil, ""), http.StatusNotFound, "NOT_FOUND")
	expectError(t, f.do(t, http.MethodGet, "/v1/jobs?state=paused", nil, ""), http.StatusBadRequest, "VALIDATION_ERROR")
	expectError(t, f.do(t, http.MethodGet, "/v1/jobs?limit=0", nil, ""), http.StatusBadRequest, "VALIDATION_ERROR")

	resp := f.do(t, http.MethodPost, "/v1/jobs", strings.NewReader(submitBody), "application/json")
	var created jobEnvelope
	decode(t, resp, &created)
	f.waitState(t, created.Job.ID, models.StateRunning)

	expectError(t, f.do(t, http.MethodGet, "/v1/jobs/"+created.Job.ID+"/result", nil, ""),
		http.StatusPreconditionFailed, "FAILED_PRECONDITION")
}

func TestCancelJob(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	f := newAPI(t, echoTranscoder{gate: gate}, config.HTTPConfig{})

	resp := f.do(t, http.MethodPost, "/v1/jobs", strings.NewReader(submitBody), "application/json")
	var created jobEnvelope
	decode(t, resp, &created)
	f.waitState(t, created.Job.ID, models.StateRunning)

	resp = f.do(t, http.MethodPost, "/v1/jobs/"+created.Job.ID+"/cancel", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}

	job := f.waitState(t, created.Job.ID, models.StateFailed)
	if job.Error == nil || job.Error.Kind != "CANCELLED" {
		t.Errorf("error = %+v", job.Error)
	}
}

func TestArtifactRoutes(t *testing.T) {
	f := newAPI(t, echoTranscoder{}, config.HTTPConfig{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("key", "inputs/clip.webm"); err != nil {
		t.Fatal(err)
	}
	fw, err := mw.CreateFormFile("file", "clip.webm")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write([]byte("webm-bytes"))
	_ = mw.Close()

	resp := f.do(t, http.MethodPost, "/v1/artifacts", &buf, mw.FormDataContentType())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	var up struct {
		Artifact ports.StoredArtifact `json:"artifact"`
	}
	decode(t, resp, &up)
	if up.Artifact.Key != "inputs/clip.webm" || up.Artifact.Size != 10 {
		t.Errorf("uploaded = %+v", up.Artifact)
	}

	resp = f.do(t, http.MethodGet, "/v1/artifacts?prefix=inputs/", nil, "")
	var list struct {
		Keys []string `json:"keys"`
	}
	decode(t, resp, &list)
	if len(list.Keys) != 1 || list.Keys[0] != "inputs/clip.webm" {
		t.Errorf("keys = %v", list.Keys)
	}

	resp = f.do(t, http.MethodGet, "/v1/artifacts/inputs/clip.webm", nil, "")
	b, _ := io.ReadAll(resp.Body)
	if string(b) != "webm-bytes" || resp.Header.Get("Content-Type") != "video/webm" {
		t.Errorf("download = %q %q", b, resp.Header.Get("Content-Type"))
	}

	resp = f.do(t, http.MethodDelete, "/v1/artifacts/inputs/clip.webm", nil, "")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
	expectError(t, f.do(t, http.MethodGet, "/v1/artifacts/inputs/clip.webm", nil, ""), http.StatusNotFound, "NOT_FOUND")
	expectError(t, f.do(t, http.MethodGet, "/v1/artifacts?prefix=../x", nil, ""), http.StatusBadRequest, "VALIDATION_ERROR")
}

func TestArtifactDownloadFilenameIsQuoted(t *testing.T) {
	f := newAPI(t, echoTranscoder{}, config.HTTPConfig{})
	if _, err := f.engine.PutArtifact(context.Background(), `inputs/say "hi".webm`, "", []byte("webm")); err != nil {
		t.Fatal(err)
	}

	resp := f.do(t, http.MethodGet, "/v1/artifacts/inputs/"+url.PathEscape(`say "hi".webm`), nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	raw := resp.Header.Get("Content-Disposition")
	disp, params, err := mime.ParseMediaType(raw)
	if err != nil || disp != "attachment" {
		t.Fatalf("Content-Disposition = %q (%v)", raw, err)
	}
	if params["filename"] != `say "hi".webm` || len(params) != 1 {
		t.Errorf("Content-Disposition %q parsed to %v", raw, params)
	}
}

func TestRateLimited(t *testing.T) {
	f := newAPI(t, echoTranscoder{}, config.HTTPConfig{RateLimit: 0.001, RateBurst: 1})

	if resp := f.do(t, http.MethodGet, "/v1/jobs", nil, ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("first request status = %d", resp.StatusCode)
	}
	expectError(t, f.do(t, http.MethodGet, "/v1/jobs", nil, ""), http.StatusTooManyRequests, "RATE_LIMITED")
}
