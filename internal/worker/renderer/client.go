// Package renderer captures web pages as images or PDFs, either with a
// local headless Chrome or through a remote renderer service.
package renderer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	contracts "mediaq/internal/contracts/renderer/v0"
	"mediaq/internal/pkg/errors"
	"mediaq/internal/pkg/logger"
)

// Request describes one capture. Exactly one of URL or HTML is set.
type Request struct {
	JobID    string
	URL      string
	HTML     string
	Format   string // png, jpeg or pdf
	Width    int
	Height   int
	FullPage bool
	Quality  int
	Wait     time.Duration
}

// Client renders a page. Errors are classified as TASK_TRANSIENT or
// TASK_PERMANENT.
type Client interface {
	Render(ctx context.Context, req Request) ([]byte, error)
}

const maxArtifactBytes = 256 << 20

// HTTPClient posts a contracts.RenderSpec to a remote renderer.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Minute},
	}
}

func (c *HTTPClient) Render(ctx context.Context, r Request) ([]byte, error) {
	spec := contracts.RenderSpec{JobID: r.JobID, WaitMS: int(r.Wait.Milliseconds())}
	spec.Target.URL = r.URL
	spec.Target.HTML = r.HTML
	spec.Output.Format = r.Format
	spec.Output.Width = r.Width
	spec.Output.Height = r.Height
	spec.Output.FullPage = r.FullPage
	spec.Output.Quality = r.Quality

	return c.post(ctx, "/render", spec)
}

func (c *HTTPClient) post(ctx context.Context, path string, spec any) ([]byte, error) {
	body, err := json.Marshal(spec)
	if err != nil {
		return nil, errors.TaskPermanent(err, "renderer.http", "encode render spec")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, errors.TaskPermanent(err, "renderer.http", "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if id := logger.JobIDFromContext(ctx); id != "" {
		req.Header.Set("X-Job-ID", id)
	}

	res, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.WrapWithCode(context.Cause(ctx), errors.CodeCancelled, "renderer.http", "render interrupted")
		}
		return nil, errors.TaskTransient(err, "renderer.http", "renderer unreachable")
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxArtifactBytes+1))
	if err != nil {
		return nil, errors.TaskTransient(err, "renderer.http", "read renderer response")
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg := fmt.Sprintf("renderer http %d", res.StatusCode)
		var eb contracts.ErrorBody
		if json.Unmarshal(data, &eb) == nil && eb.Message != "" {
			msg += ": " + eb.Message
		}
		cause := fmt.Errorf("status %d", res.StatusCode)
		if res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests {
			return nil, errors.TaskTransient(cause, "renderer.http", msg)
		}
		return nil, errors.TaskPermanent(cause, "renderer.http", msg)
	}
	if len(data) > maxArtifactBytes {
		return nil, errors.TaskPermanent(nil, "renderer.http", "renderer output exceeds size limit")
	}
	if len(data) == 0 {
		return nil, errors.TaskPermanent(nil, "renderer.http", "renderer returned an empty body")
	}
	return data, nil
}
