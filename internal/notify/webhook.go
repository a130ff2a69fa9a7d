package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"mediaq/internal/pkg/errors"
	"mediaq/internal/pkg/logger"
)

// Webhook POSTs payloads to caller-supplied URLs. Transport errors, 429
// and 5xx responses are retried.
type Webhook struct {
	client   *http.Client
	attempts int
	initial  time.Duration
	log      *logger.Logger
}

func NewWebhook(timeout time.Duration, attempts int, log *logger.Logger) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if attempts <= 0 {
		attempts = 3
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Webhook{
		client:   &http.Client{Timeout: timeout},
		attempts: attempts,
		initial:  time.Second,
		log:      log.WithComponent("webhook"),
	}
}

func (w *Webhook) Send(ctx context.Context, url string, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "notify.webhook", "encode payload")
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.initial
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(w.attempts-1)), ctx)

	attempt := 0
	op := func() error {
		attempt++
		return w.post(ctx, url, body)
	}
	notify := func(err error, wait time.Duration) {
		w.log.Warn("webhook delivery failed, retrying",
			"job_id", p.JobID,
			"attempt", attempt,
			"wait_ms", wait.Milliseconds(),
			"error", err.Error(),
		)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return err
	}
	w.log.Debug("webhook delivered", "job_id", p.JobID, "attempts", attempt)
	return nil
}

func (w *Webhook) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(errors.Wrap(err, "notify.webhook", "build request"))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "mediaq-webhook/1")

	res, err := w.client.Do(req)
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "notify.webhook", "deliver")
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))

	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		return nil
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return errors.New(errors.CodeUnavailable, fmt.Sprintf("webhook responded %d", res.StatusCode))
	default:
		return backoff.Permanent(errors.New(errors.CodeFailedPrecond, fmt.Sprintf("webhook responded %d", res.StatusCode)).
			WithField("status", res.StatusCode))
	}
}
