package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"mediaq/internal/models"
	"mediaq/internal/pkg/logger"
)

func finishedJob(webhook string) models.Job {
	submitted := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	started := submitted.Add(1500 * time.Millisecond)
	completed := started.Add(2250 * time.Millisecond)
	return models.Job{
		ID:          "job-42",
		State:       models.StateDone,
		SubmittedAt: submitted,
		StartedAt:   &started,
		CompletedAt: &completed,
		ResultRef:   "outputs/job-42/talk.srt",
		Output:      &models.Output{Key: "outputs/job-42/talk.srt", ContentType: "application/x-subrip", Size: 512},
		Request: models.JobRequest{
			Kind:       models.KindTranscribe,
			CallerID:   "req-9",
			WebhookURL: webhook,
		},
	}
}

func TestPayloadOf(t *testing.T) {
	p := PayloadOf(finishedJob(""))
	if p.QueueTime != 1.5 || p.RunTime != 2.25 || p.TotalTime != 3.75 {
		t.Errorf("times = %v/%v/%v", p.QueueTime, p.RunTime, p.TotalTime)
	}
	if p.CallerID != "req-9" || p.ResultRef != "outputs/job-42/talk.srt" {
		t.Errorf("payload = %+v", p)
	}
	if got := p.RoutingKey(); got != "job.transcribe.done" {
		t.Errorf("RoutingKey() = %q", got)
	}
	body, _ := json.Marshal(p)
	var wire struct {
		Output map[string]any `json:"output"`
	}
	if err := json.Unmarshal(body, &wire); err != nil || wire.Output["size"] != float64(512) {
		t.Errorf("output not in payload: %s", body)
	}
	if _, ok := wire.Output["duration_sec"]; ok {
		t.Errorf("unknown duration should be omitted: %s", body)
	}

	failed := finishedJob("")
	failed.State = models.StateFailed
	failed.ResultRef = ""
	failed.Output = nil
	failed.Error = &models.ErrorDetail{Kind: "NOT_FOUND", Message: "object not found: a.wav"}
	p = PayloadOf(failed)
	if p.ErrorKind != "NOT_FOUND" || p.ErrorMessage == "" || p.RoutingKey() != "job.transcribe.failed" {
		t.Errorf("failed payload = %+v", p)
	}
}

func testWebhook() *Webhook {
	w := NewWebhook(time.Second, 3, logger.Discard())
	w.initial = time.Millisecond
	return w
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := testWebhook().Send(context.Background(), srv.URL, PayloadOf(finishedJob(""))); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
	if got.JobID != "job-42" || got.State != "DONE" {
		t.Errorf("payload = %+v", got)
	}
}

func TestWebhookDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	if err := testWebhook().Send(context.Background(), srv.URL, Payload{JobID: "x"}); err == nil {
		t.Error("expected an error for 410")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestWebhookGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := testWebhook().Send(context.Background(), srv.URL, Payload{JobID: "x"}); err == nil {
		t.Error("expected an error after exhausting attempts")
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

type fakeChannel struct {
	mu     sync.Mutex
	keys   []string
	msgs   []amqp.Publishing
	closed bool
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, exchange+"/"+key)
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestAMQPPublisher(t *testing.T) {
	ch := &fakeChannel{}
	p := newAMQPPublisher(ch, "mediaq.events")

	if err := p.Publish(context.Background(), PayloadOf(finishedJob(""))); err != nil {
		t.Fatal(err)
	}
	if len(ch.keys) != 1 || ch.keys[0] != "mediaq.events/job.transcribe.done" {
		t.Errorf("keys = %v", ch.keys)
	}
	msg := ch.msgs[0]
	if msg.ContentType != "application/json" || msg.DeliveryMode != amqp.Persistent || msg.MessageId != "job-42" {
		t.Errorf("msg = %+v", msg)
	}
	if err := p.Close(); err != nil || !ch.closed {
		t.Errorf("Close() = %v, closed = %v", err, ch.closed)
	}
}

func TestNotifierDeliversTerminalJobsOnly(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	ch := &fakeChannel{}
	n := New(testWebhook(), newAMQPPublisher(ch, "ex"), logger.Discard())

	running := finishedJob(srv.URL)
	running.State = models.StateRunning
	n.Observe(running)
	n.Observe(finishedJob(srv.URL))
	n.Observe(finishedJob("")) // event only

	if err := n.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("webhook hits = %d, want 1", hits.Load())
	}
	if len(ch.keys) != 2 {
		t.Errorf("events = %v, want 2", ch.keys)
	}

	// closed notifier ignores further snapshots
	n.Observe(finishedJob(srv.URL))
	if hits.Load() != 1 {
		t.Error("delivery after Close")
	}
}
