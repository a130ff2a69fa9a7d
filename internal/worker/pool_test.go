package worker

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mediaq/internal/adapters/storage/localfs"
	"mediaq/internal/admission"
	"mediaq/internal/models"
	"mediaq/internal/pkg/errors"
	"mediaq/internal/pkg/logger"
	"mediaq/internal/ports"
	"mediaq/internal/registry"
	"mediaq/internal/worker/queue"
	"mediaq/internal/worker/tasks"
)

type fakeHandler struct {
	kind  models.Kind
	calls atomic.Int64
	fn    func(ctx context.Context, jobID string, req models.JobRequest) (string, error)
	// put, when set, replaces fn for handlers that write artifacts.
	put func(ctx context.Context, jobID string, store ports.Backend) (string, error)
}

func (h *fakeHandler) Kind() models.Kind { return h.kind }

func (h *fakeHandler) Execute(ctx context.Context, jobID string, req models.JobRequest, store ports.Backend) (models.Output, error) {
	h.calls.Add(1)
	var ref string
	var err error
	if h.put != nil {
		ref, err = h.put(ctx, jobID, store)
	} else {
		ref, err = h.fn(ctx, jobID, req)
	}
	return models.Output{Key: ref, Size: int64(len(ref))}, err
}

type harness struct {
	reg   *registry.Registry
	queue *queue.FIFO
	store ports.Backend
	adm   *admission.Controller
	pool  *Pool
}

func newHarness(t *testing.T, workers int, timeout time.Duration, handlers ...tasks.Handler) *harness {
	t.Helper()
	store, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	table, err := tasks.NewRegistry(handlers...)
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{reg: registry.New(), queue: queue.NewFIFO(0), store: store}
	h.adm, err = admission.New(16, h.reg, h.queue, logger.Discard())
	if err != nil {
		t.Fatal(err)
	}
	h.pool, err = New(Deps{
		Queue:      h.queue,
		Jobs:       h.reg,
		Slots:      h.adm,
		Handlers:   table,
		Store:      store,
		Log:        logger.Discard(),
		Workers:    workers,
		JobTimeout: timeout,
		StopGrace:  100 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = h.pool.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return h
}

func (h *harness) submit(t *testing.T, kind models.Kind) string {
	t.Helper()
	job, err := h.adm.Submit(models.JobRequest{Kind: kind, Params: map[string]any{}})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	return job.ID
}

func (h *harness) waitTerminal(t *testing.T, id string, within time.Duration) models.Job {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		job, err := h.reg.Get(id)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", id, err)
		}
		if job.State.Terminal() {
			return job
		}
		time.Sleep(2 * time.Millisecond)
	}
	job, _ := h.reg.Get(id)
	t.Fatalf("job %s not terminal after %s, state %s", id, within, job.State)
	return job
}

func waitFor(t *testing.T, within time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", within)
}

func blockUntilDone(ctx context.Context, _ string, _ models.JobRequest) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestNewValidatesDeps(t *testing.T) {
	if _, err := New(Deps{Workers: 1, JobTimeout: time.Second}); err == nil {
		t.Error("missing deps should fail")
	}
}

func TestPoolCompletesJob(t *testing.T) {
	h := newHarness(t, 2, time.Second, &fakeHandler{
		kind: models.KindTranscode,
		fn: func(_ context.Context, jobID string, _ models.JobRequest) (string, error) {
			return "outputs/" + jobID + "/clip.mp4", nil
		},
	})

	id := h.submit(t, models.KindTranscode)
	job := h.waitTerminal(t, id, time.Second)

	if job.State != models.StateDone || job.ResultRef != "outputs/"+id+"/clip.mp4" {
		t.Fatalf("job = %+v", job)
	}
	if job.Output == nil || job.Output.Key != job.ResultRef || job.Output.Size != int64(len(job.ResultRef)) {
		t.Errorf("output = %+v", job.Output)
	}
	if job.Error != nil || job.StartedAt == nil || job.CompletedAt == nil {
		t.Errorf("metadata = %+v", job)
	}
	var states []models.State
	for _, c := range job.History {
		states = append(states, c.State)
	}
	if len(states) != 3 || states[0] != models.StateQueued || states[1] != models.StateRunning || states[2] != models.StateDone {
		t.Errorf("history = %v", states)
	}
	waitFor(t, time.Second, func() bool { return h.adm.Outstanding() == 0 })
}

func TestPoolRecordsHandlerErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind errors.Code
	}{
		{"permanent", errors.TaskPermanent(stderrors.New("exit status 1"), "tasks.ffmpeg", "ffmpeg exited with code 1"), errors.CodeTaskPermanent},
		{"not found", errors.Wrap(errors.NotFound("object", "inputs/a.wav"), "tasks.input", "fetch input inputs/a.wav"), errors.CodeNotFound},
		{"plain error", stderrors.New("boom"), errors.CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 1, time.Second, &fakeHandler{
				kind: models.KindTranscribe,
				fn: func(context.Context, string, models.JobRequest) (string, error) {
					return "", tt.err
				},
			})
			job := h.waitTerminal(t, h.submit(t, models.KindTranscribe), time.Second)
			if job.State != models.StateFailed {
				t.Fatalf("state = %s", job.State)
			}
			if job.Error == nil || job.Error.Kind != string(tt.kind) || job.Error.Message == "" {
				t.Errorf("error = %+v", job.Error)
			}
			if job.ResultRef != "" {
				t.Errorf("result ref set on failed job: %q", job.ResultRef)
			}
		})
	}
}

func TestPoolTimeoutKeepsPoolAvailable(t *testing.T) {
	slow := &fakeHandler{kind: models.KindRender, fn: func(ctx context.Context, _ string, _ models.JobRequest) (string, error) {
		// ignores ctx, like a tool that does not exit on interrupt
		time.Sleep(2 * time.Second)
		return "late", nil
	}}
	fast := &fakeHandler{kind: models.KindTranscode, fn: func(context.Context, string, models.JobRequest) (string, error) {
		return "outputs/x/y.mp4", nil
	}}
	timeout := 50 * time.Millisecond
	h := newHarness(t, 1, timeout, slow, fast)

	slowID := h.submit(t, models.KindRender)
	fastID := h.submit(t, models.KindTranscode)

	job := h.waitTerminal(t, slowID, time.Second)
	if job.State != models.StateFailed || job.Error == nil || job.Error.Kind != string(errors.CodeTimeout) {
		t.Fatalf("slow job = %+v", job)
	}

	next := h.waitTerminal(t, fastID, time.Second)
	if next.State != models.StateDone {
		t.Errorf("next job state = %s", next.State)
	}
}

func writeLateOutput(store ports.Backend, jobID string) (string, error) {
	out, err := store.Put(context.Background(), ports.PutInput{Key: tasks.OutputKey(jobID, "shot", "png"), Data: []byte("png")})
	if err != nil {
		return "", err
	}
	return out.Key, nil
}

func (h *harness) outputsOf(id string) []string {
	keys, _ := h.store.List(context.Background(), tasks.OutputPrefix(id))
	return keys
}

func TestPoolWaitsForInterruptedHandler(t *testing.T) {
	var returned atomic.Bool
	h := newHarness(t, 1, 50*time.Millisecond, &fakeHandler{
		kind: models.KindRender,
		put: func(ctx context.Context, jobID string, store ports.Backend) (string, error) {
			defer returned.Store(true)
			<-ctx.Done()
			// the tool takes a moment to exit and still flushes its output
			time.Sleep(20 * time.Millisecond)
			if _, err := writeLateOutput(store, jobID); err != nil {
				return "", err
			}
			return "", ctx.Err()
		},
	})

	id := h.submit(t, models.KindRender)
	job := h.waitTerminal(t, id, time.Second)
	if job.Error == nil || job.Error.Kind != string(errors.CodeTimeout) {
		t.Fatalf("job = %+v", job)
	}
	if !returned.Load() {
		t.Error("job recorded FAILED while its handler was still running")
	}
	waitFor(t, time.Second, func() bool { return len(h.outputsOf(id)) == 0 })
	waitFor(t, time.Second, func() bool { return h.adm.Outstanding() == 0 })
}

func TestPoolPurgesOutputsOfLingeringHandler(t *testing.T) {
	finished := make(chan struct{})
	h := newHarness(t, 1, 50*time.Millisecond, &fakeHandler{
		kind: models.KindRender,
		put: func(ctx context.Context, jobID string, store ports.Backend) (string, error) {
			defer close(finished)
			// ignores ctx well past the stop grace
			time.Sleep(300 * time.Millisecond)
			return writeLateOutput(store, jobID)
		},
	})

	id := h.submit(t, models.KindRender)
	job := h.waitTerminal(t, id, time.Second)
	if job.State != models.StateFailed || job.ResultRef != "" {
		t.Fatalf("job = %+v", job)
	}

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never returned")
	}
	waitFor(t, time.Second, func() bool { return len(h.outputsOf(id)) == 0 })
}

func TestPoolCancelRunningJob(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, 1, time.Minute, &fakeHandler{
		kind: models.KindRender,
		fn: func(ctx context.Context, id string, req models.JobRequest) (string, error) {
			close(started)
			return blockUntilDone(ctx, id, req)
		},
	})

	id := h.submit(t, models.KindRender)
	<-started
	if !h.pool.Cancel(id) {
		t.Fatal("Cancel() = false for a running job")
	}

	job := h.waitTerminal(t, id, time.Second)
	if job.Error == nil || job.Error.Kind != string(errors.CodeCancelled) {
		t.Errorf("error = %+v", job.Error)
	}
	if h.pool.Cancel(id) {
		t.Error("Cancel() = true after the job finished")
	}
}

func TestPoolRecoversHandlerPanic(t *testing.T) {
	var calls atomic.Int64
	h := newHarness(t, 1, time.Second, &fakeHandler{
		kind: models.KindTranscode,
		fn: func(context.Context, string, models.JobRequest) (string, error) {
			if calls.Add(1) == 1 {
				panic("nil map write")
			}
			return "outputs/ok.mp4", nil
		},
	})

	first := h.waitTerminal(t, h.submit(t, models.KindTranscode), time.Second)
	if first.Error == nil || first.Error.Kind != string(errors.CodeInternal) || !strings.Contains(first.Error.Message, "nil map write") {
		t.Errorf("first = %+v", first.Error)
	}
	second := h.waitTerminal(t, h.submit(t, models.KindTranscode), time.Second)
	if second.State != models.StateDone {
		t.Errorf("pool stopped after panic, second state = %s", second.State)
	}
}

func TestPoolExecutesEachJobAtMostOnce(t *testing.T) {
	release := make(chan struct{})
	handler := &fakeHandler{kind: models.KindTranscode, fn: func(context.Context, string, models.JobRequest) (string, error) {
		<-release
		return "outputs/once.mp4", nil
	}}
	h := newHarness(t, 4, time.Second, handler)

	id := h.submit(t, models.KindTranscode)
	// a duplicate id on the queue must not produce a second execution
	for i := 0; i < 3; i++ {
		if err := h.queue.Push(id); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, time.Second, func() bool { return h.queue.Len() == 0 })
	close(release)

	job := h.waitTerminal(t, id, time.Second)
	if job.State != models.StateDone {
		t.Fatalf("state = %s", job.State)
	}
	if got := handler.calls.Load(); got != 1 {
		t.Errorf("handler calls = %d, want 1", got)
	}
}

func TestPoolSkipsJobCancelledWhileQueued(t *testing.T) {
	handler := &fakeHandler{kind: models.KindTranscode, fn: func(context.Context, string, models.JobRequest) (string, error) {
		return "outputs/x.mp4", nil
	}}
	reg := registry.New()
	q := queue.NewFIFO(0)
	adm, err := admission.New(4, reg, q, logger.Discard())
	if err != nil {
		t.Fatal(err)
	}
	job, err := adm.Submit(models.JobRequest{Kind: models.KindTranscode})
	if err != nil {
		t.Fatal(err)
	}
	detail := models.ErrorDetail{Kind: string(errors.CodeCancelled), Message: "cancelled by caller"}
	if _, err := reg.Transition(job.ID, models.StateQueued, models.StateFailed, registry.Update{Error: &detail}); err != nil {
		t.Fatal(err)
	}
	adm.Release(job.ID)

	store, _ := localfs.New(t.TempDir())
	table, _ := tasks.NewRegistry(handler)
	pool, err := New(Deps{Queue: q, Jobs: reg, Slots: adm, Handlers: table, Store: store, Log: logger.Discard(), Workers: 1, JobTimeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.Run(ctx)
	}()

	waitFor(t, time.Second, func() bool { return q.Len() == 0 })
	cancel()
	<-done

	if handler.calls.Load() != 0 {
		t.Error("cancelled job was executed")
	}
	got, _ := reg.Get(job.ID)
	if got.State != models.StateFailed || got.Error.Kind != string(errors.CodeCancelled) {
		t.Errorf("job = %+v", got)
	}
}

func TestPoolFreesSlotOfJobFailedBeforeDispatch(t *testing.T) {
	handler := &fakeHandler{kind: models.KindTranscode, fn: func(context.Context, string, models.JobRequest) (string, error) {
		return "outputs/x.mp4", nil
	}}
	reg := registry.New()
	q := queue.NewFIFO(0)
	adm, err := admission.New(1, reg, q, logger.Discard())
	if err != nil {
		t.Fatal(err)
	}
	job, err := adm.Submit(models.JobRequest{Kind: models.KindTranscode})
	if err != nil {
		t.Fatal(err)
	}
	// Failed without freeing the slot or dequeuing, as a cancel that ran
	// before admission recorded the slot would leave it.
	detail := models.ErrorDetail{Kind: string(errors.CodeCancelled), Message: "cancelled by caller"}
	if _, err := reg.Transition(job.ID, models.StateQueued, models.StateFailed, registry.Update{Error: &detail}); err != nil {
		t.Fatal(err)
	}

	store, _ := localfs.New(t.TempDir())
	table, _ := tasks.NewRegistry(handler)
	pool, err := New(Deps{Queue: q, Jobs: reg, Slots: adm, Handlers: table, Store: store, Log: logger.Discard(), Workers: 1, JobTimeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	waitFor(t, time.Second, func() bool { return adm.Outstanding() == 0 })
	if handler.calls.Load() != 0 {
		t.Error("failed job was executed")
	}
	if _, err := adm.Submit(models.JobRequest{Kind: models.KindTranscode}); err != nil {
		t.Errorf("Submit after release: %v", err)
	}
}

func TestPoolStopsWhenQueueCloses(t *testing.T) {
	h := newHarness(t, 3, time.Second, &fakeHandler{kind: models.KindTranscode, fn: blockUntilDone})
	h.queue.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.pool.Run(context.Background())
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after queue close")
	}
}

func TestDetail(t *testing.T) {
	err := errors.Wrap(errors.NotFound("object", "inputs/a.wav"), "tasks.input", "fetch input inputs/a.wav")
	d := Detail(err)
	if d.Kind != string(errors.CodeNotFound) {
		t.Errorf("kind = %s", d.Kind)
	}
	if !strings.HasPrefix(d.Message, "fetch input inputs/a.wav: ") || !strings.Contains(d.Message, "inputs/a.wav") {
		t.Errorf("message = %q", d.Message)
	}

	d = Detail(errors.TaskTransient(stderrors.New("connection reset by peer"), "renderer.http", "renderer unreachable"))
	if d.Message != "renderer unreachable: connection reset by peer" {
		t.Errorf("message = %q", d.Message)
	}
}
