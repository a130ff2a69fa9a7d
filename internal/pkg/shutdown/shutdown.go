// Package shutdown runs registered cleanup handlers when the process is asked to stop.
//
// Handlers belong to a Phase. Phases run in order (ingress, engine, sinks);
// handlers inside one phase run concurrently. All phases share one deadline.
package shutdown

import (
	"context"
	stderrors "errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"mediaq/internal/pkg/logger"
)

// Phase orders cleanup. Lower phases finish before higher ones start.
type Phase int

const (
	// PhaseIngress stops accepting work (HTTP listeners).
	PhaseIngress Phase = iota
	// PhaseEngine drains or cancels in-flight jobs.
	PhaseEngine
	// PhaseSinks flushes and closes observers (notifications, journal).
	PhaseSinks
)

func (p Phase) String() string {
	switch p {
	case PhaseIngress:
		return "ingress"
	case PhaseEngine:
		return "engine"
	case PhaseSinks:
		return "sinks"
	default:
		return "unknown"
	}
}

// Manager handles graceful shutdown of services.
type Manager struct {
	log      *logger.Logger
	timeout  time.Duration
	handlers []Handler
	mu       sync.Mutex
	once     sync.Once
	done     chan struct{}
	err      error
}

// Handler is a function that performs cleanup during shutdown.
type Handler struct {
	Name    string
	Phase   Phase
	Cleanup func(ctx context.Context) error
}

// NewManager creates a new shutdown manager.
func NewManager(log *logger.Logger, timeout time.Duration) *Manager {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Manager{
		log:      log.WithComponent("shutdown"),
		timeout:  timeout,
		handlers: make([]Handler, 0),
		done:     make(chan struct{}),
	}
}

// Register adds a cleanup handler to phase.
func (m *Manager) Register(phase Phase, name string, cleanup func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, Handler{Name: name, Phase: phase, Cleanup: cleanup})
	m.log.Debug("registered shutdown handler", "name", name, "phase", phase.String())
}

// RegisterSimple adds a cleanup handler that cannot fail or block on ctx.
func (m *Manager) RegisterSimple(phase Phase, name string, cleanup func()) {
	m.Register(phase, name, func(ctx context.Context) error {
		cleanup()
		return nil
	})
}

// Wait blocks until a shutdown signal is received, then runs cleanup.
func (m *Manager) Wait() {
	m.WaitWithContext(context.Background())
}

// WaitWithContext waits for a signal, ctx cancellation, or a Shutdown
// call from elsewhere.
func (m *Manager) WaitWithContext(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		m.log.Info("shutdown signal received", "signal", sig.String())
	case <-m.done:
		return
	case <-ctx.Done():
		m.log.Info("context canceled, initiating shutdown")
	}

	m.Shutdown()
}

// Shutdown runs all cleanup handlers. Calls after the first are no-ops
// that wait for the first to finish.
func (m *Manager) Shutdown() {
	m.once.Do(m.shutdown)
	<-m.done
}

// Err reports the joined handler errors of a finished shutdown.
func (m *Manager) Err() error {
	<-m.done
	return m.err
}

func (m *Manager) shutdown() {
	m.mu.Lock()
	byPhase := make(map[Phase][]Handler)
	maxPhase := PhaseIngress
	for _, h := range m.handlers {
		byPhase[h.Phase] = append(byPhase[h.Phase], h)
		if h.Phase > maxPhase {
			maxPhase = h.Phase
		}
	}
	total := len(m.handlers)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.log.Info("starting graceful shutdown", "handlers", total, "timeout", m.timeout.String())

	var errs []error
	for p := PhaseIngress; p <= maxPhase; p++ {
		handlers := byPhase[p]
		if len(handlers) == 0 {
			continue
		}
		if ctx.Err() != nil {
			m.log.Warn("shutdown deadline passed, skipping phase", "phase", p.String(), "handlers", len(handlers))
			errs = append(errs, ctx.Err())
			continue
		}
		errs = append(errs, m.runPhase(ctx, p, handlers)...)
	}

	m.err = stderrors.Join(errs...)
	if ctx.Err() != nil {
		m.log.Warn("shutdown timeout exceeded, forcing exit")
	} else {
		m.log.Info("graceful shutdown completed")
	}
	close(m.done)
}

// runPhase starts the phase's handlers together and returns once they
// finish or ctx expires.
func (m *Manager) runPhase(ctx context.Context, p Phase, handlers []Handler) []error {
	results := make(chan error, len(handlers))
	var wg sync.WaitGroup
	for _, h := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			start := time.Now()
			err := h.Cleanup(ctx)
			if err != nil {
				m.log.Error("shutdown handler failed",
					"name", h.Name,
					"phase", p.String(),
					"error", err.Error(),
					"duration_ms", time.Since(start).Milliseconds(),
				)
			} else {
				m.log.Debug("shutdown handler completed",
					"name", h.Name,
					"phase", p.String(),
					"duration_ms", time.Since(start).Milliseconds(),
				)
			}
			results <- err
		}(h)
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-ctx.Done():
		return []error{ctx.Err()}
	}

	close(results)
	var errs []error
	for err := range results {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Done returns a channel that is closed when shutdown is complete.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Context returns a context that is canceled on shutdown.
func (m *Manager) Context() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-m.done
		cancel()
	}()
	return ctx
}
