package notify

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"mediaq/internal/models"
	"mediaq/internal/pkg/logger"
)

// EventPublisher is satisfied by AMQPPublisher.
type EventPublisher interface {
	Publish(ctx context.Context, p Payload) error
	Close() error
}

const maxConcurrentDeliveries = 8

// Notifier observes the registry and delivers completion notices for
// terminal jobs in the background.
type Notifier struct {
	webhook *Webhook
	events  EventPublisher
	log     *logger.Logger

	sem *semaphore.Weighted
	ctx context.Context
	// stop aborts in-flight deliveries when Close runs out of time.
	stop context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New builds a Notifier. events may be nil.
func New(webhook *Webhook, events EventPublisher, log *logger.Logger) *Notifier {
	if log == nil {
		log = logger.NewDefault()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Notifier{
		webhook: webhook,
		events:  events,
		log:     log.WithComponent("notify"),
		sem:     semaphore.NewWeighted(maxConcurrentDeliveries),
		ctx:     ctx,
		stop:    stop,
	}
}

// Observe matches registry.Observer.
func (n *Notifier) Observe(j models.Job) {
	if !j.State.Terminal() {
		return
	}
	hasWebhook := j.Request.WebhookURL != "" && n.webhook != nil
	if !hasWebhook && n.events == nil {
		return
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.wg.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.wg.Done()
		if err := n.sem.Acquire(n.ctx, 1); err != nil {
			return
		}
		defer n.sem.Release(1)
		n.deliver(j, hasWebhook)
	}()
}

func (n *Notifier) deliver(j models.Job, hasWebhook bool) {
	p := PayloadOf(j)
	log := n.log.WithJobID(j.ID)

	if n.events != nil {
		ctx, cancel := context.WithTimeout(n.ctx, 5*time.Second)
		if err := n.events.Publish(ctx, p); err != nil {
			log.Warn("event publish failed", "routing_key", p.RoutingKey(), "error", err.Error())
		}
		cancel()
	}
	if hasWebhook {
		if err := n.webhook.Send(n.ctx, j.Request.WebhookURL, p); err != nil {
			log.Error("webhook delivery failed", "error", err.Error())
		}
	}
}

// Close waits for pending deliveries until ctx ends, then abandons them.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		n.stop()
		<-done
		err = ctx.Err()
	}
	n.stop()
	if n.events != nil {
		if cerr := n.events.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
