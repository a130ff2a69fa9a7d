package queue

import (
	"context"
	"sync"

	"mediaq/internal/pkg/errors"
)

// ErrClosed is returned by Pop once the queue is closed and drained, and by
// Push after Close.
var ErrClosed = errors.New(errors.CodeUnavailable, "queue closed")

// FIFO is an in-process job-id queue. Push never blocks; Pop blocks the
// calling executor until an id is available, the context ends, or the
// queue is closed. Each id is handed to exactly one Pop.
type FIFO struct {
	mu     sync.Mutex
	items  []string
	max    int
	closed bool

	ready chan struct{}
	done  chan struct{}
}

// NewFIFO returns a queue holding at most max ids; max <= 0 means unbounded.
func NewFIFO(max int) *FIFO {
	return &FIFO{
		max:   max,
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func (q *FIFO) Push(id string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if q.max > 0 && len(q.items) >= q.max {
		q.mu.Unlock()
		return errors.CapacityExceeded(q.max)
	}
	q.items = append(q.items, id)
	q.mu.Unlock()

	q.signal()
	return nil
}

func (q *FIFO) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Pop removes the oldest id.
func (q *FIFO) Pop(ctx context.Context) (string, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			id := q.items[0]
			q.items[0] = ""
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			// pass the wakeup on so a second waiting executor picks up the rest
			if more {
				q.signal()
			}
			return id, nil
		}
		if q.closed {
			q.mu.Unlock()
			return "", ErrClosed
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-q.done:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Remove deletes id if it is still waiting. It reports whether it was found.
func (q *FIFO) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

func (q *FIFO) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops the queue and returns the ids that were never popped.
// Blocked Pop calls return ErrClosed. Calling Close again returns nil.
func (q *FIFO) Close() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	rest := q.items
	q.items = nil
	close(q.done)
	return rest
}
