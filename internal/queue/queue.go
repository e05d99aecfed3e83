package queue

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/saviobatista/flight-tracker/internal/stats"
)

// ErrQueueClosed is returned by Send after Close
var ErrQueueClosed = errors.New("queue closed")

// Queue is a bounded FIFO between producers and workers. Send blocks while
// the queue is full.
type Queue[T any] struct {
	name   string
	ch     chan T
	stats  *stats.Stats
	mu     sync.RWMutex
	closed bool
}

// New creates a queue holding up to size items and registers its depth gauge
func New[T any](name string, size int, s *stats.Stats) *Queue[T] {
	q := &Queue[T]{name: name, ch: make(chan T, size), stats: s}
	s.RegisterQueue(name, q.Len)
	return q
}

// Name returns the queue name
func (q *Queue[T]) Name() string {
	return q.name
}

// Len returns the number of waiting items
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Send enqueues v, waiting for room or for ctx to be done
func (q *Queue[T]) Send(ctx context.Context, v T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.stats.IncrementQueueClosed(q.name)
		log.Printf("ALERT: send on closed queue %s", q.name)
		return ErrQueueClosed
	}

	select {
	case q.ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive exposes the channel workers range over; it is closed by Close
func (q *Queue[T]) Receive() <-chan T {
	return q.ch
}

// Close stops accepting items. Items already queued are still delivered.
// Close waits for blocked senders to give up or finish.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
