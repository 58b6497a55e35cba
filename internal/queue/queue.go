// Package queue provides the bounded hand-off between ingestion sources and the
// aggregation worker.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/egparedes/hpx-dashboard/internal/model"
)

// ErrClosed is returned by Put after Close.
var ErrClosed = errors.New("queue: closed")

// Queue is a bounded FIFO of raw ingest envelopes. Put blocks while the queue
// is full, so producers slow down instead of losing records. Items from one
// producer are delivered in the order that producer put them.
type Queue struct {
	items     chan model.IngestEnvelope
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a queue holding at most capacity envelopes.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = model.DefaultQueueSize
	}
	return &Queue{
		items: make(chan model.IngestEnvelope, capacity),
		done:  make(chan struct{}),
	}
}

// Put enqueues env, blocking while the queue is full. It returns ctx.Err() when
// ctx ends first and ErrClosed once the queue is closed.
func (q *Queue) Put(ctx context.Context, env model.IngestEnvelope) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.items <- env:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get dequeues the next envelope, blocking while the queue is empty. After
// Close, remaining items are still returned; ok is false once the queue is
// closed and drained, or when ctx ends.
func (q *Queue) Get(ctx context.Context) (env model.IngestEnvelope, ok bool) {
	select {
	case env = <-q.items:
		return env, true
	default:
	}
	select {
	case env = <-q.items:
		return env, true
	case <-q.done:
		select {
		case env = <-q.items:
			return env, true
		default:
			return env, false
		}
	case <-ctx.Done():
		return env, false
	}
}

// Items exposes the receive side for consumers that select over several
// events. Once Closed is closed, drain Items without blocking to collect the
// remaining envelopes.
func (q *Queue) Items() <-chan model.IngestEnvelope { return q.items }

// Close stops accepting new items. It is safe to call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

// Closed returns a channel that is closed once Close has been called.
func (q *Queue) Closed() <-chan struct{} { return q.done }

// Len reports the number of queued envelopes.
func (q *Queue) Len() int { return len(q.items) }

// Cap reports the queue capacity.
func (q *Queue) Cap() int { return cap(q.items) }
