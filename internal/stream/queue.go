// Package stream defines the physical topic feed handed from a change-event
// source to the multiplexer, plus the unbounded queue every bundled source
// uses to implement it.
package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/livesync/internal/record"
)

// ErrClosed is returned by Next once a stream has been closed and drained.
var ErrClosed = errors.New("stream: closed")

// Stream is one open physical feed for a single topic.
//
// Next blocks until a change is available, the stream is closed (ErrClosed)
// or ctx is done (ctx.Err()). A Stream is consumed by exactly one goroutine.
type Stream interface {
	Next(ctx context.Context) (record.Change, error)
}

// Queue is a thread-safe unbounded FIFO of changes implementing Stream.
//
// The queue is unbounded so a transport's read loop never blocks on a slow
// subscriber: the socket keeps draining and the multiplexer pump catches up.
//
// A buffered signal channel (size 1) coalesces wakeups and lets Next wait
// with select on ctx.Done().
type Queue struct {
	mu      sync.Mutex
	changes []record.Change
	closed  bool
	signal  chan struct{}
}

// NewQueue creates an empty open queue.
func NewQueue() *Queue {
	return &Queue{
		changes: make([]record.Change, 0, 16),
		signal:  make(chan struct{}, 1),
	}
}

// Enqueue appends a change. Safe from any goroutine.
// Returns false if the queue is closed.
func (q *Queue) Enqueue(c record.Change) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.changes = append(q.changes, c)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front change without blocking.
func (q *Queue) TryDequeue() (record.Change, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.changes) == 0 {
		return record.Change{}, false
	}
	c := q.changes[0]

	// Clear the slot so the backing array does not pin the record map.
	q.changes[0] = record.Change{}
	if len(q.changes) == 1 {
		q.changes = q.changes[:0]
	} else {
		q.changes = q.changes[1:]
	}
	return c, true
}

// Next implements Stream. Buffered changes are still returned after Close;
// ErrClosed is reported once the queue is closed and empty.
func (q *Queue) Next(ctx context.Context) (record.Change, error) {
	for {
		if c, ok := q.TryDequeue(); ok {
			return c, nil
		}
		if q.isClosed() {
			return record.Change{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return record.Change{}, ctx.Err()
		case <-q.signal:
		}
	}
}

// Len returns the number of buffered changes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.changes)
}

// Close stops accepting changes and wakes the consumer.
// Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	return q.isClosed()
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
