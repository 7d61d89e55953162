package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/smallnest/chatgraph/workflow"
)

// ErrQueueClosed is returned by Push after Close.
var ErrQueueClosed = errors.New("stream: queue closed")

// Queue is a bounded FIFO of events between one producer and one consumer.
// Closing the queue is the end-of-stream signal; it is never an event.
type Queue struct {
	ch chan workflow.Event

	mu     sync.RWMutex
	closed bool

	finished atomic.Bool
}

// NewQueue creates a queue holding at most size events.
func NewQueue(size int) *Queue {
	if size < 0 {
		size = 0
	}
	return &Queue{ch: make(chan workflow.Event, size)}
}

// Push appends ev, blocking while the queue is full. It gives up when ctx is
// done.
func (q *Queue) Push(ctx context.Context, ev workflow.Event) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the receive side of the queue. It is closed by Close once
// the buffered events have been received.
func (q *Queue) Events() <-chan workflow.Event {
	return q.ch
}

// Close ends the stream. It is safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// MarkFinished records that the producer will send nothing more.
func (q *Queue) MarkFinished() {
	q.finished.Store(true)
}

// Finished reports whether the producer is done.
func (q *Queue) Finished() bool {
	return q.finished.Load()
}

// Len returns the number of buffered events.
func (q *Queue) Len() int {
	return len(q.ch)
}
