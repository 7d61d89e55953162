package stream

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/smallnest/chatgraph/log"
	"github.com/smallnest/chatgraph/workflow"
)

// State is the lifecycle position of a Stream.
type State int32

const (
	StateStarted State = iota
	StateStreaming
	StateCompleted
	StateErrored
	StateCancelled
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStarted:
		return "STARTED"
	case StateStreaming:
		return "STREAMING"
	case StateCompleted:
		return "COMPLETED"
	case StateErrored:
		return "ERRORED"
	case StateCancelled:
		return "CANCELLED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// FrameWriter receives the encoded frames. http.ResponseWriter values that
// support flushing satisfy it.
type FrameWriter interface {
	io.Writer
	Flush()
}

// Stream is one chat turn being produced in the background.
type Stream struct {
	threadID  string
	queue     *Queue
	cancel    context.CancelFunc
	keepAlive time.Duration
	logger    log.Logger
	metrics   *metrics

	state   atomic.Int32
	outcome atomic.Int32

	closeOnce sync.Once
}

// ThreadID returns the thread the turn runs on.
func (s *Stream) ThreadID() string {
	return s.threadID
}

// State returns the current lifecycle state.
func (s *Stream) State() State {
	return State(s.state.Load())
}

// Outcome returns how the stream ended: StateCompleted, StateErrored or
// StateCancelled. It is StateStarted while the stream is still open.
func (s *Stream) Outcome() State {
	return State(s.outcome.Load())
}

// Forward writes the events of the stream to w until an end event has been
// written, the producer closes the queue, ctx is done or a write fails.
// While no event is ready a keep-alive comment is written every keep-alive
// interval. Forward cancels the producer before returning and may be called
// once.
func (s *Stream) Forward(ctx context.Context, w FrameWriter) error {
	defer s.close()
	s.state.Store(int32(StateStreaming))

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.end(StateCancelled)
			return ctx.Err()

		case ev, ok := <-s.queue.Events():
			if !ok {
				// The producer went away without an end event.
				s.end(StateCancelled)
				return nil
			}
			if err := ctx.Err(); err != nil {
				s.end(StateCancelled)
				return err
			}
			frame, err := Frame(ev)
			if err != nil {
				s.logger.Error("stream %s: %v", s.threadID, err)
				ev = workflow.ErrorEvent(err)
				frame, _ = Frame(ev)
			}
			if err := s.write(w, frame); err != nil {
				s.end(StateCancelled)
				return err
			}
			s.metrics.events.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", ev.Kind)))
			if ev.IsEnd() {
				if ev.IsError() {
					s.end(StateErrored)
				} else {
					s.end(StateCompleted)
				}
				return nil
			}
			ticker.Reset(s.keepAlive)

		case <-ticker.C:
			if err := s.write(w, keepAliveFrame); err != nil {
				s.end(StateCancelled)
				return err
			}
		}
	}
}

func (s *Stream) write(w FrameWriter, frame []byte) error {
	if _, err := w.Write(frame); err != nil {
		return err
	}
	w.Flush()
	return nil
}

func (s *Stream) end(outcome State) {
	s.outcome.CompareAndSwap(int32(StateStarted), int32(outcome))
	s.state.Store(int32(outcome))
}

// close stops the producer and moves the stream to StateClosed.
func (s *Stream) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.state.Store(int32(StateClosed))
		s.metrics.active.Add(context.Background(), -1)
		s.logger.Info("stream %s closed: %s", s.threadID, s.Outcome())
	})
}

// Close abandons a stream that will not be forwarded.
func (s *Stream) Close() {
	s.end(StateCancelled)
	s.close()
}
