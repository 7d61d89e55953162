package graph

import (
	"context"
	"sync"
)

// Event kinds emitted while a graph runs.
const (
	EventChainStart      = "on_chain_start"
	EventChainStream     = "on_chain_stream"
	EventChainEnd        = "on_chain_end"
	EventChatModelStart  = "on_chat_model_start"
	EventChatModelStream = "on_chat_model_stream"
	EventChatModelEnd    = "on_chat_model_end"
	EventCustom          = "on_custom_event"
)

// Event is one observation of a running graph.
type Event struct {
	Kind  string         `json:"kind"`
	Name  string         `json:"name"`
	RunID string         `json:"run_id"`
	Tags  []string       `json:"tags,omitempty"`
	Data  map[string]any `json:"data"`
}

// EventStream is the result of Runnable.StreamEvents.
//
// Events is unbuffered and closed when the run ends. A consumer that stops
// reading early must cancel the context it passed to StreamEvents.
type EventStream struct {
	Events <-chan Event

	done chan struct{}
	mu   sync.Mutex
	err  error
}

// NewEventStream runs produce in a new goroutine and streams what it sends.
// send blocks until the event is received or ctx is done. The value returned
// by produce becomes Err.
func NewEventStream(ctx context.Context, produce func(send func(Event) error) error) *EventStream {
	ch := make(chan Event)
	s := &EventStream{Events: ch, done: make(chan struct{})}

	send := func(ev Event) error {
		select {
		case ch <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	go func() {
		err := produce(send)
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(ch)
		close(s.done)
	}()
	return s
}

// Err returns the error that ended the run. It is valid once Events is closed.
func (s *EventStream) Err() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the run has finished.
func (s *EventStream) Done() <-chan struct{} {
	return s.done
}

type emitter struct {
	runID string
	tags  []string
	send  func(Event) error
}

func (e *emitter) emit(kind, name string, data map[string]any) error {
	if e == nil || e.send == nil {
		return nil
	}
	return e.send(Event{Kind: kind, Name: name, RunID: e.runID, Tags: e.tags, Data: data})
}

type emitterKey struct{}

func withEmitter(ctx context.Context, e *emitter) context.Context {
	return context.WithValue(ctx, emitterKey{}, e)
}

func emitterFrom(ctx context.Context) *emitter {
	e, _ := ctx.Value(emitterKey{}).(*emitter)
	return e
}

// DispatchEvent emits an on_custom_event from inside a node. It is a no-op
// when the graph is not being streamed.
func DispatchEvent(ctx context.Context, name string, data map[string]any) error {
	return emitterFrom(ctx).emit(EventCustom, name, data)
}
