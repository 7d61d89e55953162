// Package workflow runs one chat turn through a graph and normalizes the
// graph's events for streaming.
package workflow

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/smallnest/chatgraph/graph"
	"github.com/smallnest/chatgraph/log"
)

// InputMessage is one message of a chat request.
type InputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one user turn.
type Request struct {
	Messages []InputMessage `json:"messages"`
	ThreadID string         `json:"thread_id,omitempty"`
}

// WithThreadID returns r with a fresh thread id when none was given, so
// every request without one starts its own checkpoint lineage.
func (r Request) WithThreadID() Request {
	if r.ThreadID == "" {
		r.ThreadID = uuid.NewString()
	}
	return r
}

// Streamer is the graph entry point driven by the Runner.
type Streamer interface {
	StreamEvents(ctx context.Context, input graph.State, cfg graph.Config) *graph.EventStream
}

// Runner turns graph events into Events.
type Runner struct {
	graph  Streamer
	logger log.Logger
	tracer trace.Tracer
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger of the runner.
func WithLogger(l log.Logger) Option {
	return func(r *Runner) {
		r.logger = log.OrDefault(l)
	}
}

// NewRunner creates a Runner for g.
func NewRunner(g Streamer, opts ...Option) *Runner {
	r := &Runner{
		graph:  g,
		logger: log.GetDefaultLogger(),
		tracer: otel.Tracer("github.com/smallnest/chatgraph/workflow"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// UserEvents echoes the request messages as user_message events.
func UserEvents(msgs []InputMessage) []Event {
	events := make([]Event, len(msgs))
	for i, m := range msgs {
		events[i] = Event{
			Kind:  KindUserMessage,
			Event: EventUserMessage,
			Data:  map[string]any{"role": m.Role, "content": m.Content},
			Index: i,
		}
	}
	return events
}

// Run streams the graph events of one turn. The channel is unbuffered and
// closed at the end. A failure is reported as a single ErrorEvent, after
// which nothing else is sent. Cancelling ctx stops the graph.
func (r *Runner) Run(ctx context.Context, req Request) <-chan Event {
	req = req.WithThreadID()
	out := make(chan Event)

	go func() {
		defer close(out)
		ctx, span := r.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
			attribute.String("thread_id", req.ThreadID),
			attribute.Int("messages", len(req.Messages)),
		))
		defer span.End()

		// gctx stops the graph without giving up on delivering the error event.
		gctx, stopGraph := context.WithCancel(ctx)
		defer stopGraph()

		send := func(ev Event) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		fail := func(err error) {
			r.logger.Error("workflow error on thread %s: %v", req.ThreadID, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			send(ErrorEvent(err))
		}

		msgs := make([]graph.Message, len(req.Messages))
		for i, m := range req.Messages {
			msgs[i] = graph.MessageFromRole(m.Role, m.Content)
		}
		s := r.graph.StreamEvents(gctx, graph.State{"messages": msgs}, graph.Config{
			ThreadID:  req.ThreadID,
			Namespace: "",
		})

		for ev := range s.Events {
			r.logger.Info("kind: %s, name: %s", ev.Kind, ev.Name)
			if isEmptyChunk(ev.Data) {
				continue
			}
			data, err := Serialize(ev.Data)
			if err != nil {
				stopGraph()
				<-s.Done()
				fail(fmt.Errorf("failed to serialize %s event from %s: %w", ev.Kind, ev.Name, err))
				return
			}
			if !send(Event{Kind: ev.Kind, Event: ev.Name, Data: data}) {
				stopGraph()
				<-s.Done()
				return
			}
		}
		if err := s.Err(); err != nil {
			fail(err)
		}
	}()
	return out
}
