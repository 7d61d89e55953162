package graph

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/smallnest/chatgraph/log"
	"github.com/smallnest/chatgraph/store"
)

// DefaultRecursionLimit bounds the number of supersteps in one run.
const DefaultRecursionLimit = 25

// StateGraph is a builder for a graph whose nodes share a map state.
type StateGraph struct {
	nodes map[string]Node

	// edges keeps insertion order so fan-out is deterministic.
	edges []Edge

	// conditionalEdges picks the successor of a node at runtime.
	conditionalEdges map[string]func(ctx context.Context, state State) string

	entryPoint  string
	retryPolicy *RetryPolicy
	schema      StateSchema
}

// NewStateGraph creates an empty graph that merges "messages" with AddMessages
// and overwrites every other key.
func NewStateGraph() *StateGraph {
	return &StateGraph{
		nodes:            make(map[string]Node),
		conditionalEdges: make(map[string]func(ctx context.Context, state State) string),
		schema:           NewMessagesSchema(),
	}
}

// AddNode registers node under name.
func (g *StateGraph) AddNode(name string, node Node) {
	g.nodes[name] = node
}

// AddEdge adds a new edge to the state graph between the "from" and "to" nodes.
// An edge from START sets the entry point.
func (g *StateGraph) AddEdge(from, to string) {
	if from == START {
		g.entryPoint = to
		return
	}
	g.edges = append(g.edges, Edge{From: from, To: to})
}

// AddConditionalEdge adds a conditional edge where the target node is determined at runtime
func (g *StateGraph) AddConditionalEdge(from string, condition func(ctx context.Context, state State) string) {
	g.conditionalEdges[from] = condition
}

// SetEntryPoint sets the entry point node name for the state graph
func (g *StateGraph) SetEntryPoint(name string) {
	g.entryPoint = name
}

// SetRetryPolicy sets the retry policy applied to every node
func (g *StateGraph) SetRetryPolicy(policy *RetryPolicy) {
	g.retryPolicy = policy
}

// SetSchema replaces the state schema
func (g *StateGraph) SetSchema(schema StateSchema) {
	g.schema = schema
}

// CompileOption configures a Runnable.
type CompileOption func(*Runnable)

// WithCheckpointer persists every superstep through saver.
func WithCheckpointer(saver store.Saver) CompileOption {
	return func(r *Runnable) {
		r.saver = saver
	}
}

// WithRecursionLimit sets the default superstep limit.
func WithRecursionLimit(n int) CompileOption {
	return func(r *Runnable) {
		if n > 0 {
			r.recursionLimit = n
		}
	}
}

// WithLogger sets the logger used by the runnable.
func WithLogger(l log.Logger) CompileOption {
	return func(r *Runnable) {
		r.logger = log.OrDefault(l)
	}
}

// WithName sets the name reported in the graph-level chain events.
func WithName(name string) CompileOption {
	return func(r *Runnable) {
		r.name = name
	}
}

// Runnable is a compiled graph.
type Runnable struct {
	graph          *StateGraph
	name           string
	saver          store.Saver
	recursionLimit int
	logger         log.Logger
	tracer         trace.Tracer
}

// Compile checks the graph and returns a Runnable.
func (g *StateGraph) Compile(opts ...CompileOption) (*Runnable, error) {
	if g.entryPoint == "" {
		return nil, ErrEntryPointNotSet
	}
	if _, ok := g.nodes[g.entryPoint]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, g.entryPoint)
	}
	for _, e := range g.edges {
		if _, ok := g.nodes[e.From]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, e.From)
		}
		if _, ok := g.nodes[e.To]; !ok && e.To != END {
			return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, e.To)
		}
	}
	for from := range g.conditionalEdges {
		if _, ok := g.nodes[from]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, from)
		}
	}

	r := &Runnable{
		graph:          g,
		name:           "LangGraph",
		recursionLimit: DefaultRecursionLimit,
		logger:         log.GetDefaultLogger(),
		tracer:         otel.Tracer("github.com/smallnest/chatgraph/graph"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger.Debug("compiled graph %s:\n%s", r.name, g.DrawMermaid())
	return r, nil
}

// Invoke runs the graph to completion and returns the final state. A nil
// input resumes the thread's latest checkpoint.
func (r *Runnable) Invoke(ctx context.Context, input State, cfg Config) (State, error) {
	return r.run(ctx, input, cfg, nil)
}

// StreamEvents runs the graph in the background and returns its events in
// the order they happen.
func (r *Runnable) StreamEvents(ctx context.Context, input State, cfg Config) *EventStream {
	return NewEventStream(ctx, func(send func(Event) error) error {
		_, err := r.run(ctx, input, cfg, send)
		return err
	})
}

func (r *Runnable) run(ctx context.Context, input State, cfg Config, send func(Event) error) (State, error) {
	limit := r.recursionLimit
	if cfg.RecursionLimit > 0 {
		limit = cfg.RecursionLimit
	}

	em := &emitter{runID: uuid.NewString(), tags: cfg.Tags, send: send}
	ctx = withEmitter(ctx, em)

	ctx, span := r.tracer.Start(ctx, "graph.run")
	defer span.End()

	l := newLoop(r, cfg, em)
	if err := em.emit(EventChainStart, r.name, map[string]any{"input": input}); err != nil {
		return nil, err
	}
	if err := l.load(ctx); err != nil {
		recordError(span, err)
		return nil, err
	}
	if err := l.applyInput(ctx, input); err != nil {
		recordError(span, err)
		return nil, err
	}

	for steps := 0; len(l.next) > 0; steps++ {
		if steps >= limit {
			err := fmt.Errorf("%w: %d supersteps without reaching %s", ErrRecursionLimit, limit, END)
			recordError(span, err)
			return nil, err
		}
		if err := l.tick(ctx); err != nil {
			recordError(span, err)
			return nil, err
		}
	}

	if err := em.emit(EventChainEnd, r.name, map[string]any{"output": l.state}); err != nil {
		return nil, err
	}
	return l.state, nil
}
