package prebuilt

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"

	"github.com/smallnest/chatgraph/graph"
	"github.com/smallnest/chatgraph/log"
	"github.com/smallnest/chatgraph/store"
)

// TriageNodeName is the name of the single node in the main graph.
const TriageNodeName = "triage"

// Options configures the agents in this package.
type Options struct {
	SystemPrompt   string
	Saver          store.Saver
	RecursionLimit int
	Logger         log.Logger
	CallOptions    []llms.CallOption
}

// Option is a function that configures Options.
type Option func(*Options)

// WithSystemPrompt prepends a system message to every model call.
func WithSystemPrompt(prompt string) Option {
	return func(o *Options) {
		o.SystemPrompt = prompt
	}
}

// WithCheckpointer persists the graph through saver.
func WithCheckpointer(saver store.Saver) Option {
	return func(o *Options) {
		o.Saver = saver
	}
}

// WithRecursionLimit bounds the number of supersteps per run.
func WithRecursionLimit(n int) Option {
	return func(o *Options) {
		o.RecursionLimit = n
	}
}

// WithLogger sets the logger of the compiled graph.
func WithLogger(l log.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// WithCallOptions passes extra options to every model call.
func WithCallOptions(opts ...llms.CallOption) Option {
	return func(o *Options) {
		o.CallOptions = append(o.CallOptions, opts...)
	}
}

// NewTriageNode returns a node that sends the conversation to model and
// appends the reply to "messages".
func NewTriageNode(model llms.Model, opts ...Option) graph.Node {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}
	return graph.NodeFunc(func(ctx context.Context, state graph.State, cfg graph.Config) (*graph.Command, error) {
		msgs, err := graph.ToMessages(state["messages"])
		if err != nil {
			return nil, fmt.Errorf("invalid messages: %w", err)
		}
		if o.SystemPrompt != "" {
			msgs = append([]graph.Message{graph.SystemMessage(o.SystemPrompt)}, msgs...)
		}

		reply, err := graph.CallModel(ctx, model, TriageNodeName, msgs, o.CallOptions...)
		if err != nil {
			return nil, err
		}
		return &graph.Command{Update: map[string]any{"messages": reply}}, nil
	})
}

// CreateMainGraph builds START -> triage -> END around model.
func CreateMainGraph(model llms.Model, opts ...Option) (*graph.Runnable, error) {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}

	g := graph.NewStateGraph()
	g.AddNode(TriageNodeName, NewTriageNode(model, opts...))
	g.AddEdge(graph.START, TriageNodeName)
	g.AddEdge(TriageNodeName, graph.END)

	var compileOpts []graph.CompileOption
	if o.Saver != nil {
		compileOpts = append(compileOpts, graph.WithCheckpointer(o.Saver))
	}
	if o.RecursionLimit > 0 {
		compileOpts = append(compileOpts, graph.WithRecursionLimit(o.RecursionLimit))
	}
	if o.Logger != nil {
		compileOpts = append(compileOpts, graph.WithLogger(o.Logger))
	}
	return g.Compile(compileOpts...)
}
