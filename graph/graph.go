package graph

import (
	"context"
	"errors"
	"fmt"
)

// START and END are the virtual nodes at either end of a graph.
const (
	START = "__start__"
	END   = "__end__"
)

var (
	// ErrEntryPointNotSet is returned when the entry point of the graph is not set.
	ErrEntryPointNotSet = errors.New("entry point not set")

	// ErrNodeNotFound is returned when a node is not found in the graph.
	ErrNodeNotFound = errors.New("node not found")

	// ErrNoOutgoingEdge is returned when no outgoing edge is found for a node.
	ErrNoOutgoingEdge = errors.New("no outgoing edge found for node")

	// ErrRecursionLimit is returned when a run exceeds its superstep budget.
	ErrRecursionLimit = errors.New("recursion limit reached")

	// ErrNothingToResume is returned when a run is started without input and
	// the thread has no checkpoint with pending nodes.
	ErrNothingToResume = errors.New("no input and nothing to resume")
)

// State is the value flowing between nodes.
type State = map[string]any

// Config identifies one run of a compiled graph.
type Config struct {
	ThreadID     string
	Namespace    string
	CheckpointID string

	// RecursionLimit overrides the compiled limit when positive.
	RecursionLimit int

	Tags     []string
	Metadata map[string]any
}

// Node is a unit of work registered into a graph by name.
type Node interface {
	Run(ctx context.Context, state State, cfg Config) (*Command, error)
}

// NodeFunc adapts an ordinary function to Node.
type NodeFunc func(ctx context.Context, state State, cfg Config) (*Command, error)

// Run calls f.
func (f NodeFunc) Run(ctx context.Context, state State, cfg Config) (*Command, error) {
	return f(ctx, state, cfg)
}

// Command is returned by a node to update state and steer the next superstep.
type Command struct {
	// Goto is a node name or a []string of node names. When set it replaces
	// the node's outgoing edges.
	Goto any `json:"goto,omitempty"`

	// Update is merged into the state through the graph's schema.
	Update map[string]any `json:"update,omitempty"`

	// Resume carries a value for a node waiting on an interrupt.
	Resume any `json:"resume,omitempty"`

	// Skip removes the named nodes from the next superstep.
	Skip []string `json:"skip,omitempty"`
}

// Targets returns the node names in Goto.
func (c *Command) Targets() []string {
	if c == nil {
		return nil
	}
	switch g := c.Goto.(type) {
	case string:
		if g == "" {
			return nil
		}
		return []string{g}
	case []string:
		return g
	case []any:
		out := make([]string, 0, len(g))
		for _, v := range g {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Edge represents an edge in the graph.
type Edge struct {
	From string
	To   string
}

// NodeError reports a failure inside a node.
type NodeError struct {
	Node string
	Err  error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("error in node %s: %v", e.Node, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}
