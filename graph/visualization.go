package graph

import (
	"fmt"
	"slices"
	"strings"
)

// MermaidOptions defines configuration for Mermaid diagram generation
type MermaidOptions struct {
	// Direction of the flowchart (e.g., "TD", "LR")
	Direction string
}

// DrawMermaid generates a Mermaid diagram representation of the graph
func (g *StateGraph) DrawMermaid() string {
	return g.DrawMermaidWithOptions(MermaidOptions{Direction: "TD"})
}

// DrawMermaidWithOptions generates a Mermaid diagram with custom options
func (g *StateGraph) DrawMermaidWithOptions(opts MermaidOptions) string {
	var sb strings.Builder

	direction := opts.Direction
	if direction == "" {
		direction = "TD"
	}
	fmt.Fprintf(&sb, "flowchart %s\n", direction)

	if g.entryPoint != "" {
		sb.WriteString("    __start__([\"START\"])\n")
		fmt.Fprintf(&sb, "    __start__ --> %s\n", g.entryPoint)
	}

	names := make([]string, 0, len(g.nodes))
	for name := range g.nodes {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(&sb, "    %s[\"%s\"]\n", name, name)
	}

	if slices.ContainsFunc(g.edges, func(e Edge) bool { return e.To == END }) {
		sb.WriteString("    __end__([\"END\"])\n")
	}
	for _, e := range g.edges {
		fmt.Fprintf(&sb, "    %s --> %s\n", e.From, e.To)
	}

	conditional := make([]string, 0, len(g.conditionalEdges))
	for from := range g.conditionalEdges {
		conditional = append(conditional, from)
	}
	slices.Sort(conditional)
	for _, from := range conditional {
		fmt.Fprintf(&sb, "    %s -.-> %s_condition((?))\n", from, from)
	}

	if g.entryPoint != "" {
		fmt.Fprintf(&sb, "    style %s fill:#87CEEB\n", g.entryPoint)
	}
	return sb.String()
}
