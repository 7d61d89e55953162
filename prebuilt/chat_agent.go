package prebuilt

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"

	"github.com/smallnest/chatgraph/graph"
)

// ChatAgent holds one conversation with the main graph. History lives in
// the graph's checkpointer, so a ChatAgent without one only remembers the
// current turn.
type ChatAgent struct {
	Runnable *graph.Runnable
	threadID string
}

// NewChatAgent creates a ChatAgent on a fresh thread.
func NewChatAgent(model llms.Model, opts ...Option) (*ChatAgent, error) {
	r, err := CreateMainGraph(model, opts...)
	if err != nil {
		return nil, err
	}
	return &ChatAgent{Runnable: r, threadID: uuid.NewString()}, nil
}

// ThreadID returns the current session ID.
func (c *ChatAgent) ThreadID() string {
	return c.threadID
}

// Chat sends a message to the agent and returns the reply.
func (c *ChatAgent) Chat(ctx context.Context, message string) (string, error) {
	out, err := c.Runnable.Invoke(ctx, graph.State{
		"messages": []graph.Message{graph.HumanMessage(message)},
	}, graph.Config{ThreadID: c.threadID})
	if err != nil {
		return "", err
	}

	msgs, err := graph.ToMessages(out["messages"])
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return "", fmt.Errorf("no messages in response")
	}
	return msgs[len(msgs)-1].Content, nil
}
