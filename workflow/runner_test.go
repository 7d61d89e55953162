package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/chatgraph/graph"
	"github.com/smallnest/chatgraph/log"
)

// scriptedGraph replays a fixed list of events and then returns err.
type scriptedGraph struct {
	events []graph.Event
	err    error

	input graph.State
	cfg   graph.Config
}

func (g *scriptedGraph) StreamEvents(ctx context.Context, input graph.State, cfg graph.Config) *graph.EventStream {
	g.input = input
	g.cfg = cfg
	return graph.NewEventStream(ctx, func(send func(graph.Event) error) error {
		for _, ev := range g.events {
			if err := send(ev); err != nil {
				return err
			}
		}
		return g.err
	})
}

func collect(ch <-chan Event) []Event {
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func newTestRunner(g Streamer) *Runner {
	return NewRunner(g, WithLogger(&log.NoOpLogger{}))
}

func TestRun_PassesEventsThrough(t *testing.T) {
	g := &scriptedGraph{events: []graph.Event{
		{Kind: graph.EventChainStart, Name: "LangGraph", Data: map[string]any{"input": nil}},
		{Kind: graph.EventChatModelStream, Name: "triage", Data: map[string]any{"chunk": graph.MessageChunk{ID: "m1", Content: "Hi"}}},
		{Kind: graph.EventChainEnd, Name: "LangGraph", Data: map[string]any{"output": map[string]any{"ok": true}}},
	}}

	events := collect(newTestRunner(g).Run(context.Background(), Request{
		Messages: []InputMessage{{Role: "user", Content: "hello"}, {Role: "assistant", Content: "hi"}},
	}))

	require.Len(t, events, 3)
	assert.Equal(t, Event{Kind: graph.EventChainStart, Event: "LangGraph", Data: map[string]any{"input": nil}}, events[0])
	assert.Equal(t, graph.EventChatModelStream, events[1].Kind)
	assert.Equal(t, "triage", events[1].Event)
	assert.Equal(t, map[string]any{
		"chunk": map[string]any{"type": graph.MessageTypeAIChunk, "content": "Hi", "name": "", "id": "m1"},
	}, events[1].Data)
	assert.Equal(t, map[string]any{"output": map[string]any{"ok": true}}, events[2].Data)

	assert.NotEmpty(t, g.cfg.ThreadID)
	assert.Equal(t, "", g.cfg.Namespace)
	msgs := g.input["messages"].([]graph.Message)
	require.Len(t, msgs, 2)
	assert.Equal(t, graph.MessageTypeHuman, msgs[0].Type)
	assert.Equal(t, graph.MessageTypeAI, msgs[1].Type)
}

func TestRun_KeepsGivenThreadID(t *testing.T) {
	g := &scriptedGraph{}
	collect(newTestRunner(g).Run(context.Background(), Request{ThreadID: "thread-7"}))
	assert.Equal(t, "thread-7", g.cfg.ThreadID)
}

func TestRun_GraphErrorShortCircuits(t *testing.T) {
	g := &scriptedGraph{
		events: []graph.Event{{Kind: graph.EventChainStart, Name: "LangGraph"}},
		err:    errors.New("model unavailable"),
	}

	events := collect(newTestRunner(g).Run(context.Background(), Request{}))
	require.Len(t, events, 2)
	assert.Equal(t, graph.EventChainStart, events[0].Kind)
	assert.Equal(t, Event{Kind: KindEnd, Event: EventError, Data: "model unavailable"}, events[1])
	assert.True(t, events[1].IsError())
}

func TestRun_FiltersEmptyChunks(t *testing.T) {
	g := &scriptedGraph{events: []graph.Event{
		{Kind: graph.EventChatModelStream, Name: "triage", Data: map[string]any{
			"chunk": map[string]any{"content": "", "tool_calls": []any{}, "response_metadata": map[string]any{}},
		}},
		{Kind: graph.EventChatModelStream, Name: "triage", Data: map[string]any{
			"chunk": graph.MessageChunk{ID: "x"},
		}},
		{Kind: graph.EventChatModelStream, Name: "triage", Data: map[string]any{
			"chunk": map[string]any{"content": "text", "tool_calls": []any{}, "response_metadata": map[string]any{}},
		}},
		{Kind: graph.EventChainStream, Name: "triage", Data: map[string]any{
			"chunk": map[string]any{"messages": []any{}},
		}},
	}}

	events := collect(newTestRunner(g).Run(context.Background(), Request{}))
	require.Len(t, events, 2)
	assert.Equal(t, "text", events[0].Data.(map[string]any)["chunk"].(map[string]any)["content"])
	assert.Equal(t, graph.EventChainStream, events[1].Kind)
}

func TestRun_SerializationErrorEndsStream(t *testing.T) {
	g := &scriptedGraph{events: []graph.Event{
		{Kind: graph.EventChainStart, Name: "LangGraph"},
		{Kind: graph.EventCustom, Name: "bad", Data: map[string]any{"fn": func() {}}},
		{Kind: graph.EventChainEnd, Name: "LangGraph"},
	}}

	events := collect(newTestRunner(g).Run(context.Background(), Request{}))
	require.Len(t, events, 2)
	assert.Equal(t, graph.EventChainStart, events[0].Kind)
	assert.True(t, events[1].IsError())
	assert.Contains(t, events[1].Data, "bad")
}

func TestRun_CancelStopsGraph(t *testing.T) {
	started := make(chan struct{})
	g := &blockingGraph{started: started}

	ctx, cancel := context.WithCancel(context.Background())
	ch := newTestRunner(g).Run(ctx, Request{})
	<-started
	cancel()

	select {
	case _, ok := <-ch:
		for ok {
			_, ok = <-ch
		}
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}
	assert.ErrorIs(t, g.err, context.Canceled)
}

type blockingGraph struct {
	started chan struct{}
	err     error
}

func (g *blockingGraph) StreamEvents(ctx context.Context, input graph.State, cfg graph.Config) *graph.EventStream {
	return graph.NewEventStream(ctx, func(send func(graph.Event) error) error {
		close(g.started)
		<-ctx.Done()
		g.err = ctx.Err()
		return g.err
	})
}

func TestUserEvents(t *testing.T) {
	events := UserEvents([]InputMessage{{Role: "user", Content: "a"}, {Role: "user", Content: "b"}})
	require.Len(t, events, 2)
	for i, ev := range events {
		assert.Equal(t, KindUserMessage, ev.Kind)
		assert.Equal(t, EventUserMessage, ev.Event)
		assert.Equal(t, i, ev.Index)
	}
	assert.Equal(t, map[string]any{"role": "user", "content": "b"}, events[1].Data)
}

func TestSerialize_MessageAndCommandSurviveJSON(t *testing.T) {
	msg := graph.Message{Type: graph.MessageTypeAI, Content: "hello", Name: "triage", ID: "m-1",
		UsageMetadata: map[string]any{"total_tokens": 3}}
	cmd := &graph.Command{
		Goto:   "next",
		Update: map[string]any{"messages": []graph.Message{msg}},
		Skip:   []string{"other"},
	}

	out, err := Serialize(map[string]any{"message": msg, "command": cmd})
	require.NoError(t, err)
	data, err := json.Marshal(out)
	require.NoError(t, err)

	var parsed struct {
		Message map[string]any `json:"message"`
		Command map[string]any `json:"command"`
	}
	require.NoError(t, json.Unmarshal(data, &parsed))

	assert.Equal(t, map[string]any{"type": "ai", "content": "hello", "name": "triage", "id": "m-1"}, parsed.Message)
	assert.Equal(t, "Command", parsed.Command["type"])
	assert.Equal(t, "next", parsed.Command["goto"])
	assert.Equal(t, []any{"other"}, parsed.Command["skip"])
	assert.Contains(t, parsed.Command, "resume")
	update := parsed.Command["update"].(map[string]any)
	assert.Equal(t, []any{map[string]any{"type": "ai", "content": "hello", "name": "triage", "id": "m-1"}}, update["messages"])
}

func TestSerialize_Values(t *testing.T) {
	type payload struct {
		Name    string `json:"name"`
		Skipped string `json:"-"`
		Empty   string `json:"empty,omitempty"`
		Count   int
		hidden  string
	}

	out, err := Serialize([]any{
		"s", 1, true, nil,
		payload{Name: "n", Skipped: "x", Count: 2, hidden: "h"},
		&payload{Name: "p"},
		errors.New("boom"),
		map[int]string{1: "one"},
		time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, []any{
		"s", 1, true, nil,
		map[string]any{"name": "n", "Count": 2},
		map[string]any{"name": "p", "Count": 0},
		"boom",
		map[string]any{"1": "one"},
		"2024-01-02T03:04:05Z",
	}, out)

	_, err = Serialize(map[string]any{"ch": make(chan int)})
	assert.ErrorIs(t, err, ErrUnserializable)
}
