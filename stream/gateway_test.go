package stream

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/chatgraph/graph"
	"github.com/smallnest/chatgraph/log"
	"github.com/smallnest/chatgraph/workflow"
)

// scriptedGraph sends events, then waits on block (when set) and returns err.
type scriptedGraph struct {
	events  []graph.Event
	err     error
	block   chan struct{}
	started chan struct{}
	ctxErr  chan error
}

func newBlockingGraph() *scriptedGraph {
	return &scriptedGraph{
		block:   make(chan struct{}),
		started: make(chan struct{}),
		ctxErr:  make(chan error, 1),
	}
}

func (g *scriptedGraph) StreamEvents(ctx context.Context, input graph.State, cfg graph.Config) *graph.EventStream {
	return graph.NewEventStream(ctx, func(send func(graph.Event) error) error {
		for _, ev := range g.events {
			if err := send(ev); err != nil {
				return err
			}
		}
		if g.block != nil {
			close(g.started)
			select {
			case <-g.block:
			case <-ctx.Done():
				g.ctxErr <- ctx.Err()
				return ctx.Err()
			}
		}
		return g.err
	})
}

func newTestGateway(t *testing.T, g workflow.Streamer, opts Options) *Gateway {
	t.Helper()
	opts.Logger = &log.NoOpLogger{}
	gw, err := NewGateway(workflow.NewRunner(g, workflow.WithLogger(&log.NoOpLogger{})), opts)
	require.NoError(t, err)
	t.Cleanup(gw.Close)
	return gw
}

type sseFrame struct {
	event string
	data  string
}

// parseFrames splits an SSE body into frames, dropping comments.
func parseFrames(body string) []sseFrame {
	var out []sseFrame
	for _, block := range strings.Split(body, "\n\n") {
		if block == "" || strings.HasPrefix(block, ":") {
			continue
		}
		var f sseFrame
		for _, line := range strings.Split(block, "\n") {
			if v, ok := strings.CutPrefix(line, "event: "); ok {
				f.event = v
			}
			if v, ok := strings.CutPrefix(line, "data: "); ok {
				f.data = v
			}
		}
		out = append(out, f)
	}
	return out
}

func TestGateway_StreamsEchoGraphAndCompleted(t *testing.T) {
	g := &scriptedGraph{events: []graph.Event{
		{Kind: graph.EventChainStart, Name: "LangGraph", Data: map[string]any{"step": 1}},
		{Kind: graph.EventCustom, Name: "progress", Data: map[string]any{"step": 2}},
		{Kind: graph.EventChainEnd, Name: "LangGraph", Data: map[string]any{"step": 3}},
	}}
	gw := newTestGateway(t, g, Options{})

	s, err := gw.Start(workflow.Request{
		ThreadID: "t-1",
		Messages: []workflow.InputMessage{{Role: "user", Content: "hi"}, {Role: "user", Content: "again"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "t-1", s.ThreadID())
	assert.Equal(t, StateStarted, s.State())

	rec := httptest.NewRecorder()
	require.NoError(t, s.Forward(context.Background(), rec))

	assert.Equal(t, []sseFrame{
		{"user_message", `{"content":"hi","role":"user"}`},
		{"user_message", `{"content":"again","role":"user"}`},
		{"LangGraph", `{"step":1}`},
		{"progress", `{"step":2}`},
		{"LangGraph", `{"step":3}`},
		{"completed", `{"event_count":5}`},
	}, parseFrames(rec.Body.String()))
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, StateCompleted, s.Outcome())
}

func TestGateway_GraphErrorEndsWithoutCompleted(t *testing.T) {
	g := &scriptedGraph{
		events: []graph.Event{{Kind: graph.EventChainStart, Name: "LangGraph", Data: map[string]any{"n": 1}}},
		err:    errors.New("boom"),
	}
	gw := newTestGateway(t, g, Options{})

	s, err := gw.Start(workflow.Request{})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ThreadID())

	rec := httptest.NewRecorder()
	require.NoError(t, s.Forward(context.Background(), rec))

	assert.Equal(t, []sseFrame{
		{"LangGraph", `{"n":1}`},
		{"error", `"boom"`},
	}, parseFrames(rec.Body.String()))
	assert.Equal(t, StateErrored, s.Outcome())
}

func TestGateway_BusyWhenPoolIsFull(t *testing.T) {
	g := newBlockingGraph()
	gw := newTestGateway(t, g, Options{MaxConcurrency: 1})

	first, err := gw.Start(workflow.Request{})
	require.NoError(t, err)

	_, err = gw.Start(workflow.Request{})
	assert.ErrorIs(t, err, ErrBusy)

	close(g.block)
	rec := httptest.NewRecorder()
	require.NoError(t, first.Forward(context.Background(), rec))
	assert.Equal(t, []sseFrame{{"completed", `{"event_count":0}`}}, parseFrames(rec.Body.String()))
}

func TestGateway_KeepAliveWhileWaiting(t *testing.T) {
	g := newBlockingGraph()
	gw := newTestGateway(t, g, Options{KeepAlive: 5 * time.Millisecond})

	s, err := gw.Start(workflow.Request{})
	require.NoError(t, err)
	time.AfterFunc(60*time.Millisecond, func() { close(g.block) })

	rec := httptest.NewRecorder()
	require.NoError(t, s.Forward(context.Background(), rec))

	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, ": ping\n\n"), body)
	assert.True(t, strings.HasSuffix(body, "event: completed\ndata: {\"event_count\":0}\n\n"), body)
}

func TestGateway_ClientCancelStopsProducer(t *testing.T) {
	g := newBlockingGraph()
	gw := newTestGateway(t, g, Options{})

	s, err := gw.Start(workflow.Request{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Forward(ctx, httptest.NewRecorder()) }()

	<-g.started
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Forward did not return")
	}
	assert.Equal(t, StateCancelled, s.Outcome())
	assert.Equal(t, StateClosed, s.State())

	select {
	case err := <-g.ctxErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("graph was not cancelled")
	}
}

type failingWriter struct{ writes int }

func (w *failingWriter) Write(p []byte) (int, error) {
	w.writes++
	return 0, errors.New("broken pipe")
}

func (w *failingWriter) Flush() {}

func TestGateway_WriteFailureStopsProducer(t *testing.T) {
	g := newBlockingGraph()
	gw := newTestGateway(t, g, Options{})

	s, err := gw.Start(workflow.Request{Messages: []workflow.InputMessage{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)

	w := &failingWriter{}
	err = s.Forward(context.Background(), w)
	assert.EqualError(t, err, "broken pipe")
	assert.Equal(t, 1, w.writes)
	assert.Equal(t, StateCancelled, s.Outcome())

	select {
	case err := <-g.ctxErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("graph was not cancelled")
	}
}

func TestGateway_CloseAbandonsStream(t *testing.T) {
	g := newBlockingGraph()
	gw := newTestGateway(t, g, Options{})

	s, err := gw.Start(workflow.Request{})
	require.NoError(t, err)
	s.Close()
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, StateCancelled, s.Outcome())

	select {
	case err := <-g.ctxErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("graph was not cancelled")
	}
}
