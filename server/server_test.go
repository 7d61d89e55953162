package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/chatgraph/graph"
	"github.com/smallnest/chatgraph/log"
	"github.com/smallnest/chatgraph/store"
	"github.com/smallnest/chatgraph/store/memory"
	"github.com/smallnest/chatgraph/stream"
	"github.com/smallnest/chatgraph/workflow"
)

// newTestServer wires a one-node graph that answers "pong" behind the full
// runner, gateway and server stack.
func newTestServer(t *testing.T) (*Server, store.Saver) {
	t.Helper()
	saver := memory.NewMemorySaver(memory.MemoryOptions{})

	g := graph.NewStateGraph()
	g.AddNode("reply", graph.NodeFunc(func(ctx context.Context, state graph.State, cfg graph.Config) (*graph.Command, error) {
		return &graph.Command{Update: map[string]any{"messages": []graph.Message{graph.AIMessage("pong")}}}, nil
	}))
	g.AddEdge(graph.START, "reply")
	g.AddEdge("reply", graph.END)
	r, err := g.Compile(graph.WithCheckpointer(saver), graph.WithLogger(&log.NoOpLogger{}))
	require.NoError(t, err)

	gw, err := stream.NewGateway(workflow.NewRunner(r, workflow.WithLogger(&log.NoOpLogger{})),
		stream.Options{Logger: &log.NoOpLogger{}})
	require.NoError(t, err)
	t.Cleanup(gw.Close)

	return New(gw, WithSaver(saver), WithLogger(&log.NoOpLogger{})), saver
}

func do(s *Server, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthAndRoot(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]string{"status": "healthy"}, decode[map[string]string](t, rec))

	rec = do(s, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, Version, decode[map[string]string](t, rec)["version"])
}

func TestChatStream(t *testing.T) {
	for _, path := range []string{"/chat/stream", "/api/v1/chat/stream"} {
		t.Run(path, func(t *testing.T) {
			s, _ := newTestServer(t)
			rec := do(s, http.MethodPost, path,
				`{"thread_id":"t-1","messages":[{"role":"user","content":"ping"}]}`)

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "text/event-stream; charset=utf-8", rec.Header().Get("Content-Type"))
			assert.Equal(t, "t-1", rec.Header().Get(headerThreadID))

			body := rec.Body.String()
			assert.True(t, strings.HasPrefix(body,
				"event: user_message\ndata: {\"content\":\"ping\",\"role\":\"user\"}\n\n"), body)
			assert.Contains(t, body, `"content":"pong"`)
			assert.NotContains(t, body, "event: error")
			assert.Regexp(t, `event: completed\ndata: \{"event_count":\d+\}\n\n$`, body)
		})
	}
}

func TestChatStream_RejectsBadRequests(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(s, http.MethodPost, "/chat/stream", `{"messages":`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decode[map[string]string](t, rec)["detail"], "invalid request body")

	rec = do(s, http.MethodPost, "/chat/stream", `{"messages":[]}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, map[string]string{"detail": "messages must not be empty"}, decode[map[string]string](t, rec))
}

type busyStarter struct{}

func (busyStarter) Start(req workflow.Request) (*stream.Stream, error) {
	return nil, stream.ErrBusy
}

func TestChatStream_Busy(t *testing.T) {
	s := New(busyStarter{}, WithLogger(&log.NoOpLogger{}))
	rec := do(s, http.MethodPost, "/chat/stream", `{"messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, stream.ErrBusy.Error(), decode[map[string]string](t, rec)["detail"])
}

func TestThreads_ListAndDelete(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(s, http.MethodPost, "/chat/stream", `{"thread_id":"t-1","messages":[{"role":"user","content":"ping"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(s, http.MethodGet, "/threads/t-1/checkpoints", "")
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[[]listedCheckpoint](t, rec)
	require.Len(t, all, 2)
	newest, input := all[0], all[1]
	assert.Equal(t, input.CheckpointID, newest.ParentCheckpointID)
	assert.Equal(t, float64(-1), input.Metadata["step"])
	assert.Equal(t, []string{"reply"}, input.Next)
	assert.Greater(t, input.PendingWrites, 0)
	assert.Empty(t, newest.Next)

	rec = do(s, http.MethodGet, "/threads/t-1/checkpoints?limit=1", "")
	assert.Equal(t, []string{newest.CheckpointID}, checkpointIDs(decode[[]listedCheckpoint](t, rec)))

	rec = do(s, http.MethodGet, "/threads/t-1/checkpoints?before="+newest.CheckpointID, "")
	assert.Equal(t, []string{input.CheckpointID}, checkpointIDs(decode[[]listedCheckpoint](t, rec)))

	rec = do(s, http.MethodGet, "/threads/t-1/checkpoints?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(s, http.MethodDelete, "/threads/t-1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(s, http.MethodGet, "/threads/t-1/checkpoints", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

type listedCheckpoint struct {
	CheckpointID       string         `json:"checkpoint_id"`
	ParentCheckpointID string         `json:"parent_checkpoint_id"`
	Next               []string       `json:"next"`
	Metadata           map[string]any `json:"metadata"`
	PendingWrites      int            `json:"pending_writes"`
}

func checkpointIDs(items []listedCheckpoint) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.CheckpointID
	}
	return out
}
