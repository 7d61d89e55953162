package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/chatgraph/workflow"
)

func TestQueue_FIFOThenClose(t *testing.T) {
	q := NewQueue(4)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, workflow.Event{Event: "a"}))
	require.NoError(t, q.Push(ctx, workflow.Event{Event: "b"}))
	assert.Equal(t, 2, q.Len())
	q.Close()

	var got []string
	for ev := range q.Events() {
		got = append(got, ev.Event)
	}
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestQueue_PushAfterClose(t *testing.T) {
	q := NewQueue(1)
	q.Close()
	q.Close()
	assert.ErrorIs(t, q.Push(context.Background(), workflow.Event{}), ErrQueueClosed)
}

func TestQueue_FullQueueWaitsForContext(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.Push(context.Background(), workflow.Event{Event: "first"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Push(ctx, workflow.Event{Event: "second"}), context.DeadlineExceeded)
	assert.Equal(t, 1, q.Len())
}

func TestQueue_Finished(t *testing.T) {
	q := NewQueue(1)
	assert.False(t, q.Finished())
	q.MarkFinished()
	assert.True(t, q.Finished())
}

func TestFrame(t *testing.T) {
	frame, err := Frame(workflow.Event{Kind: "user_message", Event: "user_message",
		Data: map[string]any{"content": "<b>你好</b>", "role": "user"}})
	require.NoError(t, err)
	assert.Equal(t, "event: user_message\ndata: {\"content\":\"<b>你好</b>\",\"role\":\"user\"}\n\n", string(frame))

	frame, err = Frame(workflow.Event{Kind: "on_chain_start"})
	require.NoError(t, err)
	assert.Equal(t, "event: message\ndata: {}\n\n", string(frame))

	frame, err = Frame(workflow.ErrorEvent(assert.AnError))
	require.NoError(t, err)
	assert.Equal(t, "event: error\ndata: \""+assert.AnError.Error()+"\"\n\n", string(frame))

	_, err = Frame(workflow.Event{Event: "bad", Data: make(chan int)})
	assert.Error(t, err)
}
