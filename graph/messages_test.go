package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/smallnest/chatgraph/store"
)

func TestAddMessages_MergesByID(t *testing.T) {
	current := []Message{
		{Type: MessageTypeHuman, Content: "hi", ID: "1"},
		{Type: MessageTypeAI, Content: "draft", ID: "2"},
	}
	merged, err := AddMessages(current, []Message{
		{Type: MessageTypeAI, Content: "final", ID: "2"},
		HumanMessage("next"),
	})
	require.NoError(t, err)

	msgs := merged.([]Message)
	require.Len(t, msgs, 3)
	assert.Equal(t, "final", msgs[1].Content)
	assert.Equal(t, "next", msgs[2].Content)
	assert.NotEmpty(t, msgs[2].ID)
	assert.Equal(t, "draft", current[1].Content, "input slice was modified")
}

func TestAddMessages_RejectsUnknownShapes(t *testing.T) {
	_, err := AddMessages(nil, 42)
	assert.Error(t, err)
}

func TestToMessages(t *testing.T) {
	msgs, err := ToMessages([]any{
		Message{Type: MessageTypeAI, Content: "a"},
		map[string]any{"role": "user", "content": "b"},
		map[string]any{"type": "system", "content": "c", "id": "x"},
		llms.TextParts(llms.ChatMessageTypeHuman, "d"),
	})
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, MessageTypeAI, msgs[0].Type)
	assert.Equal(t, MessageTypeHuman, msgs[1].Type)
	assert.Equal(t, "x", msgs[2].ID)
	assert.Equal(t, "d", msgs[3].Content)

	_, err = ToMessages(map[string]any{"content": "no role"})
	assert.Error(t, err)
}

func TestMessageFromRole(t *testing.T) {
	assert.Equal(t, MessageTypeHuman, MessageFromRole("User", "x").Type)
	assert.Equal(t, MessageTypeAI, MessageFromRole("assistant", "x").Type)
	assert.Equal(t, MessageTypeTool, MessageFromRole("tool", "x").Type)
	assert.Equal(t, "critic", MessageFromRole("critic", "x").Type)
}

func TestLLMConversion(t *testing.T) {
	in := []Message{
		SystemMessage("sys"),
		HumanMessage("question"),
		{Type: MessageTypeAI, ToolCalls: []ToolCall{{ID: "c1", Name: "search", Args: "{}"}}},
		{Type: MessageTypeTool, ToolCallID: "c1", Name: "search", Content: "result"},
	}
	out := ToLLM(in)
	require.Len(t, out, 4)
	assert.Equal(t, llms.ChatMessageTypeAI, out[2].Role)
	require.Len(t, out[2].Parts, 1)
	assert.IsType(t, llms.ToolCall{}, out[2].Parts[0])

	for i, mc := range out {
		back := FromLLM(mc)
		assert.Equal(t, in[i].Type, back.Type)
		assert.Equal(t, in[i].Content, back.Content)
		assert.Equal(t, in[i].ToolCalls, back.ToolCalls)
		assert.Equal(t, in[i].ToolCallID, back.ToolCallID)
	}
}

func TestMessage_SurvivesSerializer(t *testing.T) {
	s := store.NewJSONSerializer(nil)
	typ, data, err := s.DumpsTyped(map[string]any{"messages": []Message{AIMessage("hi")}})
	require.NoError(t, err)

	v, err := s.LoadsTyped(typ, data)
	require.NoError(t, err)
	msgs, err := ToMessages(v.(map[string]any)["messages"])
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, AIMessage("hi"), msgs[0])
}

func TestMessageChunk_IsEmpty(t *testing.T) {
	assert.True(t, MessageChunk{ID: "x"}.IsEmpty())
	assert.False(t, MessageChunk{Content: "a"}.IsEmpty())
	assert.False(t, MessageChunk{UsageMetadata: map[string]any{"total_tokens": 1}}.IsEmpty())
}
