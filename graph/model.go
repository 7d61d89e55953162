package graph

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"
)

// CallModel sends msgs to model with streaming enabled and returns the
// assistant reply. When the graph is streamed, the call is reported as
// on_chat_model_start, one on_chat_model_stream per chunk, and
// on_chat_model_end. name labels those events, usually the calling node.
func CallModel(ctx context.Context, model llms.Model, name string, msgs []Message, opts ...llms.CallOption) (Message, error) {
	em := emitterFrom(ctx)
	id := "run-" + uuid.NewString()

	if err := em.emit(EventChatModelStart, name, map[string]any{"input": map[string]any{"messages": msgs}}); err != nil {
		return Message{}, err
	}

	stream := func(ctx context.Context, chunk []byte) error {
		return em.emit(EventChatModelStream, name, map[string]any{
			"chunk": MessageChunk{ID: id, Content: string(chunk)},
		})
	}
	callOpts := append([]llms.CallOption{llms.WithStreamingFunc(stream)}, opts...)

	resp, err := model.GenerateContent(ctx, ToLLM(msgs), callOpts...)
	if err != nil {
		return Message{}, fmt.Errorf("model call failed: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return Message{}, fmt.Errorf("model returned no choices")
	}

	choice := resp.Choices[0]
	reply := Message{
		Type:    MessageTypeAI,
		Content: choice.Content,
		ID:      id,
	}
	for _, tc := range choice.ToolCalls {
		call := ToolCall{ID: tc.ID}
		if tc.FunctionCall != nil {
			call.Name = tc.FunctionCall.Name
			call.Args = tc.FunctionCall.Arguments
		}
		reply.ToolCalls = append(reply.ToolCalls, call)
	}
	if choice.StopReason != "" {
		reply.ResponseMetadata = map[string]any{"finish_reason": choice.StopReason}
	}
	reply.UsageMetadata = usageFrom(choice.GenerationInfo)

	if err := em.emit(EventChatModelEnd, name, map[string]any{"output": reply}); err != nil {
		return Message{}, err
	}
	return reply, nil
}

// usageFrom picks token counts out of the provider's generation info.
func usageFrom(info map[string]any) map[string]any {
	if len(info) == 0 {
		return nil
	}
	usage := make(map[string]any)
	for src, dst := range map[string]string{
		"PromptTokens":     "input_tokens",
		"CompletionTokens": "output_tokens",
		"TotalTokens":      "total_tokens",
	} {
		if v, ok := info[src]; ok {
			usage[dst] = v
		}
	}
	if len(usage) == 0 {
		return nil
	}
	return usage
}
