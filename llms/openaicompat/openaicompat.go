// Package openaicompat adapts github.com/sashabaranov/go-openai to the
// langchaingo llms.Model interface so any OpenAI-compatible endpoint can
// drive graph nodes.
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/tmc/langchaingo/llms"
)

var (
	ErrEmptyResponse = errors.New("no response")
	ErrMissingToken  = errors.New("openaicompat: API key is not set")
)

// LLM is a chat model served by an OpenAI-compatible API.
type LLM struct {
	client *openai.Client
	model  string
}

var _ llms.Model = (*LLM)(nil)

// New returns a client. The API key defaults to OPENAI_API_KEY.
//
//	llm, err := openaicompat.New(
//		openaicompat.WithToken(key),
//		openaicompat.WithBaseURL("https://generativelanguage.googleapis.com/v1beta/openai/"),
//		openaicompat.WithModel("gemini-2.5-flash"),
//	)
func New(opts ...Option) (*LLM, error) {
	o := &options{
		token:   getEnvOrDefault("OPENAI_API_KEY", ""),
		baseURL: DefaultBaseURL,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.token == "" {
		return nil, ErrMissingToken
	}

	cfg := openai.DefaultConfig(o.token)
	cfg.BaseURL = o.baseURL
	if o.httpClient != nil {
		cfg.HTTPClient = o.httpClient
	}
	return &LLM{client: openai.NewClientWithConfig(cfg), model: o.model}, nil
}

// Call generates a response from the LLM for the given prompt.
func (o *LLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, o, prompt, options...)
}

// GenerateContent implements the Model interface. The request is streamed
// when a streaming func is set.
func (o *LLM) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	opts := &llms.CallOptions{}
	for _, opt := range options {
		opt(opts)
	}

	req := openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    toOpenAI(messages),
		Temperature: float32(opts.Temperature),
		TopP:        float32(opts.TopP),
		MaxTokens:   opts.MaxTokens,
		Stop:        opts.StopWords,
	}
	if opts.Model != "" {
		req.Model = opts.Model
	}
	for _, tool := range opts.Tools {
		if tool.Function == nil {
			continue
		}
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Function.Name,
				Description: tool.Function.Description,
				Parameters:  tool.Function.Parameters,
			},
		})
	}

	if opts.StreamingFunc != nil {
		return o.stream(ctx, req, opts.StreamingFunc)
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}
	choice := resp.Choices[0]
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		Content:        choice.Message.Content,
		StopReason:     string(choice.FinishReason),
		ToolCalls:      fromOpenAIToolCalls(choice.Message.ToolCalls),
		GenerationInfo: usageInfo(&resp.Usage),
	}}}, nil
}

func (o *LLM) stream(ctx context.Context, req openai.ChatCompletionRequest, fn func(context.Context, []byte) error) (*llms.ContentResponse, error) {
	req.Stream = true
	req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	s, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("chat completion stream failed: %w", err)
	}
	defer s.Close()

	var (
		content strings.Builder
		finish  string
		usage   *openai.Usage
		seen    bool
		// tool call fragments keyed by their stream index
		calls = make(map[int]*openai.ToolCall)
	)
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("chat completion stream failed: %w", err)
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		seen = true
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finish = string(choice.FinishReason)
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			acc, ok := calls[idx]
			if !ok {
				acc = &openai.ToolCall{Type: openai.ToolTypeFunction}
				calls[idx] = acc
			}
			if tc.ID != "" {
				acc.ID = tc.ID
			}
			acc.Function.Name += tc.Function.Name
			acc.Function.Arguments += tc.Function.Arguments
		}
		if choice.Delta.Content == "" {
			continue
		}
		content.WriteString(choice.Delta.Content)
		if err := fn(ctx, []byte(choice.Delta.Content)); err != nil {
			return nil, err
		}
	}
	if !seen {
		return nil, ErrEmptyResponse
	}

	indexes := make([]int, 0, len(calls))
	for idx := range calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	toolCalls := make([]openai.ToolCall, 0, len(indexes))
	for _, idx := range indexes {
		toolCalls = append(toolCalls, *calls[idx])
	}

	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		Content:        content.String(),
		StopReason:     finish,
		ToolCalls:      fromOpenAIToolCalls(toolCalls),
		GenerationInfo: usageInfo(usage),
	}}}, nil
}

func toOpenAI(messages []llms.MessageContent) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		m := openai.ChatCompletionMessage{}
		switch msg.Role {
		case llms.ChatMessageTypeSystem:
			m.Role = openai.ChatMessageRoleSystem
		case llms.ChatMessageTypeAI:
			m.Role = openai.ChatMessageRoleAssistant
		case llms.ChatMessageTypeTool:
			m.Role = openai.ChatMessageRoleTool
		default:
			m.Role = openai.ChatMessageRoleUser
		}

		var content strings.Builder
		for _, part := range msg.Parts {
			switch p := part.(type) {
			case llms.TextContent:
				content.WriteString(p.Text)
			case llms.ToolCall:
				tc := openai.ToolCall{ID: p.ID, Type: openai.ToolTypeFunction}
				if p.FunctionCall != nil {
					tc.Function = openai.FunctionCall{Name: p.FunctionCall.Name, Arguments: p.FunctionCall.Arguments}
				}
				m.ToolCalls = append(m.ToolCalls, tc)
			case llms.ToolCallResponse:
				m.ToolCallID = p.ToolCallID
				m.Name = p.Name
				content.WriteString(p.Content)
			}
		}
		m.Content = content.String()
		out = append(out, m)
	}
	return out
}

func fromOpenAIToolCalls(calls []openai.ToolCall) []llms.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]llms.ToolCall, 0, len(calls))
	for _, tc := range calls {
		out = append(out, llms.ToolCall{
			ID:   tc.ID,
			Type: string(tc.Type),
			FunctionCall: &llms.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return out
}

// usageInfo uses the same keys as langchaingo's openai provider.
func usageInfo(u *openai.Usage) map[string]any {
	if u == nil || u.TotalTokens == 0 {
		return map[string]any{}
	}
	return map[string]any{
		"PromptTokens":     u.PromptTokens,
		"CompletionTokens": u.CompletionTokens,
		"TotalTokens":      u.TotalTokens,
	}
}
