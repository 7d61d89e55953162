package graph

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"

	"github.com/smallnest/chatgraph/store"
)

// Message types, named the way clients of the event stream expect them.
const (
	MessageTypeHuman   = "human"
	MessageTypeAI      = "ai"
	MessageTypeSystem  = "system"
	MessageTypeTool    = "tool"
	MessageTypeAIChunk = "AIMessageChunk"
)

func init() {
	if err := store.RegisterTypeWithValue(Message{}, "chatgraph.Message"); err != nil {
		panic(err)
	}
}

// ToolCall is a model request to invoke a tool. In a chunk, Args may hold a
// fragment of the arguments.
type ToolCall struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	Args string `json:"args,omitempty"`
}

// Message is one entry of a conversation.
type Message struct {
	Type             string         `json:"type"`
	Content          string         `json:"content"`
	Name             string         `json:"name,omitempty"`
	ID               string         `json:"id,omitempty"`
	ToolCallID       string         `json:"tool_call_id,omitempty"`
	ToolCalls        []ToolCall     `json:"tool_calls,omitempty"`
	ResponseMetadata map[string]any `json:"response_metadata,omitempty"`
	UsageMetadata    map[string]any `json:"usage_metadata,omitempty"`
}

// MessageChunk is an incremental piece of a streamed model reply.
type MessageChunk struct {
	ID               string         `json:"id,omitempty"`
	Content          string         `json:"content"`
	ToolCallChunks   []ToolCall     `json:"tool_call_chunks,omitempty"`
	ResponseMetadata map[string]any `json:"response_metadata,omitempty"`
	UsageMetadata    map[string]any `json:"usage_metadata,omitempty"`
}

// IsEmpty reports whether the chunk carries nothing worth forwarding.
func (c MessageChunk) IsEmpty() bool {
	return c.Content == "" && len(c.ToolCallChunks) == 0 &&
		len(c.ResponseMetadata) == 0 && len(c.UsageMetadata) == 0
}

// HumanMessage returns a user message.
func HumanMessage(content string) Message {
	return Message{Type: MessageTypeHuman, Content: content}
}

// AIMessage returns an assistant message.
func AIMessage(content string) Message {
	return Message{Type: MessageTypeAI, Content: content}
}

// SystemMessage returns a system message.
func SystemMessage(content string) Message {
	return Message{Type: MessageTypeSystem, Content: content}
}

// MessageFromRole maps a chat role ("user", "assistant", ...) to a message.
// Unknown roles are kept as the message type.
func MessageFromRole(role, content string) Message {
	switch strings.ToLower(role) {
	case "user", "human":
		return HumanMessage(content)
	case "assistant", "ai":
		return AIMessage(content)
	case "system":
		return SystemMessage(content)
	case "tool":
		return Message{Type: MessageTypeTool, Content: content}
	default:
		return Message{Type: role, Content: content}
	}
}

// AddMessages merges messages by id: a message whose id is already present
// replaces it in place, anything else is appended. Messages without an id
// are given one.
func AddMessages(current, new any) (any, error) {
	existing, err := ToMessages(current)
	if err != nil {
		return nil, fmt.Errorf("current value: %w", err)
	}
	incoming, err := ToMessages(new)
	if err != nil {
		return nil, fmt.Errorf("new value: %w", err)
	}

	result := make([]Message, len(existing), len(existing)+len(incoming))
	copy(result, existing)
	index := make(map[string]int, len(result))
	for i, m := range result {
		if m.ID != "" {
			index[m.ID] = i
		}
	}

	for _, m := range incoming {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if i, ok := index[m.ID]; ok {
			result[i] = m
			continue
		}
		index[m.ID] = len(result)
		result = append(result, m)
	}
	return result, nil
}

// ToMessages converts the shapes a "messages" value may take, including the
// []any produced by a checkpoint round-trip, into a []Message.
func ToMessages(v any) ([]Message, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case Message:
		return []Message{x}, nil
	case *Message:
		return []Message{*x}, nil
	case []Message:
		return x, nil
	case []*Message:
		out := make([]Message, 0, len(x))
		for _, m := range x {
			out = append(out, *m)
		}
		return out, nil
	case llms.MessageContent:
		return []Message{FromLLM(x)}, nil
	case []llms.MessageContent:
		out := make([]Message, 0, len(x))
		for _, m := range x {
			out = append(out, FromLLM(m))
		}
		return out, nil
	case map[string]any:
		m, err := messageFromMap(x)
		if err != nil {
			return nil, err
		}
		return []Message{m}, nil
	case []any:
		out := make([]Message, 0, len(x))
		for _, item := range x {
			ms, err := ToMessages(item)
			if err != nil {
				return nil, err
			}
			out = append(out, ms...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported message value %T", v)
	}
}

func messageFromMap(m map[string]any) (Message, error) {
	content, _ := m["content"].(string)
	var msg Message
	switch {
	case m["type"] != nil:
		t, _ := m["type"].(string)
		msg = Message{Type: t, Content: content}
	case m["role"] != nil:
		r, _ := m["role"].(string)
		msg = MessageFromRole(r, content)
	default:
		return Message{}, fmt.Errorf("message map has neither type nor role")
	}
	msg.Name, _ = m["name"].(string)
	msg.ID, _ = m["id"].(string)
	msg.ToolCallID, _ = m["tool_call_id"].(string)
	return msg, nil
}

// ToLLM converts messages to the langchaingo representation.
func ToLLM(msgs []Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(msgs))
	for _, m := range msgs {
		switch m.Type {
		case MessageTypeHuman:
			out = append(out, llms.TextParts(llms.ChatMessageTypeHuman, m.Content))
		case MessageTypeSystem:
			out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, m.Content))
		case MessageTypeAI, MessageTypeAIChunk:
			mc := llms.MessageContent{Role: llms.ChatMessageTypeAI}
			if m.Content != "" || len(m.ToolCalls) == 0 {
				mc.Parts = append(mc.Parts, llms.TextPart(m.Content))
			}
			for _, tc := range m.ToolCalls {
				mc.Parts = append(mc.Parts, llms.ToolCall{
					ID:           tc.ID,
					Type:         "function",
					FunctionCall: &llms.FunctionCall{Name: tc.Name, Arguments: tc.Args},
				})
			}
			out = append(out, mc)
		case MessageTypeTool:
			out = append(out, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{llms.ToolCallResponse{
					ToolCallID: m.ToolCallID,
					Name:       m.Name,
					Content:    m.Content,
				}},
			})
		default:
			out = append(out, llms.TextParts(llms.ChatMessageTypeGeneric, m.Content))
		}
	}
	return out
}

// FromLLM converts a langchaingo message.
func FromLLM(mc llms.MessageContent) Message {
	var m Message
	switch mc.Role {
	case llms.ChatMessageTypeHuman:
		m.Type = MessageTypeHuman
	case llms.ChatMessageTypeAI:
		m.Type = MessageTypeAI
	case llms.ChatMessageTypeSystem:
		m.Type = MessageTypeSystem
	case llms.ChatMessageTypeTool:
		m.Type = MessageTypeTool
	default:
		m.Type = string(mc.Role)
	}

	var text strings.Builder
	for _, part := range mc.Parts {
		switch p := part.(type) {
		case llms.TextContent:
			text.WriteString(p.Text)
		case llms.ToolCall:
			tc := ToolCall{ID: p.ID}
			if p.FunctionCall != nil {
				tc.Name = p.FunctionCall.Name
				tc.Args = p.FunctionCall.Arguments
			}
			m.ToolCalls = append(m.ToolCalls, tc)
		case llms.ToolCallResponse:
			m.ToolCallID = p.ToolCallID
			m.Name = p.Name
			text.WriteString(p.Content)
		}
	}
	m.Content = text.String()
	return m
}
