package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/smallnest/chatgraph/graph"
)

// Kinds and names of the events the Runner and Gateway add to a stream.
const (
	KindUserMessage  = "user_message"
	KindEnd          = "end"
	EventUserMessage = "user_message"
	EventError       = "error"
	EventCompleted   = "completed"
)

// Event is one normalized record of a chat stream.
type Event struct {
	Kind  string `json:"kind"`
	Event string `json:"event"`
	Data  any    `json:"data"`
	// Index is the position of a user_message event in the request.
	Index int `json:"index,omitempty"`
}

// ErrorEvent returns the terminal event reporting err.
func ErrorEvent(err error) Event {
	return Event{Kind: KindEnd, Event: EventError, Data: err.Error()}
}

// IsError reports whether ev is the terminal error event.
func (ev Event) IsError() bool {
	return ev.Kind == KindEnd && ev.Event == EventError
}

// IsEnd reports whether ev terminates a stream.
func (ev Event) IsEnd() bool {
	return ev.Kind == KindEnd
}

// ErrUnserializable is returned by Serialize for values with no JSON form.
var ErrUnserializable = errors.New("value cannot be serialized")

// Serialize converts v into values encoding/json can write. Messages become
// {type, content, name, id}, commands become {type: "Command", ...}, and
// containers and structs are converted element by element.
func Serialize(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return x, nil
	case graph.Message:
		return serializeMessage(x.Type, x.Content, x.Name, x.ID), nil
	case *graph.Message:
		if x == nil {
			return nil, nil
		}
		return serializeMessage(x.Type, x.Content, x.Name, x.ID), nil
	case graph.MessageChunk:
		return serializeMessage(graph.MessageTypeAIChunk, x.Content, "", x.ID), nil
	case *graph.MessageChunk:
		if x == nil {
			return nil, nil
		}
		return serializeMessage(graph.MessageTypeAIChunk, x.Content, "", x.ID), nil
	case graph.Command:
		return serializeCommand(&x)
	case *graph.Command:
		if x == nil {
			return nil, nil
		}
		return serializeCommand(x)
	case []byte:
		return x, nil
	case json.Marshaler:
		data, err := json.Marshal(x)
		if err != nil {
			return nil, err
		}
		var out any
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, err
		}
		return out, nil
	case error:
		return x.Error(), nil
	}
	return serializeValue(reflect.ValueOf(v))
}

func serializeMessage(typ, content, name, id string) map[string]any {
	return map[string]any{"type": typ, "content": content, "name": name, "id": id}
}

func serializeCommand(c *graph.Command) (any, error) {
	update, err := Serialize(c.Update)
	if err != nil {
		return nil, err
	}
	gotoVal, err := Serialize(c.Goto)
	if err != nil {
		return nil, err
	}
	resume, err := Serialize(c.Resume)
	if err != nil {
		return nil, err
	}
	skip := make([]any, len(c.Skip))
	for i, s := range c.Skip {
		skip[i] = s
	}
	return map[string]any{
		"type":   "Command",
		"goto":   gotoVal,
		"update": update,
		"skip":   skip,
		"resume": resume,
	}, nil
}

func serializeValue(rv reflect.Value) (any, error) {
	switch rv.Kind() {
	case reflect.Invalid:
		return nil, nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return Serialize(rv.Elem().Interface())
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Map:
		if rv.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			val, err := Serialize(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(iter.Key().Interface())] = val
		}
		return out, nil
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		out := make([]any, rv.Len())
		for i := range rv.Len() {
			val, err := Serialize(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = val
		}
		return out, nil
	case reflect.Struct:
		return serializeStruct(rv)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnserializable, rv.Type())
	}
}

// serializeStruct follows the json tags of exported fields.
func serializeStruct(rv reflect.Value) (any, error) {
	t := rv.Type()
	out := make(map[string]any, t.NumField())
	for i := range t.NumField() {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		omitEmpty := false
		if tag, ok := f.Tag.Lookup("json"); ok {
			if tag == "-" {
				continue
			}
			parts := strings.Split(tag, ",")
			if parts[0] != "" {
				name = parts[0]
			}
			for _, p := range parts[1:] {
				if p == "omitempty" {
					omitEmpty = true
				}
			}
		}
		fv := rv.Field(i)
		if omitEmpty && fv.IsZero() {
			continue
		}
		val, err := Serialize(fv.Interface())
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		out[name] = val
	}
	return out, nil
}

// isEmptyChunk reports whether data carries a model chunk with nothing in it.
func isEmptyChunk(data map[string]any) bool {
	chunk, ok := data["chunk"]
	if !ok {
		return false
	}
	switch c := chunk.(type) {
	case graph.MessageChunk:
		return c.IsEmpty()
	case *graph.MessageChunk:
		return c == nil || c.IsEmpty()
	case map[string]any:
		if _, ok := c["content"]; !ok {
			return false
		}
		for _, key := range []string{"content", "tool_calls", "tool_call_chunks", "response_metadata", "usage_metadata"} {
			if !isEmptyValue(c[key]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	default:
		return false
	}
}
