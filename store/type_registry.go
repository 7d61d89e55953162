package store

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// TypeRegistry maps Go types to stable names so typed channel values survive
// a round-trip through the serializer.
type TypeRegistry struct {
	mu                sync.RWMutex
	typeNameToType    map[string]reflect.Type
	typeToName        map[reflect.Type]string
	jsonMarshallers   map[reflect.Type]func(any) ([]byte, error)
	jsonUnmarshallers map[reflect.Type]func([]byte) (any, error)
}

// NewTypeRegistry returns an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		typeNameToType:    make(map[string]reflect.Type),
		typeToName:        make(map[reflect.Type]string),
		jsonMarshallers:   make(map[reflect.Type]func(any) ([]byte, error)),
		jsonUnmarshallers: make(map[reflect.Type]func([]byte) (any, error)),
	}
}

var globalTypeRegistry = NewTypeRegistry()

// GlobalTypeRegistry returns the registry used by the default serializer.
func GlobalTypeRegistry() *TypeRegistry {
	return globalTypeRegistry
}

// RegisterTypeWithValue registers the type of value in the global registry.
//
//	store.RegisterTypeWithValue(graph.Message{}, "Message")
func RegisterTypeWithValue(value any, typeName string) error {
	return globalTypeRegistry.Register(reflect.TypeOf(value), typeName)
}

// Register adds a struct (or pointer to struct) type under typeName.
func (r *TypeRegistry) Register(t reflect.Type, typeName string) error {
	if t == nil {
		return fmt.Errorf("cannot register nil type as %s", typeName)
	}
	base := t
	if base.Kind() == reflect.Ptr {
		base = base.Elem()
	}
	if base.Kind() != reflect.Struct {
		return fmt.Errorf("type %s must be a struct or pointer to struct", t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existingName, ok := r.typeToName[t]; ok && existingName != typeName {
		return fmt.Errorf("type %v already registered as %s", t, existingName)
	}
	if existing, ok := r.typeNameToType[typeName]; ok && existing != t {
		return fmt.Errorf("name %s already registered for %v", typeName, existing)
	}

	r.typeNameToType[typeName] = t
	r.typeToName[t] = typeName
	return nil
}

// RegisterWithCustomSerialization registers a type with its own JSON codec.
func (r *TypeRegistry) RegisterWithCustomSerialization(
	t reflect.Type,
	typeName string,
	marshalFunc func(any) ([]byte, error),
	unmarshalFunc func([]byte) (any, error),
) error {
	if err := r.Register(t, typeName); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.jsonMarshallers[t] = marshalFunc
	r.jsonUnmarshallers[t] = unmarshalFunc
	return nil
}

// TypeByName returns the type registered under typeName.
func (r *TypeRegistry) TypeByName(typeName string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.typeNameToType[typeName]
	return t, ok
}

// TypeName returns the registered name for t.
func (r *TypeRegistry) TypeName(t reflect.Type) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.typeToName[t]
	return name, ok
}

// typedValue is the on-the-wire envelope for a registered type.
type typedValue struct {
	Type  string          `json:"_type"`
	Value json.RawMessage `json:"_value"`
}

// encode walks v and wraps every registered value in a typedValue envelope.
// Maps with string keys and slices are walked recursively.
func (r *TypeRegistry) encode(v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	t := reflect.TypeOf(v)
	if name, ok := r.TypeName(t); ok {
		r.mu.RLock()
		marshal := r.jsonMarshallers[t]
		r.mu.RUnlock()
		if marshal == nil {
			marshal = json.Marshal
		}
		data, err := marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s: %w", name, err)
		}
		return typedValue{Type: name, Value: data}, nil
	}

	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			ev, err := r.encode(e)
			if err != nil {
				return nil, err
			}
			out[k] = ev
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			ev, err := r.encode(e)
			if err != nil {
				return nil, err
			}
			out[i] = ev
		}
		return out, nil
	case []byte, json.RawMessage:
		return v, nil
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice {
		if _, ok := r.TypeName(t.Elem()); ok {
			out := make([]any, rv.Len())
			for i := range rv.Len() {
				ev, err := r.encode(rv.Index(i).Interface())
				if err != nil {
					return nil, err
				}
				out[i] = ev
			}
			return out, nil
		}
	}
	return v, nil
}

// decode reverses encode on a tree produced by encoding/json.
func (r *TypeRegistry) decode(v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		if name, ok := x["_type"].(string); ok && len(x) == 2 {
			if raw, ok := x["_value"]; ok {
				return r.instantiate(name, raw)
			}
		}
		out := make(map[string]any, len(x))
		for k, e := range x {
			dv, err := r.decode(e)
			if err != nil {
				return nil, err
			}
			out[k] = dv
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			dv, err := r.decode(e)
			if err != nil {
				return nil, err
			}
			out[i] = dv
		}
		return out, nil
	default:
		return v, nil
	}
}

func (r *TypeRegistry) instantiate(name string, raw any) (any, error) {
	t, ok := r.TypeByName(name)
	if !ok {
		return nil, fmt.Errorf("unknown type: %s", name)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode %s: %w", name, err)
	}

	r.mu.RLock()
	unmarshal := r.jsonUnmarshallers[t]
	r.mu.RUnlock()
	if unmarshal != nil {
		return unmarshal(data)
	}

	if t.Kind() == reflect.Ptr {
		ptr := reflect.New(t.Elem())
		if err := json.Unmarshal(data, ptr.Interface()); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", name, err)
		}
		return ptr.Interface(), nil
	}
	ptr := reflect.New(t)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", name, err)
	}
	return ptr.Elem().Interface(), nil
}
