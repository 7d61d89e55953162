package graph

import (
	"fmt"
	"maps"
	"reflect"
)

// Reducer defines how a state value should be updated.
// It takes the current value and the new value, and returns the merged value.
type Reducer func(current, new any) (any, error)

// StateSchema defines the structure and update logic for the graph state.
type StateSchema interface {
	// Init returns the initial state.
	Init() State

	// Update merges the new values into the current state.
	Update(current State, update map[string]any) (State, error)
}

// MapSchema implements StateSchema with optional per-key reducers.
// Keys without a reducer are overwritten.
type MapSchema struct {
	Reducers map[string]Reducer
}

// NewMapSchema creates a new MapSchema.
func NewMapSchema() *MapSchema {
	return &MapSchema{
		Reducers: make(map[string]Reducer),
	}
}

// NewMessagesSchema returns a schema that merges "messages" with AddMessages.
func NewMessagesSchema() *MapSchema {
	s := NewMapSchema()
	s.RegisterReducer("messages", AddMessages)
	return s
}

// RegisterReducer adds a reducer for a specific key.
func (s *MapSchema) RegisterReducer(key string, reducer Reducer) {
	s.Reducers[key] = reducer
}

// Init returns an empty map.
func (s *MapSchema) Init() State {
	return make(State)
}

// Update returns a new state; current is not modified.
func (s *MapSchema) Update(current State, update map[string]any) (State, error) {
	result := make(State, len(current)+len(update))
	maps.Copy(result, current)

	for k, v := range update {
		reducer, ok := s.Reducers[k]
		if !ok {
			result[k] = v
			continue
		}
		merged, err := reducer(result[k], v)
		if err != nil {
			return nil, fmt.Errorf("failed to reduce key %s: %w", k, err)
		}
		result[k] = merged
	}
	return result, nil
}

// OverwriteReducer replaces the old value with the new one.
func OverwriteReducer(_, new any) (any, error) {
	return new, nil
}

// AppendReducer appends the new value to the current slice.
// It supports appending a slice to a slice, or a single element to a slice.
func AppendReducer(current, new any) (any, error) {
	newVal := reflect.ValueOf(new)
	if current == nil {
		if newVal.Kind() == reflect.Slice {
			return new, nil
		}
		slice := reflect.MakeSlice(reflect.SliceOf(reflect.TypeOf(new)), 0, 1)
		return reflect.Append(slice, newVal).Interface(), nil
	}

	currVal := reflect.ValueOf(current)
	if currVal.Kind() != reflect.Slice {
		return nil, fmt.Errorf("current value is not a slice")
	}

	if newVal.Kind() == reflect.Slice {
		if currVal.Type().Elem() != newVal.Type().Elem() {
			// Element types differ (typically after a checkpoint round-trip), fall back to []any.
			result := make([]any, 0, currVal.Len()+newVal.Len())
			for i := range currVal.Len() {
				result = append(result, currVal.Index(i).Interface())
			}
			for i := range newVal.Len() {
				result = append(result, newVal.Index(i).Interface())
			}
			return result, nil
		}
		return reflect.AppendSlice(currVal, newVal).Interface(), nil
	}

	if !newVal.Type().AssignableTo(currVal.Type().Elem()) {
		result := make([]any, 0, currVal.Len()+1)
		for i := range currVal.Len() {
			result = append(result, currVal.Index(i).Interface())
		}
		return append(result, new), nil
	}
	return reflect.Append(currVal, newVal).Interface(), nil
}
