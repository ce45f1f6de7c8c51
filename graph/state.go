package graph

import (
	"fmt"
	"reflect"
	"sync"
)

// State is the mutable record threaded through every node. Nodes never modify
// the state they receive; they return a partial State that the executor merges
// via the schema's reducers.
type State map[string]any

// Clone returns a shallow copy of the state.
func (s State) Clone() State {
	clone := make(State, len(s))
	for k, v := range s {
		clone[k] = v
	}
	return clone
}

// Reducer merges a node's update for one key into the existing value.
type Reducer func(existing, update any) any

// Field describes one state key: its Go type and how updates merge into it.
type Field struct {
	Type    reflect.Type
	Reducer Reducer
	Default func() any
}

// Schema defines the keys of a graph's state and the per-key merge strategy.
// The append-vs-replace distinction lives here, not in node code, so a node
// cannot accidentally truncate an append-only sequence.
type Schema struct {
	mu     sync.RWMutex
	fields map[string]Field
}

// NewSchema creates an empty state schema.
func NewSchema() *Schema {
	return &Schema{fields: make(map[string]Field)}
}

// AddField registers a field. A nil reducer means replace.
func (s *Schema) AddField(name string, f Field) *Schema {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.Reducer == nil {
		f.Reducer = ReplaceReducer
	}
	s.fields[name] = f
	return s
}

// ApplyUpdate merges a partial update into state and returns the new state.
// Keys without a registered field are replaced wholesale.
func (s *Schema) ApplyUpdate(state, update State) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := state.Clone()
	for key, value := range update {
		field, ok := s.fields[key]
		if !ok {
			result[key] = value
			continue
		}
		existing, present := result[key]
		if !present && field.Default != nil {
			existing = field.Default()
		}
		result[key] = field.Reducer(existing, value)
	}
	return result
}

// Validate checks state values against the declared field types.
func (s *Schema) Validate(state State) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for name, field := range s.fields {
		value, ok := state[name]
		if !ok || value == nil || field.Type == nil {
			continue
		}
		if vt := reflect.TypeOf(value); !vt.AssignableTo(field.Type) {
			return fmt.Errorf("state field %s: expected %v, got %v", name, field.Type, vt)
		}
	}
	return nil
}

// ReplaceReducer overwrites the existing value with the update.
func ReplaceReducer(existing, update any) any {
	return update
}

// AppendAnyReducer appends update to existing when both are []any.
func AppendAnyReducer(existing, update any) any {
	if existing == nil {
		existing = []any{}
	}
	es, ok1 := existing.([]any)
	us, ok2 := update.([]any)
	if !ok1 || !ok2 {
		return update
	}
	out := make([]any, 0, len(es)+len(us))
	out = append(out, es...)
	return append(out, us...)
}

// AppendStringsReducer appends update to existing when both are []string.
func AppendStringsReducer(existing, update any) any {
	if existing == nil {
		existing = []string{}
	}
	es, ok1 := existing.([]string)
	us, ok2 := update.([]string)
	if !ok1 || !ok2 {
		return update
	}
	out := make([]string, 0, len(es)+len(us))
	out = append(out, es...)
	return append(out, us...)
}

// MergeMapReducer merges update into existing when both are map[string]any.
func MergeMapReducer(existing, update any) any {
	if existing == nil {
		existing = map[string]any{}
	}
	em, ok1 := existing.(map[string]any)
	um, ok2 := update.(map[string]any)
	if !ok1 || !ok2 {
		return update
	}
	out := make(map[string]any, len(em)+len(um))
	for k, v := range em {
		out[k] = v
	}
	for k, v := range um {
		out[k] = v
	}
	return out
}

// AppendReducerOf returns a reducer that appends []T updates to []T state.
// Mismatched types fall back to replace.
func AppendReducerOf[T any]() Reducer {
	return func(existing, update any) any {
		if existing == nil {
			existing = []T{}
		}
		es, ok1 := existing.([]T)
		us, ok2 := update.([]T)
		if !ok1 || !ok2 {
			return update
		}
		out := make([]T, 0, len(es)+len(us))
		out = append(out, es...)
		return append(out, us...)
	}
}
