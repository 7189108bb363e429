package model

import (
	"encoding/json"
	"sort"
)

// Evidence is the matched-condition map accumulated during rule evaluation.
// It preserves insertion order: condition signals are recorded in declaration
// order, so evaluation steps that scan "the first" evidence value behave the
// same on every run.
type Evidence struct {
	keys   []string
	values map[string]any
}

// NewEvidence returns an empty evidence map.
func NewEvidence() *Evidence {
	return &Evidence{values: make(map[string]any)}
}

// Set records a value under key. Setting an existing key replaces the value
// and keeps the original position.
func (e *Evidence) Set(key string, value any) {
	if _, exists := e.values[key]; !exists {
		e.keys = append(e.keys, key)
	}
	e.values[key] = value
}

// Get returns the value stored under key.
func (e *Evidence) Get(key string) (any, bool) {
	v, ok := e.values[key]
	return v, ok
}

// Has reports whether key is present.
func (e *Evidence) Has(key string) bool {
	_, ok := e.values[key]
	return ok
}

// Keys returns the keys in insertion order.
func (e *Evidence) Keys() []string {
	keys := make([]string, len(e.keys))
	copy(keys, e.keys)
	return keys
}

// Len returns the number of recorded entries.
func (e *Evidence) Len() int {
	return len(e.keys)
}

// MarshalJSON renders the evidence as a JSON object in insertion order.
func (e *Evidence) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, key := range e.keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		k, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(e.values[key])
		if err != nil {
			return nil, err
		}
		buf = append(buf, k...)
		buf = append(buf, ':')
		buf = append(buf, v...)
	}
	return append(buf, '}'), nil
}

// UnmarshalJSON loads a JSON object. Source ordering is not recoverable from
// a decoded map, so keys are stored sorted for stable round-trips.
func (e *Evidence) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.keys = e.keys[:0]
	e.values = make(map[string]any, len(raw))
	for key := range raw {
		e.keys = append(e.keys, key)
	}
	sort.Strings(e.keys)
	for key, value := range raw {
		e.values[key] = value
	}
	return nil
}
