// Package models defines state management structures for Helena products.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Fields holds typed values collected by a product, keyed by field name.
// Values are strings, string lists or JSON-shaped nested structures; keys
// are always strings so persistence round-trips never change key types.
type Fields map[string]interface{}

// String returns the value under key if it is a string.
func (f Fields) String(key string) (string, bool) {
	v, ok := f[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Strings returns the value under key if it is a list of strings. An
// explicitly stored empty list is returned as a non-nil empty slice with
// ok == true, which callers use to tell "answered none" from "absent".
func (f Fields) Strings(key string) ([]string, bool) {
	v, ok := f[key]
	if !ok {
		return nil, false
	}
	switch t := v.(type) {
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out, true
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

// Has reports whether key is present.
func (f Fields) Has(key string) bool {
	_, ok := f[key]
	return ok
}

// Encode stores v under key in its generic JSON shape.
func (f Fields) Encode(key string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode field %s: %w", key, err)
	}
	var generic interface{}
	if err := json.Unmarshal(b, &generic); err != nil {
		return fmt.Errorf("failed to normalize field %s: %w", key, err)
	}
	f[key] = generic
	return nil
}

// Decode unmarshals the value under key into out. It returns false when the
// key is absent.
func (f Fields) Decode(key string, out interface{}) (bool, error) {
	v, ok := f[key]
	if !ok {
		return false, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return true, fmt.Errorf("failed to marshal field %s: %w", key, err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return true, fmt.Errorf("failed to decode field %s: %w", key, err)
	}
	return true, nil
}

// Clone returns a deep copy in generic JSON shape.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	if len(f) == 0 {
		return out
	}
	b, err := json.Marshal(f)
	if err != nil {
		// Values are JSON-shaped by construction; fall back to a shallow copy.
		for k, v := range f {
			out[k] = v
		}
		return out
	}
	if err := json.Unmarshal(b, &out); err != nil {
		for k, v := range f {
			out[k] = v
		}
	}
	return out
}

// ConversationState is the serializable state of one in-progress product
// instance within a session.
type ConversationState struct {
	SessionID    string    `json:"session_id"` // history reference owned by the session layer
	Product      string    `json:"product"`
	CurrentState string    `json:"current_state"`
	Collected    Fields    `json:"collected_fields"`
	Temp         Fields    `json:"temp_fields,omitempty"`
	Version      int64     `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewConversationState creates an empty state positioned at the given state.
func NewConversationState(sessionID, product, initial string) ConversationState {
	return ConversationState{
		SessionID:    sessionID,
		Product:      product,
		CurrentState: initial,
		Collected:    Fields{},
		Temp:         Fields{},
	}
}

// Clone returns a deep copy of the state.
func (s ConversationState) Clone() ConversationState {
	out := s
	out.Collected = s.Collected.Clone()
	out.Temp = s.Temp.Clone()
	return out
}

// CacheKey identifies a product state in caches.
func (s ConversationState) CacheKey() string {
	return StateCacheKey(s.SessionID, s.Product)
}

// StateCacheKey builds the cache key for a session/product pair.
func StateCacheKey(sessionID, product string) string {
	return sessionID + ":" + product
}
