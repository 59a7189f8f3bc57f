package blackboard

import (
	"encoding/json"
	"fmt"
)

// Serialization helpers for entries stored in Redis.
//
// Entries are stored as a single JSON string value rather than a hash so that a
// commit is one atomic SETNX: either the whole entry exists for the cycle or none of it.

// EncodeEntry serializes an entry for storage.
func EncodeEntry(e *Entry) (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to marshal entry: %w", err)
	}
	return string(data), nil
}

// DecodeEntry deserializes a stored entry and validates it.
func DecodeEntry(raw string) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("stored entry is invalid: %w", err)
	}
	return &e, nil
}

// encodeValue marshals an arbitrary slot value. json.RawMessage values pass through.
func encodeValue(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("raw value is not valid JSON")
		}
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	return data, nil
}
