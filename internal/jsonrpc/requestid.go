package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
)

// RequestID is a JSON-RPC id: a string, a number or null. Numeric ids keep
// their original text so that large integers echo back unchanged.
type RequestID struct {
	raw json.RawMessage
}

// NewRequestID builds an id from a string or any Go numeric value. Other
// values produce a null id.
func NewRequestID(value any) *RequestID {
	switch value.(type) {
	case string, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		b, err := json.Marshal(value)
		if err != nil {
			return &RequestID{}
		}
		return &RequestID{raw: b}
	default:
		return &RequestID{}
	}
}

// String returns the id as text: the unquoted string, or the number as it
// appeared on the wire. Null ids return "".
func (id *RequestID) String() string {
	if id.IsNil() {
		return ""
	}
	if id.raw[0] == '"' {
		var s string
		_ = json.Unmarshal(id.raw, &s)
		return s
	}
	return string(id.raw)
}

// IsNil reports whether the id is absent or null.
func (id *RequestID) IsNil() bool {
	return id == nil || len(id.raw) == 0
}

func (id *RequestID) MarshalJSON() ([]byte, error) {
	if id.IsNil() {
		return []byte("null"), nil
	}
	return id.raw, nil
}

func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		id.raw = nil
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("JSON-RPC ID must be a string or number, got: %s", data)
		}
	}
	id.raw = slices.Clone(data)
	return nil
}
