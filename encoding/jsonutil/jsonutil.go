// Package jsonutil provides JSON value helpers shared by the KV replica
// and the replication coordinator.
package jsonutil

import (
	"bytes"
	"encoding/json"
	"reflect"
)

// Equal compares two JSON payloads by value, so differences in key order
// or whitespace between writers do not break swap expectations. nil
// compares equal only to nil or JSON null.
func Equal(a, b []byte) bool {
	if a == nil || b == nil {
		return IsNull(a) && IsNull(b)
	}
	if bytes.Equal(a, b) {
		return true
	}
	var av, bv interface{}
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

// IsNull reports whether v is absent or the JSON null literal.
func IsNull(v []byte) bool {
	return v == nil || bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// NormalizeNull maps an absent or JSON-null payload onto nil.
func NormalizeNull(v json.RawMessage) []byte {
	if len(v) == 0 || IsNull(v) {
		return nil
	}
	return v
}
