// Package bucket implements the fundamental versioned record the rest of
// the control plane reads and writes: a (serial, key) keyed schemaless
// value with a monotonically increasing revision and a server-assigned
// timestamp (spec §3).
package bucket

import "strings"

// Value is the schemaless field map carried by a bucket. Values are plain
// JSON-representable Go types (nil, bool, float64, string, []any, map
// string]any) as produced by encoding/json unmarshalling into interface{}.
type Value map[string]any

// Clone returns a shallow copy of v; nested maps/slices are shared.
func (v Value) Clone() Value {
	if v == nil {
		return nil
	}
	out := make(Value, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Equal reports whether two values are field-for-field equal. Comparison is
// by JSON-equivalent deep equality; order of map keys never matters.
func (v Value) Equal(other Value) bool {
	if len(v) != len(other) {
		return false
	}
	for k, a := range v {
		b, ok := other[k]
		if !ok {
			return false
		}
		if !deepEqual(a, b) {
			return false
		}
	}
	return true
}

func deepEqual(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v1 := range av {
			v2, ok := bv[k]
			if !ok || !deepEqual(v1, v2) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// Merge applies incoming field-wise on top of stored and returns the merged
// result. Per spec §9 (Dynamic dicts), merge is a shallow override of
// top-level keys: any key present in incoming replaces the stored field
// entirely; keys absent from incoming are carried over unchanged.
func Merge(stored, incoming Value) Value {
	merged := stored.Clone()
	if merged == nil {
		merged = Value{}
	}
	for k, v := range incoming {
		merged[k] = v
	}
	return merged
}

// Bucket is the fundamental unit of state: identity (Serial, Key), a
// monotonically increasing Revision, a server-assigned millisecond
// Timestamp, and a schemaless Value (spec §3).
type Bucket struct {
	Serial    string `json:"-"`
	Key       string `json:"object_key"`
	Revision  int64  `json:"object_revision"`
	Timestamp int64  `json:"object_timestamp"`
	Value     Value  `json:"value,omitempty"`
	UpdatedAt int64  `json:"-"` // wall-clock ms of last write, diagnostics only
}

// Clone returns a deep-enough copy for safe independent mutation of Value.
func (b *Bucket) Clone() *Bucket {
	if b == nil {
		return nil
	}
	cp := *b
	cp.Value = b.Value.Clone()
	return &cp
}

// Kind returns the dotted key's leading component ("device", "shared",
// "structure", "user", "device_alert_dialog", ...).
func Kind(key string) string {
	if idx := strings.LastIndex(key, "."); idx >= 0 {
		return key[:idx]
	}
	return key
}

// ID returns the dotted key's trailing component (the serial, structure id,
// or user id the key is scoped to).
func ID(key string) string {
	if idx := strings.LastIndex(key, "."); idx >= 0 {
		return key[idx+1:]
	}
	return ""
}

// Key builds a dotted "kind.id" bucket key.
func Key(kind, id string) string {
	return kind + "." + id
}

// DeviceKey, SharedKey, StructureKey, UserKey, and AlertDialogKey build the
// bucket keys for the closed set of kinds spec §3 names.
func DeviceKey(serial string) string       { return Key("device", serial) }
func SharedKey(serial string) string       { return Key("shared", serial) }
func StructureKey(id string) string        { return Key("structure", id) }
func UserKey(id string) string             { return Key("user", id) }
func AlertDialogKey(serial string) string  { return Key("device_alert_dialog", serial) }
