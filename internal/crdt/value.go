package crdt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNullValue is returned when a present value would encode as JSON null.
// Deletion must use Tombstone instead.
var ErrNullValue = errors.New("crdt: null is not a present value")

var jsonNull = []byte("null")

// Value is either Present (canonical compact JSON) or a Tombstone.
type Value struct {
	raw json.RawMessage
}

// Tombstone returns the deletion marker for a field.
func Tombstone() Value {
	return Value{}
}

// Present encodes v as a field value.
func Present(v any) (Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Value{}, fmt.Errorf("failed to encode value: %w", err)
	}
	return fromRaw(b)
}

// String returns a present string value.
func String(s string) Value {
	b, _ := json.Marshal(s)
	return Value{raw: b}
}

// Int returns a present integer value.
func Int(n int64) Value {
	b, _ := json.Marshal(n)
	return Value{raw: b}
}

// fromRaw normalizes JSON bytes received from the wire. Literal null maps
// to a tombstone only via the wire decoder; here it is an error.
func fromRaw(b []byte) (Value, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return Value{}, fmt.Errorf("invalid value: %w", err)
	}
	if bytes.Equal(buf.Bytes(), jsonNull) {
		return Value{}, ErrNullValue
	}
	return Value{raw: buf.Bytes()}, nil
}

// IsTombstone reports whether the value marks a deleted field.
func (v Value) IsTombstone() bool {
	return v.raw == nil
}

// Raw returns the canonical JSON bytes, or nil for a tombstone.
func (v Value) Raw() json.RawMessage {
	return v.raw
}

// Decode unmarshals a present value into dst.
func (v Value) Decode(dst any) error {
	if v.IsTombstone() {
		return fmt.Errorf("decode tombstone: %w", ErrNullValue)
	}
	return json.Unmarshal(v.raw, dst)
}

// Equal compares two values by their canonical encoding.
func (v Value) Equal(other Value) bool {
	if v.IsTombstone() || other.IsTombstone() {
		return v.IsTombstone() == other.IsTombstone()
	}
	return bytes.Equal(v.raw, other.raw)
}

// String returns the JSON text of the value, or "<tombstone>".
func (v Value) String() string {
	if v.IsTombstone() {
		return "<tombstone>"
	}
	return string(v.raw)
}

// Patch is a set of field writes applied to one row in one call.
type Patch map[string]Value
