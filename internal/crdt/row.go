package crdt

import (
	"sort"

	"github.com/cheddar/seaport/internal/clock"
)

// TypeField is the implicit field views filter on. Tombstoning it removes
// the row from every typed view.
const TypeField = "type"

// FieldVersion is the winning write for one field of a row.
type FieldVersion struct {
	Value     Value
	Timestamp clock.Timestamp
	Signature *Signature
}

// Stamp returns the version's timestamp.
func (fv FieldVersion) Stamp() clock.Timestamp {
	return fv.Timestamp
}

// State is the set of present fields of a row.
type State map[string]Value

// GetString returns the field as a string, or "" if absent or not a string.
func (s State) GetString(field string) string {
	var out string
	if v, ok := s[field]; ok {
		_ = v.Decode(&out)
	}
	return out
}

// GetInt returns the field as an integer, or 0 if absent or not a number.
func (s State) GetInt(field string) int64 {
	var out float64
	if v, ok := s[field]; ok {
		_ = v.Decode(&out)
	}
	return int64(out)
}

// Has reports whether the field is present.
func (s State) Has(field string) bool {
	_, ok := s[field]
	return ok
}

// Fields returns the present field names in sorted order.
func (s State) Fields() []string {
	names := make([]string, 0, len(s))
	for k := range s {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Copy returns an independent copy of the state.
func (s State) Copy() State {
	cp := make(State, len(s))
	for k, v := range s {
		cp[k] = v
	}
	return cp
}

// Row is one addressable entity of the document.
type Row struct {
	id     string
	fields map[string]FieldVersion
}

func newRow(id string) *Row {
	return &Row{id: id, fields: make(map[string]FieldVersion)}
}

// ID returns the row id.
func (r *Row) ID() string {
	return r.id
}

// Get returns the present value of a field.
func (r *Row) Get(field string) (Value, bool) {
	fv, ok := r.fields[field]
	if !ok || fv.Value.IsTombstone() {
		return Value{}, false
	}
	return fv.Value, true
}

// Version returns the winning write for a field, tombstones included.
func (r *Row) Version(field string) (FieldVersion, bool) {
	fv, ok := r.fields[field]
	return fv, ok
}

// State returns a snapshot of the present fields.
func (r *Row) State() State {
	s := make(State, len(r.fields))
	for k, fv := range r.fields {
		if !fv.Value.IsTombstone() {
			s[k] = fv.Value
		}
	}
	return s
}

// Live reports whether the row has at least one present field.
func (r *Row) Live() bool {
	for _, fv := range r.fields {
		if !fv.Value.IsTombstone() {
			return true
		}
	}
	return false
}
