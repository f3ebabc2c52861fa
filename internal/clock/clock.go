package clock

import (
	"fmt"
	"sort"
	"strings"
)

// Vector maps a writer node ID to the highest counter observed from it.
// Thread-safe operations should be handled by the caller.
type Vector map[string]uint64

// NewVector creates a new empty vector.
func NewVector() Vector {
	return make(Vector)
}

// Get returns the counter recorded for the given node ID, or 0 if not present.
func (v Vector) Get(nodeID string) uint64 {
	return v[nodeID]
}

// Observe records ts if it is newer than what is known for its writer.
// Returns true if the vector advanced.
func (v Vector) Observe(ts Timestamp) bool {
	if v[ts.Node] >= ts.Counter {
		return false
	}
	v[ts.Node] = ts.Counter
	return true
}

// Covers reports whether a write with timestamp ts is already reflected
// in this vector.
func (v Vector) Covers(ts Timestamp) bool {
	return v[ts.Node] >= ts.Counter
}

// Merge takes the maximum counter for each node ID.
func (v Vector) Merge(other Vector) {
	for nodeID, counter := range other {
		if v[nodeID] < counter {
			v[nodeID] = counter
		}
	}
}

// Copy creates a deep copy of the vector.
func (v Vector) Copy() Vector {
	cp := NewVector()
	for k, c := range v {
		cp[k] = c
	}
	return cp
}

// Equal checks if two vectors hold the same counters.
func (v Vector) Equal(other Vector) bool {
	if len(v) != len(other) {
		return false
	}
	for nodeID, counter := range v {
		if c, ok := other[nodeID]; !ok || c != counter {
			return false
		}
	}
	return true
}

// String returns a string representation of the vector.
func (v Vector) String() string {
	if len(v) == 0 {
		return "{}"
	}

	// Sort for deterministic output
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:%d", k, v[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
