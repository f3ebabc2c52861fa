package clock

import (
	"errors"
	"fmt"
)

// MaxCounter is the highest counter a timestamp may carry. It is the
// largest integer a JSON number holds exactly in every decoder.
const MaxCounter uint64 = 1<<53 - 1

// ErrClockExhausted is returned by Tick once the counter reaches MaxCounter.
var ErrClockExhausted = errors.New("clock: counter exhausted")

// Timestamp orders writes to a single field. Higher Counter wins; on a tie
// the lexicographically higher Node wins so every replica picks the same
// winner.
type Timestamp struct {
	Counter uint64
	Node    string
}

// Compare returns -1 if t orders before other, 1 if after, 0 if equal.
func (t Timestamp) Compare(other Timestamp) int {
	switch {
	case t.Counter < other.Counter:
		return -1
	case t.Counter > other.Counter:
		return 1
	case t.Node < other.Node:
		return -1
	case t.Node > other.Node:
		return 1
	default:
		return 0
	}
}

// After reports whether t strictly orders after other.
func (t Timestamp) After(other Timestamp) bool {
	return t.Compare(other) > 0
}

// Valid reports whether t carries a counter a writer can produce.
func (t Timestamp) Valid() bool {
	return t.Counter > 0 && t.Counter <= MaxCounter
}

// IsZero reports whether t was never assigned.
func (t Timestamp) IsZero() bool {
	return t.Counter == 0 && t.Node == ""
}

// String returns a string representation of the timestamp.
func (t Timestamp) String() string {
	return fmt.Sprintf("%d@%s", t.Counter, t.Node)
}

// Lamport is a logical clock owned by one node.
// Thread-safe operations should be handled by the caller.
type Lamport struct {
	nodeID  string
	counter uint64
}

// NewLamport creates a clock for nodeID starting at zero.
func NewLamport(nodeID string) *Lamport {
	return &Lamport{nodeID: nodeID}
}

// Tick advances the clock and returns a fresh timestamp for a local write.
// The counter never passes MaxCounter.
func (l *Lamport) Tick() (Timestamp, error) {
	if l.counter >= MaxCounter {
		return Timestamp{}, ErrClockExhausted
	}
	l.counter++
	return Timestamp{Counter: l.counter, Node: l.nodeID}, nil
}

// Observe moves the clock past a timestamp received from a peer so later
// local writes order after it. Counters above MaxCounter are ignored.
func (l *Lamport) Observe(ts Timestamp) {
	if ts.Counter > l.counter && ts.Counter <= MaxCounter {
		l.counter = ts.Counter
	}
}

// Now returns the current counter without advancing it.
func (l *Lamport) Now() uint64 {
	return l.counter
}
