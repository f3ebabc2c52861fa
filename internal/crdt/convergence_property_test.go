package crdt

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cheddar/seaport/internal/clock"
)

// drawUpdates generates updates over a small key space so fields collide.
func drawUpdates(t *rapid.T) []Update {
	n := rapid.IntRange(1, 40).Draw(t, "n")
	updates := make([]Update, 0, n)
	for i := 0; i < n; i++ {
		u := Update{
			RowID: rapid.SampledFrom([]string{"r1", "r2", "r3"}).Draw(t, "row"),
			Field: rapid.SampledFrom([]string{"type", "port", "host"}).Draw(t, "field"),
			Timestamp: clock.Timestamp{
				Counter: rapid.Uint64Range(1, 8).Draw(t, "counter"),
				Node:    rapid.SampledFrom([]string{"n1", "n2", "n3"}).Draw(t, "writer"),
			},
		}
		// Value is a function of the timestamp so equal stamps carry equal values
		if u.Timestamp.Counter%3 == 0 {
			u.Value = Tombstone()
		} else {
			u.Value = String(fmt.Sprintf("%s-%d", u.Timestamp.Node, u.Timestamp.Counter))
		}
		updates = append(updates, u)
	}
	return updates
}

func snapshot(d *Doc) map[string]map[string]FieldVersion {
	out := make(map[string]map[string]FieldVersion)
	for id, row := range d.rows {
		fields := make(map[string]FieldVersion)
		for f, fv := range row.fields {
			fields[f] = fv
		}
		out[id] = fields
	}
	return out
}

// TestDoc_Property_Convergence tests that replicas applying the same updates
// in any order, with duplicates, reach identical state.
func TestDoc_Property_Convergence(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		updates := drawUpdates(rt)

		a := NewDoc("replica-a")
		for _, u := range updates {
			a.Apply(u, nil)
		}

		perm := rapid.Permutation(updates).Draw(rt, "perm")
		b := NewDoc("replica-b")
		for _, u := range perm {
			b.Apply(u, nil)
		}
		// Duplicate delivery must not change anything
		for _, u := range updates {
			b.Apply(u, nil)
		}

		require.Equal(rt, snapshot(a), snapshot(b))
	})
}

// TestDoc_Property_HistoryReplicates tests that replaying a document's
// history into an empty replica reproduces its state.
func TestDoc_Property_HistoryReplicates(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		src := NewDoc("src")
		for _, u := range drawUpdates(rt) {
			src.Apply(u, nil)
		}

		dst := NewDoc("dst")
		for _, u := range src.History(nil) {
			dst.Apply(u, nil)
		}

		require.Equal(rt, snapshot(src), snapshot(dst))
	})
}
