package ring

import (
	"fmt"
	"testing"

	"pgregory.net/rapid"
)

// TestRing_Property_OrderInvariant checks that the selection only depends
// on the set of peers, not the order they were configured in.
func TestRing_Property_OrderInvariant(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(rt, "n")
		nodes := peers(n)
		shuffled := rapid.Permutation(nodes).Draw(rt, "shuffled")
		key := rapid.String().Draw(rt, "key")
		k := rapid.IntRange(1, n).Draw(rt, "k")

		r1 := NewRing(16)
		r1.SetNodes(nodes)
		r2 := NewRing(16)
		r2.SetNodes(shuffled)

		a := r1.Successors(key, k)
		b := r2.Successors(key, k)
		if len(a) != len(b) {
			rt.Fatalf("length mismatch: %d vs %d", len(a), len(b))
		}
		for i := range a {
			if a[i].ID != b[i].ID {
				rt.Fatalf("successor %d differs: %s vs %s", i, a[i].ID, b[i].ID)
			}
		}
	})
}

// TestRing_Property_RemovalOnlyMovesRemovedKeys checks that removing a peer
// only changes the owner of keys it owned.
func TestRing_Property_RemovalOnlyMovesRemovedKeys(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(2, 8).Draw(rt, "n")
		nodes := peers(n)
		victim := nodes[rapid.IntRange(0, n-1).Draw(rt, "victim")].ID

		r := NewRing(32)
		r.SetNodes(nodes)
		before := make(map[string]string)
		for i := 0; i < 50; i++ {
			key := fmt.Sprintf("node-%d", i)
			owner, _ := r.Owner(key)
			before[key] = owner.ID
		}

		r.RemoveNode(victim)
		for key, prev := range before {
			owner, ok := r.Owner(key)
			if !ok || owner.ID == victim {
				rt.Fatalf("key %s still owned by removed %s", key, victim)
			}
			if prev != victim && owner.ID != prev {
				rt.Fatalf("key %s moved from %s to %s", key, prev, owner.ID)
			}
		}
	})
}
