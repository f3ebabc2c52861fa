package replication

import (
	"github.com/cheddar/seaport/internal/ring"
)

// Targets returns the peers a node keeps gossip streams to: up to fanout
// ring successors of self, excluding self and nodes without an address.
// A fanout of zero or less selects every peer.
func Targets(r *ring.Ring, self string, fanout int) []ring.Node {
	k := fanout
	if k <= 0 {
		k = r.Len()
	}
	// One extra in case self is among them
	picked := r.Successors(self, k+1)
	out := make([]ring.Node, 0, k)
	for _, node := range picked {
		if node.ID == self || node.Addr == "" {
			continue
		}
		if len(out) == k {
			break
		}
		out = append(out, node)
	}
	return out
}
