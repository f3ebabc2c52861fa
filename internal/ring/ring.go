package ring

import (
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Node is a peer a node can dial.
type Node struct {
	ID   string
	Addr string
}

// vnode represents a virtual node on the ring.
type vnode struct {
	hash   uint64
	nodeID string
}

// Ring implements consistent hashing with virtual nodes.
type Ring struct {
	mu            sync.RWMutex
	vnodesPerNode int
	vnodes        []vnode
	nodes         map[string]Node // nodeID -> Node
}

// NewRing creates a new consistent hashing ring.
func NewRing(vnodesPerNode int) *Ring {
	if vnodesPerNode <= 0 {
		vnodesPerNode = 64
	}
	return &Ring{
		vnodesPerNode: vnodesPerNode,
		nodes:         make(map[string]Node),
	}
}

// SetNodes rebuilds the ring with the given nodes. The result depends only
// on the set of nodes, not their order.
func (r *Ring) SetNodes(nodes []Node) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nodes = make(map[string]Node, len(nodes))
	r.vnodes = r.vnodes[:0]
	for _, node := range nodes {
		if _, dup := r.nodes[node.ID]; dup {
			continue
		}
		r.nodes[node.ID] = node
		r.vnodes = append(r.vnodes, r.vnodesFor(node.ID)...)
	}
	r.sortVnodes()
}

// AddNode adds a node to the ring.
func (r *Ring) AddNode(node Node) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[node.ID]; exists {
		r.nodes[node.ID] = node // address may have changed
		return
	}
	r.nodes[node.ID] = node
	r.vnodes = append(r.vnodes, r.vnodesFor(node.ID)...)
	r.sortVnodes()
}

// RemoveNode removes a node from the ring.
func (r *Ring) RemoveNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[nodeID]; !exists {
		return
	}
	delete(r.nodes, nodeID)
	kept := r.vnodes[:0]
	for _, v := range r.vnodes {
		if v.nodeID != nodeID {
			kept = append(kept, v)
		}
	}
	r.vnodes = kept
}

// Owner returns the node responsible for key, or false if the ring is empty.
func (r *Ring) Owner(key string) (Node, bool) {
	picked := r.Successors(key, 1)
	if len(picked) == 0 {
		return Node{}, false
	}
	return picked[0], true
}

// Successors returns up to k distinct nodes walking clockwise from key.
// A node fanning out to k peers passes its own id as key.
func (r *Ring) Successors(key string, k int) []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.vnodes) == 0 || k <= 0 {
		return []Node{}
	}

	h := xxhash.Sum64String(key)
	idx := sort.Search(len(r.vnodes), func(i int) bool {
		return r.vnodes[i].hash >= h
	})

	seen := make(map[string]bool)
	result := make([]Node, 0, k)
	for i := 0; i < len(r.vnodes) && len(result) < k; i++ {
		nodeID := r.vnodes[(idx+i)%len(r.vnodes)].nodeID
		if seen[nodeID] {
			continue
		}
		seen[nodeID] = true
		if node, exists := r.nodes[nodeID]; exists {
			result = append(result, node)
		}
	}
	return result
}

// Nodes returns all nodes in the ring sorted by id.
func (r *Ring) Nodes() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// Len returns the number of nodes.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

func (r *Ring) vnodesFor(nodeID string) []vnode {
	out := make([]vnode, r.vnodesPerNode)
	for i := range out {
		out[i] = vnode{
			hash:   xxhash.Sum64String(nodeID + "#" + strconv.Itoa(i)),
			nodeID: nodeID,
		}
	}
	return out
}

// sortVnodes orders by hash, breaking collisions by node id so the layout
// is independent of insertion order.
func (r *Ring) sortVnodes() {
	sort.Slice(r.vnodes, func(i, j int) bool {
		if r.vnodes[i].hash != r.vnodes[j].hash {
			return r.vnodes[i].hash < r.vnodes[j].hash
		}
		return r.vnodes[i].nodeID < r.vnodes[j].nodeID
	})
}
