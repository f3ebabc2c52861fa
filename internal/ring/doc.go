// Package ring implements a consistent hashing ring with virtual nodes.
// The node uses it to pick which configured peers to keep streams open to,
// so that each node fans out to a stable, evenly spread subset and the
// choice moves little when peers come and go.
package ring
