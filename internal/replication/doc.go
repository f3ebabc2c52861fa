// Package replication chooses which peers a node replicates its document
// to. Streams carry the whole document, so every node only needs a path to
// the rest of the cluster; the ring spreads those paths evenly.
package replication
