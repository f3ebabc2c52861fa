// Package node runs a registry as a daemon.
//
// A node accepts gossip streams over gRPC and, optionally, WebSocket, and
// dials a fan-out of its configured peers chosen on a consistent-hash ring.
// Streams that end are redialed. An optional HTTP listener serves metrics,
// health and service queries.
package node
