// Package registry advertises and discovers services over a replicated
// document.
//
// Each node keeps a full copy of the document and registers its own
// services in it. Records carry a role, an optional version, a host and a
// port, and are refreshed by a periodic heartbeat. Server nodes evict
// records whose heartbeat has gone stale, and a server that accepted a
// stream removes the remote node's records when the stream ends.
//
// Lookups take a filter of the form role or role@constraint, where the
// constraint is a semantic version range.
package registry
