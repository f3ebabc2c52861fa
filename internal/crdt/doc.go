// Package crdt provides the replicated document shared by every node.
// Rows hold fields written with last-writer-wins semantics, deletions are
// explicit tombstones, and views keep a filtered live subset of rows whose
// notifications are delivered after the mutating call settles.
package crdt
