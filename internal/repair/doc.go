// Package repair provides conflict resolution for concurrent field writes
// and the anti-entropy diff used when two replicas meet. Resolution is
// last-writer-wins over clock.Timestamp; the diff selects the versions a
// peer has not seen according to its digest.
package repair
