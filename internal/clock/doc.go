// Package clock provides the logical time used by the replicated document.
// Timestamps are Lamport counters tagged with the writing node so every
// write has a total order, and a Vector records the highest counter seen
// from each writer so peers can exchange digests during the handshake.
package clock
