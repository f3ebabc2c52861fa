// Package gossip replicates a crdt.Doc over a duplex byte stream.
//
// A stream starts with a handshake: each side sends one header line with its
// node id, its per-writer digest and optional metadata (the authorized keys
// it trusts). Each side then sends the updates the other is missing and
// relays every later document update until the connection ends.
//
// Membership keeps a table of known peers fed by stream handshakes and
// disconnects, which the node uses to redial peers it lost.
package gossip
