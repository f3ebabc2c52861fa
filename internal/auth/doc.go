// Package auth signs outgoing document updates and verifies incoming ones
// against the set of authorized public keys. The trust set is itself
// replicated as "authorize" rows; a Keyring merges those rows with keys
// learned locally before they replicate.
//
// While no key is authorized every update is accepted.
package auth
