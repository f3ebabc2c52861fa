// Package quorum dials a set of bootstrap peers in parallel and reports
// whether enough of them connected for the node to start serving.
package quorum
