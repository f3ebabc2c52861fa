// Package metrics exposes Prometheus collectors for a registry node.
package metrics
