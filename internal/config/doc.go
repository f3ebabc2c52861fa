// Package config loads node settings from a file, SEAPORT_* environment
// variables and command-line flags.
package config
