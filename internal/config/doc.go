// Package config loads and validates the daemon's JSON configuration file,
// filling in sensible defaults for anything the operator leaves out.
package config
