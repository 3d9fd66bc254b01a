// Package history persists per-session conversation and execution traces so
// later instructions can be answered with context.
package history
