// Package stream delivers generated replies to clients incrementally, with
// watchdog supervision and cooperative cancellation.
package stream
