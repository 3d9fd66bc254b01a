// Package orchestrator wires intent extraction, planning, execution and
// validation into a single instruction-processing pipeline.
package orchestrator
