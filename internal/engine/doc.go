// Package engine executes risk-annotated plans step by step, gating each
// step on its dependencies and on user confirmation for risky plans.
package engine
