// Package plan defines the execution plan model shared by the planner, the
// orchestration engine and the validator: risk-classified action steps with
// explicit dependency edges, plus the planner that derives such plans from
// recognized intents. Plans are constructed once and mutated in place only
// through step status transitions during execution.
package plan
