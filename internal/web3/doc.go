// Package web3 houses blockchain connectivity for the orchestration core: a
// narrow chain adapter interface for snapshots, balance and gas reads, and
// the quoting collaborator the planner uses for swap/bridge/stake estimates.
// Concrete EVM clients live in the ethereum subpackage; multi-chain wiring in
// the provider subpackage.
package web3
