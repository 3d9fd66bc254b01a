// Package tool implements the named capability registry the orchestration
// engine dispatches against: schema-described tool definitions with risk,
// timeout and retry metadata, a single-call execution path with timeout
// racing and exponential backoff, a batch path with bounded concurrency, and
// per-tool metrics plus a capped execution history.
package tool
