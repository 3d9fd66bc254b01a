// Package task manages the queued lifecycle of natural-language
// instructions: persistence, dispatch through a message queue, claiming,
// retries and terminal-state bookkeeping.
package task
