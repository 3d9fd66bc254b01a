// Package api exposes the REST surface of the daemon: instruction intake,
// status queries, tool discovery and aggregate statistics.
package api
