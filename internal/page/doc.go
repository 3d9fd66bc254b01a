// Package page defines the browsing surface the execution engine uses to
// inspect and drive dapp frontends. The Driver interface deliberately stays
// small so it can be backed by a real browser bridge or an in-memory fake.
package page
