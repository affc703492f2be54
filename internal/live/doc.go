// Package live delivers progress and failure events to connected clients.
// The Registry maps each owner to at most one connection; delivery is
// best-effort and never blocks the caller.
package live
