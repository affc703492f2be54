// Package progress aggregates per-stage progress into weighted overall job
// progress with an estimated completion time, and hands snapshots to the live
// registry and the persistence layer. It performs no stage logic itself.
package progress
