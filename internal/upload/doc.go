// Package upload implements chunked upload sessions: out-of-order chunk
// ingestion reconciled by byte offset, overlap conflict detection, resumable
// missing-range reporting, and assembly of the final artifact.
package upload
