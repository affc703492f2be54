// Package pipeline runs the content-generation stages for assembled uploads.
// Each job walks the configured stage list in order; failed stages are
// retried with exponential backoff when the fault is retryable, and jobs can
// be cancelled cooperatively between and during stages.
package pipeline
