// Package faults classifies raw stage and upload failures into typed error
// records with user-facing messages, recovery steps, and retry policy, and
// keeps a bounded per-owner history of classified errors.
package faults
