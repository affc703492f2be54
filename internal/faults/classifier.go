package faults

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"strings"
	"sync"
	"time"
)

// taxonomyEntry fixes the presentation and retry policy for one error code.
type taxonomyEntry struct {
	code          string
	category      Category
	severity      Severity
	retryable     bool
	userMessage   string
	recoverySteps []string
}

var taxonomy = map[string]taxonomyEntry{
	"validation_failed": {
		code:        "validation_failed",
		category:    CategoryValidation,
		severity:    SeverityWarning,
		retryable:   false,
		userMessage: "The upload request was invalid.",
		recoverySteps: []string{
			"Check the declared file size and content type.",
			"Start a new upload with corrected parameters.",
		},
	},
	"unsupported_format": {
		code:        "unsupported_format",
		category:    CategoryValidation,
		severity:    SeverityWarning,
		retryable:   false,
		userMessage: "This file format is not supported.",
		recoverySteps: []string{
			"Convert the file to a supported format.",
			"Upload the converted file.",
		},
	},
	"throttled": {
		code:        "throttled",
		category:    CategoryThrottled,
		severity:    SeverityInfo,
		retryable:   true,
		userMessage: "The server is busy. Your request will be retried shortly.",
		recoverySteps: []string{
			"Wait a moment and resume the upload.",
		},
	},
	"network_timeout": {
		code:        "network_timeout",
		category:    CategoryNetwork,
		severity:    SeverityWarning,
		retryable:   true,
		userMessage: "A network problem interrupted processing.",
		recoverySteps: []string{
			"Check your connection.",
			"Processing retries automatically.",
		},
	},
	"quota_exceeded": {
		code:        "quota_exceeded",
		category:    CategoryExternal,
		severity:    SeverityWarning,
		retryable:   true,
		userMessage: "The processing service is temporarily over capacity.",
		recoverySteps: []string{
			"Processing retries automatically after a short delay.",
		},
	},
	"auth_failed": {
		code:        "auth_failed",
		category:    CategoryExternal,
		severity:    SeverityCritical,
		retryable:   false,
		userMessage: "The processing service rejected our credentials.",
		recoverySteps: []string{
			"Contact support; the service configuration needs attention.",
		},
	},
	"external_failure": {
		code:        "external_failure",
		category:    CategoryExternal,
		severity:    SeverityWarning,
		retryable:   true,
		userMessage: "The processing service reported an error.",
		recoverySteps: []string{
			"Processing retries automatically.",
			"If the problem persists, retry the job later.",
		},
	},
	"session_cancelled": {
		code:        "session_cancelled",
		category:    CategoryValidation,
		severity:    SeverityInfo,
		retryable:   false,
		userMessage: "This upload was cancelled.",
		recoverySteps: []string{
			"Start a new upload if this was unintentional.",
		},
	},
	"system_fault": {
		code:        "system_fault",
		category:    CategorySystem,
		severity:    SeverityCritical,
		retryable:   false,
		userMessage: "An internal error interrupted processing.",
		recoverySteps: []string{
			"Retry the job.",
			"Contact support if the problem persists.",
		},
	},
}

// Classifier maps raw errors onto the fixed taxonomy and keeps a bounded,
// time-ordered history of classified errors per owner.
type Classifier struct {
	maxRetries   int
	historyLimit int
	retention    time.Duration

	mu      sync.Mutex
	history map[string][]Record
}

// NewClassifier constructs a classifier. historyLimit bounds per-owner
// history; entries older than retention are evicted on access.
func NewClassifier(maxRetries, historyLimit int, retention time.Duration) *Classifier {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if historyLimit <= 0 {
		historyLimit = 200
	}
	if retention <= 0 {
		retention = 72 * time.Hour
	}
	return &Classifier{
		maxRetries:   maxRetries,
		historyLimit: historyLimit,
		retention:    retention,
		history:      make(map[string][]Record),
	}
}

// MaxRetries returns the configured retry budget.
func (c *Classifier) MaxRetries() int { return c.maxRetries }

// Classify maps a raw error to a Record and appends it to the owner history.
func (c *Classifier) Classify(rawErr error, fctx Context) Record {
	entry := lookupTaxonomy(rawErr)
	record := Record{
		Code:          entry.code,
		Category:      entry.category,
		Severity:      entry.severity,
		UserMessage:   entry.userMessage,
		RecoverySteps: append([]string(nil), entry.recoverySteps...),
		Retryable:     entry.retryable,
		OwnerID:       fctx.OwnerID,
		UploadID:      fctx.UploadID,
		Stage:         fctx.Stage,
		OccurredAt:    time.Now().UTC(),
	}
	if rawErr != nil {
		record.Cause = rawErr.Error()
	}
	c.append(record)
	return record
}

// ShouldRetry reports whether a classified failure has retry budget left.
func (c *Classifier) ShouldRetry(record Record, retryCount int) bool {
	return record.Retryable && retryCount < c.maxRetries
}

// Recent returns up to limit most recent records for an owner, newest first.
func (c *Classifier) Recent(ownerID string, limit int) []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	records := c.pruneLocked(ownerID)
	if limit <= 0 || limit > len(records) {
		limit = len(records)
	}
	out := make([]Record, 0, limit)
	for i := len(records) - 1; i >= len(records)-limit; i-- {
		out = append(out, records[i])
	}
	return out
}

// Stats aggregates an owner's classified errors within the window by category.
func (c *Classifier) Stats(ownerID string, window time.Duration) map[Category]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	records := c.pruneLocked(ownerID)

	cutoff := time.Now().UTC().Add(-window)
	stats := make(map[Category]int)
	for _, record := range records {
		if window > 0 && record.OccurredAt.Before(cutoff) {
			continue
		}
		stats[record.Category]++
	}
	return stats
}

func (c *Classifier) append(record Record) {
	if record.OwnerID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	records := append(c.pruneLocked(record.OwnerID), record)
	if len(records) > c.historyLimit {
		records = append([]Record(nil), records[len(records)-c.historyLimit:]...)
	}
	c.history[record.OwnerID] = records
}

func (c *Classifier) pruneLocked(ownerID string) []Record {
	records := c.history[ownerID]
	cutoff := time.Now().UTC().Add(-c.retention)
	start := 0
	for start < len(records) && records[start].OccurredAt.Before(cutoff) {
		start++
	}
	if start > 0 {
		records = append([]Record(nil), records[start:]...)
		if len(records) == 0 {
			delete(c.history, ownerID)
		} else {
			c.history[ownerID] = records
		}
	}
	return records
}

func lookupTaxonomy(err error) taxonomyEntry {
	switch {
	case err == nil:
		return taxonomy["system_fault"]
	case errors.Is(err, ErrInvalidSize), errors.Is(err, ErrRangeConflict), errors.Is(err, ErrValidation):
		return taxonomy["validation_failed"]
	case errors.Is(err, ErrUnsupportedFormat):
		return taxonomy["unsupported_format"]
	case errors.Is(err, ErrThrottled):
		return taxonomy["throttled"]
	case errors.Is(err, ErrSessionCancelled):
		return taxonomy["session_cancelled"]
	case errors.Is(err, ErrQuotaExceeded):
		return taxonomy["quota_exceeded"]
	case errors.Is(err, ErrAuth):
		return taxonomy["auth_failed"]
	case errors.Is(err, ErrNetwork), isTimeout(err):
		return taxonomy["network_timeout"]
	case errors.Is(err, ErrExternalService):
		return taxonomy["external_failure"]
	case errors.Is(err, ErrSystem), isDiskError(err):
		return taxonomy["system_fault"]
	default:
		return taxonomy["system_fault"]
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// Raw dial/reset failures from collaborators that did not tag their errors.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset")
}

func isDiskError(err error) bool {
	var pathErr *fs.PathError
	return errors.As(err, &pathErr)
}
