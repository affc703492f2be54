package faults

import "time"

// Category partitions the error taxonomy.
type Category string

const (
	CategoryValidation Category = "validation"
	CategoryThrottled  Category = "throttled"
	CategoryNetwork    Category = "network"
	CategoryExternal   Category = "external_service"
	CategorySystem     Category = "system"
)

// Severity ranks how loudly a classified error should be surfaced.
// Critical records additionally trigger a monitoring notification.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Record is a classified failure. UserMessage and RecoverySteps are safe to
// show to end users; Cause is the raw technical detail and never leaves logs.
type Record struct {
	Code          string    `json:"code"`
	Category      Category  `json:"category"`
	Severity      Severity  `json:"severity"`
	UserMessage   string    `json:"user_message"`
	RecoverySteps []string  `json:"recovery_steps,omitempty"`
	Retryable     bool      `json:"retryable"`
	RetryCount    int       `json:"retry_count"`
	Cause         string    `json:"-"`
	OwnerID       string    `json:"-"`
	UploadID      string    `json:"upload_id,omitempty"`
	Stage         string    `json:"stage,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Context carries where a failure happened; it is attached to the Record.
type Context struct {
	OwnerID  string
	UploadID string
	Stage    string
}
