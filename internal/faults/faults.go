package faults

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel markers used to tag errors at their origin. Classify dispatches on
// these via errors.Is, so wrap with the most specific marker available.
var (
	ErrValidation        = errors.New("validation error")
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrThrottled         = errors.New("throttled")
	ErrNetwork           = errors.New("network error")
	ErrExternalService   = errors.New("external service error")
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrAuth              = errors.New("authentication failure")
	ErrSystem            = errors.New("system fault")
	ErrSessionCancelled  = errors.New("session cancelled")
	ErrRangeConflict     = errors.New("range conflict")
	ErrInvalidSize       = errors.New("invalid size")
	ErrNotFound          = errors.New("not found")
)

// Wrap builds an error that includes stage and operation context while
// tagging it with the provided marker for later classification.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrSystem
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "failure"
	}
	return strings.Join(parts, ": ")
}
