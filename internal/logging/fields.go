package logging

import (
	"context"
	"log/slog"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldUploadID is the standardized structured logging key for upload identifiers.
	FieldUploadID = "upload_id"
	// FieldOwnerID is the standardized structured logging key for upload owners.
	FieldOwnerID = "owner_id"
	// FieldStage is the standardized structured logging key for pipeline stage identifiers.
	FieldStage = "stage"
	// FieldRequestID is the standardized structured logging key for request correlation identifiers.
	FieldRequestID = "request_id"
	// FieldEventType tags log lines with a machine-readable event class.
	FieldEventType = "event_type"
	// FieldErrorCode carries the classified error code for failures.
	FieldErrorCode = "error_code"
	// FieldErrorCategory carries the classified error category for failures.
	FieldErrorCategory = "error_category"
	// FieldErrorHint suggests the next diagnostic step for a failure.
	FieldErrorHint = "error_hint"
)

type contextKey string

const (
	uploadIDKey  contextKey = "upload_id"
	ownerIDKey   contextKey = "owner_id"
	stageKey     contextKey = "stage"
	requestIDKey contextKey = "request_id"
)

// WithUpload annotates a context with the upload and owner identifiers.
func WithUpload(ctx context.Context, uploadID, ownerID string) context.Context {
	ctx = context.WithValue(ctx, uploadIDKey, uploadID)
	if ownerID != "" {
		ctx = context.WithValue(ctx, ownerIDKey, ownerID)
	}
	return ctx
}

// WithStage annotates a context with the active pipeline stage.
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, stageKey, stage)
}

// WithRequestID annotates a context with a correlation identifier.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 4)
	if id, ok := ctx.Value(uploadIDKey).(string); ok && id != "" {
		fields = append(fields, slog.String(FieldUploadID, id))
	}
	if owner, ok := ctx.Value(ownerIDKey).(string); ok && owner != "" {
		fields = append(fields, slog.String(FieldOwnerID, owner))
	}
	if stage, ok := ctx.Value(stageKey).(string); ok && stage != "" {
		fields = append(fields, slog.String(FieldStage, stage))
	}
	if rid, ok := ctx.Value(requestIDKey).(string); ok && rid != "" {
		fields = append(fields, slog.String(FieldRequestID, rid))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(attrsToArgs(fields)...)
}
