package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"autostage/internal/faults"
	"autostage/internal/logging"
)

// errorBody is the sanitized error payload. Internal detail stays in the
// logs; clients only see the classified user-facing fields.
type errorBody struct {
	Code          string   `json:"code"`
	UserMessage   string   `json:"error"`
	RecoverySteps []string `json:"recoverySteps,omitempty"`
	Retryable     bool     `json:"retryable"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, body errorBody) {
	s.writeJSON(w, status, body)
}

// writeFault classifies an internal error and responds with its sanitized
// form under the matching HTTP status.
func (s *Server) writeFault(w http.ResponseWriter, err error, fctx faults.Context) {
	if errors.Is(err, faults.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, errorBody{
			Code:        "not_found",
			UserMessage: "No such upload.",
		})
		return
	}
	record := s.classifier.Classify(err, fctx)
	attrs := []logging.Attr{
		logging.String(logging.FieldOwnerID, fctx.OwnerID),
		logging.String(logging.FieldUploadID, fctx.UploadID),
		logging.String(logging.FieldErrorCode, record.Code),
		logging.String(logging.FieldErrorCategory, string(record.Category)),
		logging.Bool("retryable", record.Retryable),
		logging.Error(err),
	}
	if len(record.RecoverySteps) > 0 {
		attrs = append(attrs, logging.String(logging.FieldErrorHint, record.RecoverySteps[0]))
	}
	s.logger.Warn("request failed", logging.Args(attrs...)...)
	s.writeError(w, faultStatus(err), errorBody{
		Code:          record.Code,
		UserMessage:   record.UserMessage,
		RecoverySteps: record.RecoverySteps,
		Retryable:     record.Retryable,
	})
}

func faultStatus(err error) int {
	switch {
	case errors.Is(err, faults.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, faults.ErrThrottled), errors.Is(err, faults.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, faults.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, faults.ErrRangeConflict), errors.Is(err, faults.ErrSessionCancelled):
		return http.StatusConflict
	case errors.Is(err, faults.ErrValidation), errors.Is(err, faults.ErrInvalidSize):
		return http.StatusBadRequest
	case errors.Is(err, faults.ErrAuth):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
