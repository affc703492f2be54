package upload

import (
	"context"
	"time"
)

// SessionStatus represents the lifecycle of an upload session.
type SessionStatus string

const (
	SessionReceiving  SessionStatus = "receiving"
	SessionAssembling SessionStatus = "assembling"
	SessionAssembled  SessionStatus = "assembled"
	SessionFailed     SessionStatus = "failed"
	SessionCancelled  SessionStatus = "cancelled"
)

// Session is one chunked upload in progress or completed.
type Session struct {
	ID           string        `json:"id"`
	OwnerID      string        `json:"owner_id"`
	DeclaredSize int64         `json:"declared_size"`
	MimeType     string        `json:"mime_type"`
	Status       SessionStatus `json:"status"`
	Ranges       RangeSet      `json:"ranges"`
	PartPath     string        `json:"-"`
	ArtifactPath string        `json:"artifact_path,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// ReceivedBytes returns the total bytes received so far.
func (s *Session) ReceivedBytes() int64 { return s.Ranges.TotalLen() }

// IsActive reports whether the session still accepts chunks or holds buffers.
func (s *Session) IsActive() bool {
	return s.Status == SessionReceiving || s.Status == SessionAssembling
}

// Store is the persistence collaborator for upload sessions.
type Store interface {
	SaveSession(ctx context.Context, session *Session) error
	LoadSession(ctx context.Context, id string) (*Session, error)
	SessionsByStatus(ctx context.Context, statuses ...SessionStatus) ([]*Session, error)
	DeleteSessionsBefore(ctx context.Context, cutoff time.Time, statuses ...SessionStatus) (int64, error)
}

// WriteResult reports the outcome of one chunk write.
type WriteResult struct {
	ReceivedBytes int64 `json:"receivedBytes"`
	IsComplete    bool  `json:"isComplete"`
}
