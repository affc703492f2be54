package live

import (
	"log/slog"
	"sync"

	"autostage/internal/logging"
)

// MessageType identifies a live channel payload.
type MessageType string

const (
	TypeProgressUpdate MessageType = "progress_update"
	TypeStageFailed    MessageType = "stage_failed"
)

// Message is the wire payload pushed over the live channel.
type Message struct {
	Type                MessageType `json:"type"`
	UploadID            string      `json:"uploadId"`
	OverallProgress     float64     `json:"overallProgress,omitempty"`
	CurrentStage        string      `json:"currentStage,omitempty"`
	StageProgress       float64     `json:"stageProgress,omitempty"`
	EstimatedCompletion string      `json:"estimatedCompletion,omitempty"`
	Status              string      `json:"status,omitempty"`
	Stage               string      `json:"stage,omitempty"`
	ErrorCode           string      `json:"errorCode,omitempty"`
	UserMessage         string      `json:"userMessage,omitempty"`
	IsRetryable         bool        `json:"isRetryable,omitempty"`
}

// Conn is one live client connection. Send must not block; it reports whether
// the message was accepted for delivery.
type Conn interface {
	Send(Message) bool
	Close()
}

// Sender is the delivery surface handed to the progress tracker.
type Sender interface {
	Send(ownerID string, msg Message)
}

// Registry maps an owner to zero-or-one live connection.
type Registry struct {
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[string]Conn
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logging.NewComponentLogger(logger, "live-registry"),
		conns:  make(map[string]Conn),
	}
}

// Register attaches a connection for an owner, replacing and closing any
// previous one. Reconnects therefore win over stale connections.
func (r *Registry) Register(ownerID string, conn Conn) {
	r.mu.Lock()
	previous := r.conns[ownerID]
	r.conns[ownerID] = conn
	r.mu.Unlock()

	if previous != nil {
		previous.Close()
	}
	r.logger.Debug("connection registered", logging.String(logging.FieldOwnerID, ownerID))
}

// Unregister detaches a connection if it is still the owner's current one.
func (r *Registry) Unregister(ownerID string, conn Conn) {
	r.mu.Lock()
	current, ok := r.conns[ownerID]
	if ok && current == conn {
		delete(r.conns, ownerID)
	}
	r.mu.Unlock()
}

// Send delivers a message to the owner's connection when present. A missing,
// slow, or dead connection never stalls the caller.
func (r *Registry) Send(ownerID string, msg Message) {
	r.mu.RLock()
	conn := r.conns[ownerID]
	r.mu.RUnlock()

	if conn == nil {
		return
	}
	if !conn.Send(msg) {
		r.logger.Debug("live message dropped",
			logging.String(logging.FieldOwnerID, ownerID),
			logging.String(logging.FieldEventType, string(msg.Type)),
		)
	}
}

// ConnectedOwners returns the owners with an active connection.
func (r *Registry) ConnectedOwners() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owners := make([]string, 0, len(r.conns))
	for owner := range r.conns {
		owners = append(owners, owner)
	}
	return owners
}
