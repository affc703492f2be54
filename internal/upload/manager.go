package upload

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"autostage/internal/config"
	"autostage/internal/faults"
	"autostage/internal/logging"
)

// AssembledFunc is invoked once a session's artifact has been assembled.
type AssembledFunc func(ctx context.Context, session *Session)

// Manager owns all active upload sessions. Each session is mutated under its
// own lock; cross-session state is limited to the session index.
type Manager struct {
	cfg    *config.Config
	store  Store
	logger *slog.Logger

	onAssembled AssembledFunc

	mu       sync.RWMutex
	sessions map[string]*sessionEntry
}

type sessionEntry struct {
	mu      sync.Mutex
	session *Session
	file    *os.File
}

// NewManager constructs an upload manager rooted at the configured staging dir.
func NewManager(cfg *config.Config, store Store, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		store:    store,
		logger:   logging.NewComponentLogger(logger, "upload-manager"),
		sessions: make(map[string]*sessionEntry),
	}
}

// OnAssembled registers the callback fired after successful assembly.
func (m *Manager) OnAssembled(fn AssembledFunc) { m.onAssembled = fn }

// InitSession validates the declared size and mime type and opens a new
// session with a preallocated part file.
func (m *Manager) InitSession(ctx context.Context, ownerID string, declaredSize int64, mimeType string) (*Session, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, faults.Wrap(faults.ErrValidation, "", "init session", "owner is required", nil)
	}
	if declaredSize <= 0 || declaredSize > m.cfg.MaxUploadBytes() {
		return nil, faults.Wrap(faults.ErrInvalidSize, "", "init session",
			fmt.Sprintf("declared size %d outside (0, %d]", declaredSize, m.cfg.MaxUploadBytes()), nil)
	}
	if !supportedMimeType(mimeType) {
		return nil, faults.Wrap(faults.ErrUnsupportedFormat, "", "init session", mimeType, nil)
	}
	if m.activeSessionsForOwner(ownerID) >= m.cfg.Upload.MaxAssemblingPerOwner {
		return nil, faults.Wrap(faults.ErrThrottled, "", "init session",
			"too many concurrent uploads for owner", nil)
	}

	now := time.Now().UTC()
	session := &Session{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		DeclaredSize: declaredSize,
		MimeType:     mimeType,
		Status:       SessionReceiving,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	session.PartPath = filepath.Join(m.cfg.StagingDir(), session.ID+".part")

	file, err := os.OpenFile(session.PartPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, faults.Wrap(faults.ErrSystem, "", "init session", "create part file", err)
	}
	if err := file.Truncate(declaredSize); err != nil {
		file.Close()
		_ = os.Remove(session.PartPath)
		return nil, faults.Wrap(faults.ErrSystem, "", "init session", "preallocate part file", err)
	}

	if err := m.store.SaveSession(ctx, session); err != nil {
		file.Close()
		_ = os.Remove(session.PartPath)
		return nil, faults.Wrap(faults.ErrSystem, "", "init session", "persist session", err)
	}

	m.mu.Lock()
	m.sessions[session.ID] = &sessionEntry{session: session, file: file}
	m.mu.Unlock()

	m.logger.Info("upload session created",
		logging.String(logging.FieldUploadID, session.ID),
		logging.String(logging.FieldOwnerID, ownerID),
		logging.Int64("declared_size", declaredSize),
		logging.String("mime_type", mimeType),
	)
	return snapshotSession(session), nil
}

// WriteChunk stores one chunk at the given offset. Chunks may arrive in any
// order; a re-send of already-received bytes is a no-op, while an overlap
// with different content fails with a range conflict.
func (m *Manager) WriteChunk(ctx context.Context, sessionID string, offset int64, data []byte) (WriteResult, error) {
	entry, err := m.entry(sessionID)
	if err != nil {
		return WriteResult{}, err
	}

	if int64(len(data)) > m.cfg.MaxChunkBytes() {
		return WriteResult{}, faults.Wrap(faults.ErrThrottled, "", "write chunk",
			fmt.Sprintf("chunk of %d bytes exceeds limit %d", len(data), m.cfg.MaxChunkBytes()), nil)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	session := entry.session

	switch session.Status {
	case SessionCancelled:
		return WriteResult{}, faults.Wrap(faults.ErrSessionCancelled, "", "write chunk", sessionID, nil)
	case SessionReceiving:
	default:
		return WriteResult{}, faults.Wrap(faults.ErrValidation, "", "write chunk",
			fmt.Sprintf("session is %s", session.Status), nil)
	}

	if len(data) == 0 {
		return WriteResult{ReceivedBytes: session.ReceivedBytes()}, nil
	}
	chunk := ByteRange{Start: offset, End: offset + int64(len(data))}
	if chunk.Start < 0 || chunk.End > session.DeclaredSize {
		return WriteResult{}, faults.Wrap(faults.ErrValidation, "", "write chunk",
			fmt.Sprintf("range [%d,%d) outside declared size %d", chunk.Start, chunk.End, session.DeclaredSize), nil)
	}

	// Overlapping regions must match what was already written byte for byte;
	// only that makes an idempotent client re-send safe.
	fullResend := session.Ranges.Contains(chunk)
	for _, overlap := range session.Ranges.Overlaps(chunk) {
		existing := make([]byte, overlap.Len())
		if _, err := entry.file.ReadAt(existing, overlap.Start); err != nil {
			return WriteResult{}, faults.Wrap(faults.ErrSystem, "", "write chunk", "read back overlap", err)
		}
		incoming := data[overlap.Start-chunk.Start : overlap.End-chunk.Start]
		if !bytes.Equal(existing, incoming) {
			return WriteResult{}, faults.Wrap(faults.ErrRangeConflict, "", "write chunk",
				fmt.Sprintf("range [%d,%d) conflicts with received content", chunk.Start, chunk.End), nil)
		}
	}
	if fullResend {
		result := WriteResult{ReceivedBytes: session.ReceivedBytes()}
		// The session can be fully received yet still receiving after an
		// assembly failure; a re-sent chunk retries the assembly.
		if session.Ranges.Covers(session.DeclaredSize) {
			if err := m.assembleLocked(ctx, entry); err != nil {
				return WriteResult{}, err
			}
			result.IsComplete = true
			result.ReceivedBytes = session.DeclaredSize
		}
		return result, nil
	}

	if _, err := entry.file.WriteAt(data, offset); err != nil {
		return WriteResult{}, faults.Wrap(faults.ErrSystem, "", "write chunk", "write part file", err)
	}
	session.Ranges.Insert(chunk)
	session.UpdatedAt = time.Now().UTC()

	result := WriteResult{ReceivedBytes: session.ReceivedBytes()}
	if session.Ranges.Covers(session.DeclaredSize) {
		if err := m.assembleLocked(ctx, entry); err != nil {
			return WriteResult{}, err
		}
		result.IsComplete = true
		result.ReceivedBytes = session.DeclaredSize
	} else if err := m.store.SaveSession(ctx, session); err != nil {
		m.logger.Warn("persist session failed",
			logging.String(logging.FieldUploadID, session.ID), logging.Error(err))
	}

	return result, nil
}

// assembleLocked finalizes a fully received session: it verifies the on-disk
// size, flushes, and promotes the part file to the artifact directory.
// Caller holds entry.mu.
func (m *Manager) assembleLocked(ctx context.Context, entry *sessionEntry) error {
	session := entry.session
	session.Status = SessionAssembling
	session.UpdatedAt = time.Now().UTC()
	if err := m.store.SaveSession(ctx, session); err != nil {
		m.logger.Warn("persist session failed",
			logging.String(logging.FieldUploadID, session.ID), logging.Error(err))
	}

	// An assembly failure is recoverable as long as the part file survives:
	// the session drops back to receiving with its ranges intact, and the
	// next chunk re-send retries assembly. Only a lost part file is terminal.
	fail := func(op string, err error) error {
		session.Status = SessionReceiving
		if entry.file == nil {
			file, openErr := os.OpenFile(session.PartPath, os.O_RDWR, 0o644)
			if openErr != nil {
				session.Status = SessionFailed
			} else {
				entry.file = file
			}
		}
		session.UpdatedAt = time.Now().UTC()
		if saveErr := m.store.SaveSession(ctx, session); saveErr != nil {
			m.logger.Warn("persist session failed",
				logging.String(logging.FieldUploadID, session.ID), logging.Error(saveErr))
		}
		return faults.Wrap(faults.ErrSystem, "", "assemble", op, err)
	}

	if err := entry.file.Sync(); err != nil {
		return fail("sync part file", err)
	}
	info, err := entry.file.Stat()
	if err != nil {
		return fail("stat part file", err)
	}
	if info.Size() != session.DeclaredSize {
		return fail(fmt.Sprintf("assembled size %d does not match declared %d", info.Size(), session.DeclaredSize), nil)
	}
	if err := entry.file.Close(); err != nil {
		return fail("close part file", err)
	}
	entry.file = nil

	artifactPath := filepath.Join(m.cfg.ArtifactDir(), session.ID)
	if err := os.Rename(session.PartPath, artifactPath); err != nil {
		return fail("promote artifact", err)
	}

	session.Status = SessionAssembled
	session.ArtifactPath = artifactPath
	session.UpdatedAt = time.Now().UTC()
	if err := m.store.SaveSession(ctx, session); err != nil {
		m.logger.Warn("persist session failed",
			logging.String(logging.FieldUploadID, session.ID), logging.Error(err))
	}

	m.logger.Info("upload assembled",
		logging.String(logging.FieldUploadID, session.ID),
		logging.String(logging.FieldOwnerID, session.OwnerID),
		logging.Int64("size", session.DeclaredSize),
	)

	if m.onAssembled != nil {
		go m.onAssembled(context.WithoutCancel(ctx), snapshotSession(session))
	}
	return nil
}

// MissingRanges reports the byte intervals not yet received, so a client can
// resume after a disconnect by re-sending only those bytes.
func (m *Manager) MissingRanges(sessionID string) ([]ByteRange, error) {
	entry, err := m.entry(sessionID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.session.Ranges.Missing(entry.session.DeclaredSize), nil
}

// Cancel marks the session cancelled and releases its partial buffers.
func (m *Manager) Cancel(ctx context.Context, sessionID string) error {
	entry, err := m.entry(sessionID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	session := entry.session

	if session.Status == SessionCancelled {
		return nil
	}
	if session.Status == SessionAssembled {
		return faults.Wrap(faults.ErrValidation, "", "cancel", "upload already assembled", nil)
	}

	if entry.file != nil {
		_ = entry.file.Close()
		entry.file = nil
	}
	_ = os.Remove(session.PartPath)

	session.Status = SessionCancelled
	session.Ranges = RangeSet{}
	session.UpdatedAt = time.Now().UTC()
	if err := m.store.SaveSession(ctx, session); err != nil {
		m.logger.Warn("persist session failed",
			logging.String(logging.FieldUploadID, session.ID), logging.Error(err))
	}

	m.logger.Info("upload cancelled", logging.String(logging.FieldUploadID, session.ID))
	return nil
}

// Session returns a copy of a session's current state.
func (m *Manager) Session(sessionID string) (*Session, error) {
	entry, err := m.entry(sessionID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return snapshotSession(entry.session), nil
}

// Restore reopens receiving sessions persisted by a previous process so
// clients can resume uploads across daemon restarts.
func (m *Manager) Restore(ctx context.Context) error {
	sessions, err := m.store.SessionsByStatus(ctx, SessionReceiving, SessionAssembling)
	if err != nil {
		return fmt.Errorf("list receiving sessions: %w", err)
	}

	restored := 0
	for _, session := range sessions {
		session.PartPath = filepath.Join(m.cfg.StagingDir(), session.ID+".part")
		file, err := os.OpenFile(session.PartPath, os.O_RDWR, 0o644)
		if err != nil {
			session.Status = SessionFailed
			session.UpdatedAt = time.Now().UTC()
			if saveErr := m.store.SaveSession(ctx, session); saveErr != nil {
				m.logger.Warn("persist session failed",
					logging.String(logging.FieldUploadID, session.ID), logging.Error(saveErr))
			}
			continue
		}
		session.Status = SessionReceiving
		entry := &sessionEntry{session: session, file: file}
		m.mu.Lock()
		m.sessions[session.ID] = entry
		m.mu.Unlock()
		restored++

		// A session interrupted mid-assembly already holds every byte;
		// finish the promotion instead of waiting for a client re-send.
		if session.Ranges.Covers(session.DeclaredSize) {
			entry.mu.Lock()
			if err := m.assembleLocked(ctx, entry); err != nil {
				m.logger.Warn("assembly retry on restore failed",
					logging.String(logging.FieldUploadID, session.ID), logging.Error(err))
			}
			entry.mu.Unlock()
		}
	}
	if restored > 0 {
		m.logger.Info("upload sessions restored", logging.Int("count", restored))
	}
	return nil
}

// Close releases all open part files.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.sessions {
		entry.mu.Lock()
		if entry.file != nil {
			_ = entry.file.Close()
			entry.file = nil
		}
		entry.mu.Unlock()
	}
}

func (m *Manager) entry(sessionID string) (*sessionEntry, error) {
	m.mu.RLock()
	entry, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, faults.Wrap(faults.ErrNotFound, "", "lookup session", sessionID, nil)
	}
	return entry, nil
}

func (m *Manager) activeSessionsForOwner(ownerID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, entry := range m.sessions {
		entry.mu.Lock()
		if entry.session.OwnerID == ownerID && entry.session.IsActive() {
			count++
		}
		entry.mu.Unlock()
	}
	return count
}

func snapshotSession(session *Session) *Session {
	cp := *session
	cp.Ranges = RangeSet{Ranges: append([]ByteRange(nil), session.Ranges.Ranges...)}
	return &cp
}

func supportedMimeType(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return strings.HasPrefix(mimeType, "video/") || strings.HasPrefix(mimeType, "audio/")
}
