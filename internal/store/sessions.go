package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"autostage/internal/upload"
)

// SaveSession upserts an upload session row.
func (s *Store) SaveSession(ctx context.Context, session *upload.Session) error {
	rangesJSON, err := json.Marshal(session.Ranges.Ranges)
	if err != nil {
		return fmt.Errorf("marshal ranges: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO upload_sessions (
            id, owner_id, declared_size, mime_type, status,
            ranges_json, artifact_path, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            status = excluded.status,
            ranges_json = excluded.ranges_json,
            artifact_path = excluded.artifact_path,
            updated_at = excluded.updated_at`,
		session.ID,
		session.OwnerID,
		session.DeclaredSize,
		session.MimeType,
		string(session.Status),
		string(rangesJSON),
		nullableString(session.ArtifactPath),
		session.CreatedAt.UTC().Format(time.RFC3339Nano),
		session.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", session.ID, err)
	}
	return nil
}

// LoadSession fetches one session by id, or nil when absent.
func (s *Store) LoadSession(ctx context.Context, id string) (*upload.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, declared_size, mime_type, status,
            ranges_json, artifact_path, created_at, updated_at
        FROM upload_sessions WHERE id = ?`, id)

	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return session, nil
}

// SessionsByStatus returns all sessions in any of the given statuses.
func (s *Store) SessionsByStatus(ctx context.Context, statuses ...upload.SessionStatus) ([]*upload.Session, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		placeholders[i] = "?"
		args[i] = string(status)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, declared_size, mime_type, status,
            ranges_json, artifact_path, created_at, updated_at
        FROM upload_sessions WHERE status IN (`+strings.Join(placeholders, ", ")+`)
        ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions by status: %w", err)
	}
	defer rows.Close()

	var sessions []*upload.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// DeleteSessionsBefore removes sessions last updated before cutoff. With no
// statuses given, every stale session is eligible.
func (s *Store) DeleteSessionsBefore(ctx context.Context, cutoff time.Time, statuses ...upload.SessionStatus) (int64, error) {
	query := "DELETE FROM upload_sessions WHERE updated_at < ?"
	args := []any{cutoff.UTC().Format(time.RFC3339Nano)}

	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, status := range statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		query += " AND status IN (" + strings.Join(placeholders, ", ") + ")"
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete stale sessions: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return removed, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*upload.Session, error) {
	var (
		session      upload.Session
		status       string
		rangesJSON   string
		artifactPath sql.NullString
		createdAt    string
		updatedAt    string
	)
	err := row.Scan(
		&session.ID,
		&session.OwnerID,
		&session.DeclaredSize,
		&session.MimeType,
		&status,
		&rangesJSON,
		&artifactPath,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	session.Status = upload.SessionStatus(status)
	session.ArtifactPath = scanNullableString(artifactPath)
	session.CreatedAt = parseTimestamp(createdAt)
	session.UpdatedAt = parseTimestamp(updatedAt)
	if err := json.Unmarshal([]byte(rangesJSON), &session.Ranges.Ranges); err != nil {
		return nil, fmt.Errorf("unmarshal ranges: %w", err)
	}
	return &session, nil
}
