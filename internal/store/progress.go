package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"autostage/internal/progress"
)

// SaveProgress upserts the latest progress snapshot for a job so polling
// clients can read progress even after the daemon restarts.
func (s *Store) SaveProgress(ctx context.Context, snapshot progress.Snapshot) error {
	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO progress_snapshots (upload_id, owner_id, snapshot_json, updated_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(upload_id) DO UPDATE SET
            snapshot_json = excluded.snapshot_json,
            updated_at = excluded.updated_at`,
		snapshot.UploadID,
		snapshot.OwnerID,
		string(snapshotJSON),
		snapshot.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save progress %s: %w", snapshot.UploadID, err)
	}
	return nil
}

// LoadProgress fetches the stored snapshot for a job, or nil when absent.
func (s *Store) LoadProgress(ctx context.Context, uploadID string) (*progress.Snapshot, error) {
	var snapshotJSON, ownerID string
	err := s.db.QueryRowContext(ctx,
		"SELECT snapshot_json, owner_id FROM progress_snapshots WHERE upload_id = ?", uploadID,
	).Scan(&snapshotJSON, &ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load progress %s: %w", uploadID, err)
	}

	var snapshot progress.Snapshot
	if err := json.Unmarshal([]byte(snapshotJSON), &snapshot); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	snapshot.OwnerID = ownerID
	return &snapshot, nil
}
