package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"autostage/internal/faults"
)

// SaveFaultRecord appends one classified fault to the records table.
func (s *Store) SaveFaultRecord(ctx context.Context, record faults.Record) error {
	recoveryJSON, err := json.Marshal(record.RecoverySteps)
	if err != nil {
		return fmt.Errorf("marshal recovery steps: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO fault_records (
            owner_id, upload_id, stage, code, category, severity,
            user_message, recovery_json, retryable, retry_count, occurred_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.OwnerID,
		nullableString(record.UploadID),
		nullableString(record.Stage),
		record.Code,
		string(record.Category),
		string(record.Severity),
		record.UserMessage,
		string(recoveryJSON),
		boolToInt(record.Retryable),
		record.RetryCount,
		record.OccurredAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save fault record: %w", err)
	}
	return nil
}

// RecentFaults returns up to limit records for an owner, newest first.
func (s *Store) RecentFaults(ctx context.Context, ownerID string, limit int) ([]faults.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT owner_id, upload_id, stage, code, category, severity,
            user_message, recovery_json, retryable, retry_count, occurred_at
        FROM fault_records WHERE owner_id = ?
        ORDER BY occurred_at DESC LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query fault records: %w", err)
	}
	defer rows.Close()

	var records []faults.Record
	for rows.Next() {
		record, err := scanFaultRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fault record: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// DeleteFaultsBefore drops records older than cutoff and reports the count.
func (s *Store) DeleteFaultsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM fault_records WHERE occurred_at < ?",
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("delete stale fault records: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return removed, nil
}

func scanFaultRecord(row rowScanner) (faults.Record, error) {
	var (
		record       faults.Record
		uploadID     sql.NullString
		stage        sql.NullString
		category     string
		severity     string
		recoveryJSON string
		retryable    int
		occurredAt   string
	)
	err := row.Scan(
		&record.OwnerID,
		&uploadID,
		&stage,
		&record.Code,
		&category,
		&severity,
		&record.UserMessage,
		&recoveryJSON,
		&retryable,
		&record.RetryCount,
		&occurredAt,
	)
	if err != nil {
		return faults.Record{}, err
	}

	record.UploadID = scanNullableString(uploadID)
	record.Stage = scanNullableString(stage)
	record.Category = faults.Category(category)
	record.Severity = faults.Severity(severity)
	record.Retryable = retryable != 0
	record.OccurredAt = parseTimestamp(occurredAt)
	if err := json.Unmarshal([]byte(recoveryJSON), &record.RecoverySteps); err != nil {
		return faults.Record{}, fmt.Errorf("unmarshal recovery steps: %w", err)
	}
	return record, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
