package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"autostage/internal/pipeline"
)

// SaveJob upserts a pipeline job row.
func (s *Store) SaveJob(ctx context.Context, job *pipeline.Job) error {
	stagesJSON, err := json.Marshal(job.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (
            upload_id, owner_id, artifact_path, mime_type, status,
            stages_json, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(upload_id) DO UPDATE SET
            status = excluded.status,
            stages_json = excluded.stages_json,
            updated_at = excluded.updated_at`,
		job.UploadID,
		job.OwnerID,
		nullableString(job.ArtifactPath),
		job.MimeType,
		string(job.Status),
		string(stagesJSON),
		job.CreatedAt.UTC().Format(time.RFC3339Nano),
		job.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.UploadID, err)
	}
	return nil
}

// LoadJob fetches one job by upload id, or nil when absent.
func (s *Store) LoadJob(ctx context.Context, uploadID string) (*pipeline.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT upload_id, owner_id, artifact_path, mime_type, status,
            stages_json, created_at, updated_at
        FROM jobs WHERE upload_id = ?`, uploadID)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", uploadID, err)
	}
	return job, nil
}

// JobsByStatus returns all jobs in the given status, oldest first.
func (s *Store) JobsByStatus(ctx context.Context, status pipeline.JobStatus) ([]*pipeline.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT upload_id, owner_id, artifact_path, mime_type, status,
            stages_json, created_at, updated_at
        FROM jobs WHERE status = ? ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("query jobs by status: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListJobs returns up to limit jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]*pipeline.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT upload_id, owner_id, artifact_path, mime_type, status,
            stages_json, created_at, updated_at
        FROM jobs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]*pipeline.Job, error) {
	var jobs []*pipeline.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row rowScanner) (*pipeline.Job, error) {
	var (
		job          pipeline.Job
		artifactPath sql.NullString
		status       string
		stagesJSON   string
		createdAt    string
		updatedAt    string
	)
	err := row.Scan(
		&job.UploadID,
		&job.OwnerID,
		&artifactPath,
		&job.MimeType,
		&status,
		&stagesJSON,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.ArtifactPath = scanNullableString(artifactPath)
	job.Status = pipeline.JobStatus(status)
	job.CreatedAt = parseTimestamp(createdAt)
	job.UpdatedAt = parseTimestamp(updatedAt)
	if err := json.Unmarshal([]byte(stagesJSON), &job.Stages); err != nil {
		return nil, fmt.Errorf("unmarshal stages: %w", err)
	}
	return &job, nil
}
