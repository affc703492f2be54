package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks configuration invariants. It is called on every Load so a
// bad stage table or size limit fails at startup rather than mid-upload.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Paths.DataDir) == "" {
		problems = append(problems, "paths.data_dir is required")
	}
	if strings.TrimSpace(c.Server.Bind) == "" {
		problems = append(problems, "server.bind is required")
	}

	if c.Upload.maxUploadBytes <= 0 {
		problems = append(problems, "upload.max_upload_size must be positive")
	}
	if c.Upload.maxChunkBytes <= 0 {
		problems = append(problems, "upload.max_chunk_size must be positive")
	}
	if c.Upload.maxChunkBytes > c.Upload.maxUploadBytes && c.Upload.maxUploadBytes > 0 {
		problems = append(problems, "upload.max_chunk_size must not exceed upload.max_upload_size")
	}
	if c.Upload.MaxAssemblingPerOwner <= 0 {
		problems = append(problems, "upload.max_assembling_per_owner must be positive")
	}

	if c.Pipeline.WorkerCount <= 0 {
		problems = append(problems, "pipeline.worker_count must be positive")
	}
	if c.Pipeline.MaxRetries < 0 {
		problems = append(problems, "pipeline.max_retries must not be negative")
	}
	if c.Pipeline.RetryBackoffSeconds < 0 {
		problems = append(problems, "pipeline.retry_backoff_seconds must not be negative")
	}

	problems = append(problems, validateStages(c.Pipeline.Stages)...)

	if c.ObjectStore.Enabled && strings.TrimSpace(c.ObjectStore.Bucket) == "" {
		problems = append(problems, "object_store.bucket is required when object_store.enabled")
	}

	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}

func validateStages(stages []Stage) []string {
	var problems []string
	if len(stages) == 0 {
		return []string{"pipeline.stage list must not be empty"}
	}

	seen := make(map[string]struct{}, len(stages))
	weightSum := 0
	for i, stage := range stages {
		id := strings.TrimSpace(stage.ID)
		if id == "" {
			problems = append(problems, fmt.Sprintf("pipeline.stage[%d].id is required", i))
			continue
		}
		if _, ok := seen[id]; ok {
			problems = append(problems, fmt.Sprintf("pipeline.stage id %q is duplicated", id))
		}
		seen[id] = struct{}{}
		if stage.Weight <= 0 {
			problems = append(problems, fmt.Sprintf("pipeline.stage %q weight must be positive", id))
		}
		if stage.EstimatedDurationSeconds <= 0 {
			problems = append(problems, fmt.Sprintf("pipeline.stage %q estimated_duration_seconds must be positive", id))
		}
		weightSum += stage.Weight
	}

	if weightSum != 100 {
		problems = append(problems, fmt.Sprintf("pipeline.stage weights must sum to 100, got %d", weightSum))
	}
	return problems
}
