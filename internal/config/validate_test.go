package config_test

import (
	"strings"
	"testing"

	"autostage/internal/config"
)

func validConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.DataDir = t.TempDir()
	if err := cfg.Normalize(); err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	return cfg
}

func TestDefaultsValidate(t *testing.T) {
	cfg := validConfig(t)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got: %v", err)
	}
}

func TestStageWeightsMustSumToHundred(t *testing.T) {
	cfg := validConfig(t)
	cfg.Pipeline.Stages[0].Weight += 5
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "sum to 100") {
		t.Fatalf("expected weight-sum error, got: %v", err)
	}
}

func TestDuplicateStageIDsRejected(t *testing.T) {
	cfg := validConfig(t)
	cfg.Pipeline.Stages[1].ID = cfg.Pipeline.Stages[0].ID
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "duplicated") {
		t.Fatalf("expected duplicate-id error, got: %v", err)
	}
}

func TestEmptyStageListRejected(t *testing.T) {
	cfg := validConfig(t)
	cfg.Pipeline.Stages = nil
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "stage list must not be empty") {
		t.Fatalf("expected empty-stage error, got: %v", err)
	}
}

func TestStageFieldsValidated(t *testing.T) {
	cfg := validConfig(t)
	cfg.Pipeline.Stages[0].ID = "  "
	cfg.Pipeline.Stages[1].Weight = 0
	cfg.Pipeline.Stages[2].EstimatedDurationSeconds = 0
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation failure")
	}
	for _, want := range []string{"id is required", "weight must be positive", "estimated_duration_seconds must be positive"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected error to mention %q, got: %v", want, err)
		}
	}
}

func TestSizeParsing(t *testing.T) {
	cfg := validConfig(t)
	cfg.Upload.MaxUploadSize = "2GB"
	cfg.Upload.MaxChunkSize = "4MB"
	if err := cfg.Normalize(); err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if cfg.MaxUploadBytes() != 2*1024*1024*1024 {
		t.Fatalf("unexpected max upload bytes: %d", cfg.MaxUploadBytes())
	}
	if cfg.MaxChunkBytes() != 4*1024*1024 {
		t.Fatalf("unexpected max chunk bytes: %d", cfg.MaxChunkBytes())
	}

	cfg.Upload.MaxUploadSize = "lots"
	if err := cfg.Normalize(); err == nil {
		t.Fatal("expected parse error for bogus size")
	}
}

func TestChunkMustNotExceedUpload(t *testing.T) {
	cfg := validConfig(t)
	cfg.Upload.MaxUploadSize = "1MB"
	cfg.Upload.MaxChunkSize = "2MB"
	if err := cfg.Normalize(); err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "must not exceed") {
		t.Fatalf("expected chunk/upload bound error, got: %v", err)
	}
}

func TestObjectStoreRequiresBucket(t *testing.T) {
	cfg := validConfig(t)
	cfg.ObjectStore.Enabled = true
	cfg.ObjectStore.Bucket = ""
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "object_store.bucket") {
		t.Fatalf("expected bucket requirement error, got: %v", err)
	}
}
