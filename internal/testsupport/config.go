package testsupport

import (
	"path/filepath"
	"testing"

	"autostage/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Server.Bind = "127.0.0.1:0"
	cfg.Upload.MaxUploadSize = "64MB"
	cfg.Upload.MaxChunkSize = "1MB"
	cfg.Pipeline.RetryBackoffSeconds = 0
	cfg.Pipeline.RetryBackoffCapSeconds = 0
	cfg.Processor.BaseURL = "http://127.0.0.1:0"

	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.Normalize(); err != nil {
		t.Fatalf("normalize test config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate test config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure test directories: %v", err)
	}
	return &cfg
}

// WithStages replaces the pipeline stage list on the test config.
func WithStages(stages []config.Stage) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Pipeline.Stages = stages
	}
}

// WithMaxChunkSize overrides the per-chunk ceiling on the test config.
func WithMaxChunkSize(size string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Upload.MaxChunkSize = size
	}
}
