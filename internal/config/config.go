package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/go-units"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir string `toml:"data_dir"`
	LogDir  string `toml:"log_dir"`
}

// Server contains HTTP API configuration.
type Server struct {
	Bind     string `toml:"bind"`
	APIToken string `toml:"api_token"`
}

// Upload contains chunked upload limits and retention settings.
type Upload struct {
	// MaxUploadSize and MaxChunkSize accept human-readable sizes ("4GB", "8MB").
	MaxUploadSize         string `toml:"max_upload_size"`
	MaxChunkSize          string `toml:"max_chunk_size"`
	MaxAssemblingPerOwner int    `toml:"max_assembling_per_owner"`
	SessionRetentionHours int    `toml:"session_retention_hours"`
	SweepIntervalSeconds  int    `toml:"sweep_interval_seconds"`

	maxUploadBytes int64
	maxChunkBytes  int64
}

// Stage describes one pipeline stage: its identity, its share of overall
// progress, and the duration estimate used for ETA computation.
type Stage struct {
	ID                       string `toml:"id"`
	DisplayName              string `toml:"display_name"`
	Weight                   int    `toml:"weight"`
	EstimatedDurationSeconds int    `toml:"estimated_duration_seconds"`
}

// Pipeline contains orchestration settings and the ordered stage list.
type Pipeline struct {
	WorkerCount            int     `toml:"worker_count"`
	MaxRetries             int     `toml:"max_retries"`
	RetryBackoffSeconds    int     `toml:"retry_backoff_seconds"`
	RetryBackoffCapSeconds int     `toml:"retry_backoff_cap_seconds"`
	Stages                 []Stage `toml:"stage"`
}

// Processor contains the external stage-processor service connection settings.
type Processor struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	RequestTimeout int    `toml:"request_timeout"`
}

// ObjectStore contains optional S3-compatible artifact archival settings.
type ObjectStore struct {
	Enabled  bool   `toml:"enabled"`
	Bucket   string `toml:"bucket"`
	Region   string `toml:"region"`
	Endpoint string `toml:"endpoint"`
	Prefix   string `toml:"prefix"`
}

// Monitoring contains the webhook used for critical error notifications.
type Monitoring struct {
	WebhookURL     string `toml:"webhook_url"`
	RequestTimeout int    `toml:"request_timeout"`
}

// Errors contains classifier history retention settings.
type Errors struct {
	HistoryLimit   int `toml:"history_limit"`
	RetentionHours int `toml:"retention_hours"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for autostage.
type Config struct {
	Paths       Paths       `toml:"paths"`
	Server      Server      `toml:"server"`
	Upload      Upload      `toml:"upload"`
	Pipeline    Pipeline    `toml:"pipeline"`
	Processor   Processor   `toml:"processor"`
	ObjectStore ObjectStore `toml:"object_store"`
	Monitoring  Monitoring  `toml:"monitoring"`
	Errors      Errors      `toml:"errors"`
	Logging     Logging     `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/autostage/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and size strings parsed.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.Normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("autostage.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// Normalize expands path fields and parses human-readable size strings.
// Load calls it automatically; callers constructing a Config in code must
// invoke it before use.
func (c *Config) Normalize() error {
	for _, field := range []*string{&c.Paths.DataDir, &c.Paths.LogDir} {
		expanded, err := expandPath(*field)
		if err != nil {
			return err
		}
		*field = expanded
	}

	maxUpload, err := units.RAMInBytes(strings.TrimSpace(c.Upload.MaxUploadSize))
	if err != nil {
		return fmt.Errorf("parse max_upload_size: %w", err)
	}
	c.Upload.maxUploadBytes = maxUpload

	maxChunk, err := units.RAMInBytes(strings.TrimSpace(c.Upload.MaxChunkSize))
	if err != nil {
		return fmt.Errorf("parse max_chunk_size: %w", err)
	}
	c.Upload.maxChunkBytes = maxChunk

	c.Server.Bind = strings.TrimSpace(c.Server.Bind)
	c.Processor.BaseURL = strings.TrimSpace(strings.TrimSuffix(c.Processor.BaseURL, "/"))
	c.Monitoring.WebhookURL = strings.TrimSpace(c.Monitoring.WebhookURL)
	return nil
}

// MaxUploadBytes returns the parsed upload size ceiling.
func (c *Config) MaxUploadBytes() int64 { return c.Upload.maxUploadBytes }

// MaxChunkBytes returns the parsed per-chunk size ceiling.
func (c *Config) MaxChunkBytes() int64 { return c.Upload.maxChunkBytes }

// StagingDir returns the directory holding in-flight upload part files.
func (c *Config) StagingDir() string {
	return filepath.Join(c.Paths.DataDir, "staging")
}

// ArtifactDir returns the directory holding assembled artifacts.
func (c *Config) ArtifactDir() string {
	return filepath.Join(c.Paths.DataDir, "artifacts")
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir, c.StagingDir(), c.ArtifactDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
