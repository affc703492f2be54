// Package config loads, validates, and normalizes the TOML configuration
// that controls upload limits, pipeline stages, and daemon behavior.
package config
