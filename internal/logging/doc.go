// Package logging configures slog output for the daemon and provides
// standardized field names and context helpers shared by every component.
package logging
