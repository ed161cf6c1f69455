// Package logging constructs slog loggers with console or JSON output and
// provides the attribute helpers used across the daemon.
package logging
