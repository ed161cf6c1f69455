// Package config loads, validates, and normalizes soundpress configuration
// from TOML files with repository defaults.
package config
