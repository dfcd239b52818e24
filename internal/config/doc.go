// Package config loads, normalizes, and validates the TOML configuration
// shared by the daemon and CLI. Defaults live in defaults.go, environment
// overlays for provider credentials in normalize.go, and hard requirements
// in validate.go.
package config
