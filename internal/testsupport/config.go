// Package testsupport provides shared helpers for package tests.
package testsupport

import (
	"path/filepath"
	"testing"

	"shortform/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Script.APIKey = "test"
	cfg.Paths.WorkspaceDir = filepath.Join(base, "workspace")
	cfg.Paths.LibraryDir = filepath.Join(base, "library")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Workflow.QueuePollInterval = 1
	cfg.Retry = map[string]config.Retry{
		"default": {MaxAttempts: 2, BaseDelaySeconds: 1, Multiplier: 2, MaxDelaySeconds: 1},
	}

	for _, opt := range opts {
		opt(&cfg)
	}
	return &cfg
}

// WithBudget sets a rate budget on the test config.
func WithBudget(key string, limit, windowSeconds int) ConfigOption {
	return func(cfg *config.Config) {
		if cfg.Budgets == nil {
			cfg.Budgets = make(map[string]config.Budget)
		}
		cfg.Budgets[key] = config.Budget{Limit: limit, WindowSeconds: windowSeconds}
	}
}

// WithPublishEnabled enables publishing with stand-in credentials.
func WithPublishEnabled() ConfigOption {
	return func(cfg *config.Config) {
		cfg.Publish.Enabled = true
		cfg.Publish.ClientID = "test-client"
		cfg.Publish.ClientSecret = "test-secret"
		cfg.Publish.RefreshToken = "test-token"
	}
}
