package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"shortform/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
[script]
api_key = "sk-test"
`)
	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("unexpected resolution: %q %v", resolved, exists)
	}
	if cfg.Workflow.MaxConcurrentJobs != 2 {
		t.Fatalf("expected default concurrency cap, got %d", cfg.Workflow.MaxConcurrentJobs)
	}
	if cfg.Script.BaseURL == "" || cfg.Script.Model == "" {
		t.Fatalf("expected script defaults, got %+v", cfg.Script)
	}
	if cfg.Visuals.Width != 1080 || cfg.Visuals.Height != 1920 {
		t.Fatalf("expected portrait visual defaults, got %dx%d", cfg.Visuals.Width, cfg.Visuals.Height)
	}
	if cfg.Publish.PrivacyStatus != "private" {
		t.Fatalf("expected private default, got %q", cfg.Publish.PrivacyStatus)
	}
}

func TestLoadExpandsPaths(t *testing.T) {
	path := writeConfig(t, `
[script]
api_key = "sk-test"

[paths]
workspace_dir = "~/shortform-work"
`)
	cfg, _, _, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if strings.HasPrefix(cfg.Paths.WorkspaceDir, "~") {
		t.Fatalf("expected expanded workspace dir, got %q", cfg.Paths.WorkspaceDir)
	}
	if !filepath.IsAbs(cfg.Paths.WorkspaceDir) {
		t.Fatalf("expected absolute workspace dir, got %q", cfg.Paths.WorkspaceDir)
	}
	if cfg.QueueDatabasePath() != filepath.Join(cfg.Paths.WorkspaceDir, "queue.db") {
		t.Fatalf("unexpected queue db path %q", cfg.QueueDatabasePath())
	}
}

func TestLoadRequiresScriptAPIKey(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "")
	path := writeConfig(t, `
[logging]
level = "debug"
`)
	if _, _, _, err := config.Load(path); err == nil {
		t.Fatal("expected error for missing script api key")
	}
}

func TestScriptAPIKeyFromEnvironment(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "sk-env")
	path := writeConfig(t, `
[logging]
level = "debug"
`)
	cfg, _, _, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Script.APIKey != "sk-env" {
		t.Fatalf("expected env api key, got %q", cfg.Script.APIKey)
	}
}

func TestPublishValidationWhenEnabled(t *testing.T) {
	t.Setenv("YOUTUBE_CLIENT_ID", "")
	t.Setenv("YOUTUBE_CLIENT_SECRET", "")
	t.Setenv("YOUTUBE_REFRESH_TOKEN", "")
	path := writeConfig(t, `
[script]
api_key = "sk-test"

[publish]
enabled = true
`)
	if _, _, _, err := config.Load(path); err == nil {
		t.Fatal("expected error for missing publish credentials")
	}
}

func TestHeartbeatTimeoutMustExceedInterval(t *testing.T) {
	path := writeConfig(t, `
[script]
api_key = "sk-test"

[workflow]
heartbeat_interval = 30
heartbeat_timeout = 30
`)
	if _, _, _, err := config.Load(path); err == nil {
		t.Fatal("expected error for heartbeat timeout <= interval")
	}
}

func TestRetryForMergesOverrides(t *testing.T) {
	path := writeConfig(t, `
[script]
api_key = "sk-test"

[retry.voice_synthesis]
max_attempts = 6
base_delay_seconds = 5
`)
	cfg, _, _, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	policy := cfg.RetryFor("voice_synthesis")
	if policy.MaxAttempts != 6 || policy.BaseDelaySeconds != 5 {
		t.Fatalf("expected overridden policy, got %+v", policy)
	}
	if policy.Multiplier != 2.0 || policy.MaxDelaySeconds != 60 {
		t.Fatalf("expected default fill-in, got %+v", policy)
	}
	fallback := cfg.RetryFor("publish")
	if fallback.MaxAttempts != 4 {
		t.Fatalf("expected default policy for unconfigured stage, got %+v", fallback)
	}
}

func TestBudgetsValidated(t *testing.T) {
	path := writeConfig(t, `
[script]
api_key = "sk-test"

[budgets.openrouter]
limit = 0
window_seconds = 60
`)
	if _, _, _, err := config.Load(path); err == nil {
		t.Fatal("expected error for non-positive budget limit")
	}
}

func TestCreateSampleRoundTrips(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "sk-env")
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample returned error: %v", err)
	}
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load of sample returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected sample config to exist")
	}
	if cfg.Compose.FPS != 30 {
		t.Fatalf("unexpected sample fps %d", cfg.Compose.FPS)
	}
}
