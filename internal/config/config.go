package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	WorkspaceDir string `toml:"workspace_dir"`
	LibraryDir   string `toml:"library_dir"`
	LogDir       string `toml:"log_dir"`
}

// Workflow contains configuration for daemon timing and concurrency.
type Workflow struct {
	QueuePollInterval  int `toml:"queue_poll_interval"`
	ErrorRetryInterval int `toml:"error_retry_interval"`
	HeartbeatInterval  int `toml:"heartbeat_interval"`
	HeartbeatTimeout   int `toml:"heartbeat_timeout"`
	// MaxConcurrentJobs is the global cap on jobs with a stage in flight.
	MaxConcurrentJobs int `toml:"max_concurrent_jobs"`
}

// Script contains configuration for the LLM used by script generation and
// script processing.
type Script struct {
	APIKey         string   `toml:"api_key"`
	BaseURL        string   `toml:"base_url"`
	Model          string   `toml:"model"`
	FallbackModels []string `toml:"fallback_models"`
	Referer        string   `toml:"referer"`
	Title          string   `toml:"title"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
}

// Speech contains configuration for voice synthesis.
type Speech struct {
	APIKey           string   `toml:"api_key"`
	BaseURL          string   `toml:"base_url"`
	Voice            string   `toml:"voice"`
	Format           string   `toml:"format"`
	FallbackBaseURLs []string `toml:"fallback_base_urls"`
	TimeoutSeconds   int      `toml:"timeout_seconds"`
}

// Visuals contains configuration for image generation.
type Visuals struct {
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	Width          int    `toml:"width"`
	Height         int    `toml:"height"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Compose contains configuration for video composition.
type Compose struct {
	FFmpegBinary   string `toml:"ffmpeg_binary"`
	Resolution     string `toml:"resolution"`
	FPS            int    `toml:"fps"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Publish contains configuration for uploading finished videos.
type Publish struct {
	Enabled       bool   `toml:"enabled"`
	ClientID      string `toml:"client_id"`
	ClientSecret  string `toml:"client_secret"`
	RefreshToken  string `toml:"refresh_token"`
	CategoryID    string `toml:"category_id"`
	PrivacyStatus string `toml:"privacy_status"`
	MadeForKids   bool   `toml:"made_for_kids"`
	TimeoutSeconds int   `toml:"timeout_seconds"`
}

// Retry contains a per-stage retry policy. Zero values fall back to the
// built-in defaults.
type Retry struct {
	MaxAttempts      int     `toml:"max_attempts"`
	BaseDelaySeconds int     `toml:"base_delay_seconds"`
	Multiplier       float64 `toml:"multiplier"`
	MaxDelaySeconds  int     `toml:"max_delay_seconds"`
}

// Budget caps calls charged to a rate key inside a rolling window.
type Budget struct {
	Limit         int `toml:"limit"`
	WindowSeconds int `toml:"window_seconds"`
}

// Window returns the budget window as a duration.
func (b Budget) Window() time.Duration {
	return time.Duration(b.WindowSeconds) * time.Second
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic          string `toml:"ntfy_topic"`
	RequestTimeout     int    `toml:"request_timeout"`
	JobComplete        bool   `toml:"job_complete"`
	JobFailed          bool   `toml:"job_failed"`
	QueueDrained       bool   `toml:"queue_drained"`
	DedupWindowSeconds int    `toml:"dedup_window_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for the pipeline.
//
// Configuration sections by subsystem:
//   - Paths: workspace, library, and log directories
//   - Workflow: daemon polling intervals, heartbeats, concurrency cap
//   - Script: LLM connection for script generation/processing
//   - Speech: TTS provider plus ordered fallbacks
//   - Visuals: image generation endpoint
//   - Compose: ffmpeg composition settings
//   - Publish: upload credentials and video metadata defaults
//   - Retry: per-stage retry policy overrides
//   - Budgets: rolling-window rate budgets keyed by rate key
//   - Notifications: ntfy push notification settings
//   - Logging: log format, level, and retention
type Config struct {
	Paths         Paths             `toml:"paths"`
	Workflow      Workflow          `toml:"workflow"`
	Script        Script            `toml:"script"`
	Speech        Speech            `toml:"speech"`
	Visuals       Visuals           `toml:"visuals"`
	Compose       Compose           `toml:"compose"`
	Publish       Publish           `toml:"publish"`
	Retry         map[string]Retry  `toml:"retry"`
	Budgets       map[string]Budget `toml:"budgets"`
	Notifications Notifications     `toml:"notifications"`
	Logging       Logging           `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/shortform/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized.
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

	if err := cfg.normalize(); err != nil {
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

	defaultPath, err := expandPath("~/.config/shortform/config.toml")
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("shortform.toml")
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

// EnsureDirectories creates required directories for daemon operation.
// LibraryDir is created on a best-effort basis so the daemon can run when
// external storage is temporarily unavailable.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.WorkspaceDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if strings.TrimSpace(c.Paths.LibraryDir) != "" {
		_ = os.MkdirAll(c.Paths.LibraryDir, 0o755)
	}
	return nil
}

// QueueDatabasePath returns the SQLite database location for the job store.
func (c *Config) QueueDatabasePath() string {
	return filepath.Join(c.Paths.WorkspaceDir, "queue.db")
}

// FFmpegBinary returns the ffmpeg executable used for composition.
func (c *Config) FFmpegBinary() string {
	if bin := strings.TrimSpace(c.Compose.FFmpegBinary); bin != "" {
		return bin
	}
	return "ffmpeg"
}

// RetryFor returns the retry policy for a stage, merged over defaults.
func (c *Config) RetryFor(stage string) Retry {
	merged := defaultRetry
	if override, ok := c.Retry[stage]; ok {
		if override.MaxAttempts > 0 {
			merged.MaxAttempts = override.MaxAttempts
		}
		if override.BaseDelaySeconds > 0 {
			merged.BaseDelaySeconds = override.BaseDelaySeconds
		}
		if override.Multiplier > 0 {
			merged.Multiplier = override.Multiplier
		}
		if override.MaxDelaySeconds > 0 {
			merged.MaxDelaySeconds = override.MaxDelaySeconds
		}
	}
	return merged
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

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	sample := sampleConfig

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
