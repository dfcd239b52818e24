package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeScript()
	c.normalizeSpeech()
	c.normalizeVisuals()
	c.normalizeCompose()
	c.normalizePublish()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.WorkspaceDir, err = expandPath(c.Paths.WorkspaceDir); err != nil {
		return fmt.Errorf("paths.workspace_dir: %w", err)
	}
	if c.Paths.LibraryDir, err = expandPath(c.Paths.LibraryDir); err != nil {
		return fmt.Errorf("paths.library_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeScript() {
	c.Script.APIKey = strings.TrimSpace(c.Script.APIKey)
	if c.Script.APIKey == "" {
		if value, ok := os.LookupEnv("OPENROUTER_API_KEY"); ok {
			c.Script.APIKey = strings.TrimSpace(value)
		}
	}
	c.Script.BaseURL = strings.TrimSpace(c.Script.BaseURL)
	if c.Script.BaseURL == "" {
		c.Script.BaseURL = defaultScriptBaseURL
	}
	c.Script.Model = strings.TrimSpace(c.Script.Model)
	if c.Script.Model == "" {
		c.Script.Model = defaultScriptModel
	}
	c.Script.FallbackModels = dedupeTrimmed(c.Script.FallbackModels)
	c.Script.Referer = strings.TrimSpace(c.Script.Referer)
	c.Script.Title = strings.TrimSpace(c.Script.Title)
	if c.Script.TimeoutSeconds <= 0 {
		c.Script.TimeoutSeconds = defaultScriptTimeoutSeconds
	}
}

func (c *Config) normalizeSpeech() {
	c.Speech.APIKey = strings.TrimSpace(c.Speech.APIKey)
	if c.Speech.APIKey == "" {
		if value, ok := os.LookupEnv("TTS_API_KEY"); ok {
			c.Speech.APIKey = strings.TrimSpace(value)
		}
	}
	c.Speech.BaseURL = strings.TrimSpace(c.Speech.BaseURL)
	if c.Speech.BaseURL == "" {
		c.Speech.BaseURL = defaultSpeechBaseURL
	}
	c.Speech.Voice = strings.TrimSpace(c.Speech.Voice)
	if c.Speech.Voice == "" {
		c.Speech.Voice = defaultSpeechVoice
	}
	c.Speech.Format = strings.ToLower(strings.TrimSpace(c.Speech.Format))
	if c.Speech.Format == "" {
		c.Speech.Format = defaultSpeechFormat
	}
	c.Speech.FallbackBaseURLs = dedupeTrimmed(c.Speech.FallbackBaseURLs)
	if c.Speech.TimeoutSeconds <= 0 {
		c.Speech.TimeoutSeconds = defaultSpeechTimeoutSeconds
	}
}

func (c *Config) normalizeVisuals() {
	c.Visuals.BaseURL = strings.TrimSpace(c.Visuals.BaseURL)
	if c.Visuals.BaseURL == "" {
		c.Visuals.BaseURL = defaultVisualsBaseURL
	}
	c.Visuals.Model = strings.TrimSpace(c.Visuals.Model)
	if c.Visuals.Model == "" {
		c.Visuals.Model = defaultVisualsModel
	}
	if c.Visuals.Width <= 0 {
		c.Visuals.Width = defaultVisualsWidth
	}
	if c.Visuals.Height <= 0 {
		c.Visuals.Height = defaultVisualsHeight
	}
	if c.Visuals.TimeoutSeconds <= 0 {
		c.Visuals.TimeoutSeconds = defaultVisualsTimeoutSeconds
	}
}

func (c *Config) normalizeCompose() {
	c.Compose.FFmpegBinary = strings.TrimSpace(c.Compose.FFmpegBinary)
	c.Compose.Resolution = strings.TrimSpace(c.Compose.Resolution)
	if c.Compose.Resolution == "" {
		c.Compose.Resolution = defaultComposeResolution
	}
	if c.Compose.FPS <= 0 {
		c.Compose.FPS = defaultComposeFPS
	}
	if c.Compose.TimeoutSeconds <= 0 {
		c.Compose.TimeoutSeconds = defaultComposeTimeoutSeconds
	}
}

func (c *Config) normalizePublish() {
	c.Publish.ClientID = strings.TrimSpace(c.Publish.ClientID)
	if c.Publish.ClientID == "" {
		if value, ok := os.LookupEnv("YOUTUBE_CLIENT_ID"); ok {
			c.Publish.ClientID = strings.TrimSpace(value)
		}
	}
	c.Publish.ClientSecret = strings.TrimSpace(c.Publish.ClientSecret)
	if c.Publish.ClientSecret == "" {
		if value, ok := os.LookupEnv("YOUTUBE_CLIENT_SECRET"); ok {
			c.Publish.ClientSecret = strings.TrimSpace(value)
		}
	}
	c.Publish.RefreshToken = strings.TrimSpace(c.Publish.RefreshToken)
	if c.Publish.RefreshToken == "" {
		if value, ok := os.LookupEnv("YOUTUBE_REFRESH_TOKEN"); ok {
			c.Publish.RefreshToken = strings.TrimSpace(value)
		}
	}
	c.Publish.CategoryID = strings.TrimSpace(c.Publish.CategoryID)
	if c.Publish.CategoryID == "" {
		c.Publish.CategoryID = defaultPublishCategoryID
	}
	c.Publish.PrivacyStatus = strings.ToLower(strings.TrimSpace(c.Publish.PrivacyStatus))
	if c.Publish.PrivacyStatus == "" {
		c.Publish.PrivacyStatus = defaultPublishPrivacyStatus
	}
	if c.Publish.TimeoutSeconds <= 0 {
		c.Publish.TimeoutSeconds = defaultPublishTimeoutSeconds
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}

func dedupeTrimmed(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, exists := seen[trimmed]; exists {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
