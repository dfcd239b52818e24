package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateScript(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateCompose(); err != nil {
		return err
	}
	if err := c.validatePublish(); err != nil {
		return err
	}
	if err := c.validateRetry(); err != nil {
		return err
	}
	if err := c.validateBudgets(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateScript() error {
	if c.Script.APIKey == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = "~/.config/shortform/config.toml"
		}
		return fmt.Errorf("script.api_key is required. Set OPENROUTER_API_KEY env var or edit %s (create with 'shortform config init')", defaultPath)
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if err := ensurePositiveMap(map[string]int{
		"workflow.queue_poll_interval":  c.Workflow.QueuePollInterval,
		"workflow.error_retry_interval": c.Workflow.ErrorRetryInterval,
		"workflow.max_concurrent_jobs":  c.Workflow.MaxConcurrentJobs,
		"notifications.request_timeout": c.Notifications.RequestTimeout,
	}); err != nil {
		return err
	}
	if c.Workflow.HeartbeatInterval <= 0 {
		return errors.New("workflow.heartbeat_interval must be positive")
	}
	if c.Workflow.HeartbeatTimeout <= 0 {
		return errors.New("workflow.heartbeat_timeout must be positive")
	}
	if c.Workflow.HeartbeatTimeout <= c.Workflow.HeartbeatInterval {
		return errors.New("workflow.heartbeat_timeout must be greater than workflow.heartbeat_interval")
	}
	return nil
}

func (c *Config) validateCompose() error {
	parts := strings.SplitN(c.Compose.Resolution, "x", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
		return fmt.Errorf("compose.resolution must look like WIDTHxHEIGHT, got %q", c.Compose.Resolution)
	}
	return nil
}

func (c *Config) validatePublish() error {
	if !c.Publish.Enabled {
		return nil
	}
	if c.Publish.ClientID == "" {
		return errors.New("publish.client_id must be set when publish.enabled is true (or set YOUTUBE_CLIENT_ID)")
	}
	if c.Publish.ClientSecret == "" {
		return errors.New("publish.client_secret must be set when publish.enabled is true (or set YOUTUBE_CLIENT_SECRET)")
	}
	if c.Publish.RefreshToken == "" {
		return errors.New("publish.refresh_token must be set when publish.enabled is true (or set YOUTUBE_REFRESH_TOKEN)")
	}
	switch c.Publish.PrivacyStatus {
	case "private", "unlisted", "public":
	default:
		return fmt.Errorf("publish.privacy_status must be private, unlisted, or public, got %q", c.Publish.PrivacyStatus)
	}
	return nil
}

func (c *Config) validateRetry() error {
	for stage, policy := range c.Retry {
		if policy.MaxAttempts < 0 {
			return fmt.Errorf("retry.%s.max_attempts must be >= 0", stage)
		}
		if policy.BaseDelaySeconds < 0 {
			return fmt.Errorf("retry.%s.base_delay_seconds must be >= 0", stage)
		}
		if policy.Multiplier < 0 {
			return fmt.Errorf("retry.%s.multiplier must be >= 0", stage)
		}
		if policy.MaxDelaySeconds < 0 {
			return fmt.Errorf("retry.%s.max_delay_seconds must be >= 0", stage)
		}
	}
	return nil
}

func (c *Config) validateBudgets() error {
	for key, budget := range c.Budgets {
		if budget.Limit <= 0 {
			return fmt.Errorf("budgets.%s.limit must be positive", key)
		}
		if budget.WindowSeconds <= 0 {
			return fmt.Errorf("budgets.%s.window_seconds must be positive", key)
		}
	}
	return nil
}

func (c *Config) validateNotifications() error {
	if c.Notifications.DedupWindowSeconds < 0 {
		return errors.New("notifications.dedup_window_seconds must be >= 0")
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
