// Package script generates and refines video scripts. Generation talks to
// an OpenRouter-style chat completion API; processing is a local refinement
// pass over the generated script.
package script

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"shortform/internal/config"
	"shortform/internal/services"
)

const (
	providerName       = "openrouter"
	defaultHTTPTimeout = 60 * time.Second
)

// Client issues single chat completion requests. It never retries: the
// stage executor owns retry, backoff, and budget accounting, so every call
// here maps to exactly one charged provider attempt.
type Client struct {
	cfg        config.Script
	model      string
	httpClient *http.Client
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client (useful for tests).
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient constructs a client for the given model using the script
// configuration. An empty model falls back to the configured default.
func NewClient(cfg config.Script, model string, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	if model == "" {
		model = cfg.Model
	}
	client := &Client{
		cfg:        cfg,
		model:      strings.TrimSpace(model),
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// Model returns the model this client targets.
func (c *Client) Model() string { return c.model }

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// CompleteJSON sends one JSON-mode chat completion and returns the raw
// content. All failures come back as *services.Failure.
func (c *Client) CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return "", services.NewFailure(services.KindAuth, providerName, "complete", "api key required", nil)
	}
	payload := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: strings.TrimSpace(systemPrompt)},
			{Role: "user", Content: strings.TrimSpace(userPrompt)},
		},
		Temperature:    0.7,
		ResponseFormat: map[string]string{"type": "json_object"},
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", services.NewFailure(services.KindInvalidInput, providerName, "complete", "encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(encoded))
	if err != nil {
		return "", services.NewFailure(services.KindInvalidInput, providerName, "complete", "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(c.cfg.APIKey))
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Referer != "" {
		req.Header.Set("HTTP-Referer", c.cfg.Referer)
		req.Header.Set("Referer", c.cfg.Referer)
	}
	if c.cfg.Title != "" {
		req.Header.Set("X-Title", c.cfg.Title)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", services.NewFailure(services.ClassifyError(err), providerName, "complete", "http error", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", services.NewFailure(services.ClassifyError(err), providerName, "complete", "read body", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		failure := services.NewFailure(
			services.ClassifyHTTPStatus(resp.StatusCode),
			providerName, "complete",
			fmt.Sprintf("http %d: %s", resp.StatusCode, snippet(string(body))),
			nil,
		)
		// The request reached the provider, so the call still counted.
		failure.QuotaConsumed = true
		failure.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return "", failure
	}

	var completion chatResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		f := services.NewFailure(services.KindUnknown, providerName, "complete", "decode response", err)
		f.QuotaConsumed = true
		return "", f
	}
	if completion.Error != nil {
		f := services.NewFailure(services.KindUnknown, providerName, "complete",
			"api error: "+strings.TrimSpace(completion.Error.Message), nil)
		f.QuotaConsumed = true
		return "", f
	}
	for _, choice := range completion.Choices {
		if content := strings.TrimSpace(choice.Message.Content); content != "" {
			return content, nil
		}
		if refusal := strings.TrimSpace(choice.Message.Refusal); refusal != "" {
			f := services.NewFailure(services.KindInvalidInput, providerName, "complete",
				"model refused: "+snippet(refusal), nil)
			f.QuotaConsumed = true
			return "", f
		}
	}
	f := services.NewFailure(services.KindUnknown, providerName, "complete",
		"empty content (snippet: "+snippet(string(body))+")", nil)
	f.QuotaConsumed = true
	return "", f
}

func (c *Client) endpoint() string {
	base := strings.TrimSpace(c.cfg.BaseURL)
	if base == "" {
		base = "https://openrouter.ai/api/v1"
	}
	return strings.TrimRight(base, "/") + "/chat/completions"
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if when, err := http.ParseTime(value); err == nil {
		if delay := time.Until(when); delay > 0 {
			return delay
		}
	}
	return 0
}

func snippet(content string) string {
	clean := strings.Join(strings.Fields(strings.TrimSpace(content)), " ")
	if clean == "" {
		return "<empty>"
	}
	const limit = 160
	runes := []rune(clean)
	if len(runes) > limit {
		return string(runes[:limit]) + "..."
	}
	return clean
}

// DecodeScriptJSON decodes JSON from a model response, tolerating code
// fences and leading prose around the object.
func DecodeScriptJSON(content string, target any) error {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return errors.New("empty payload")
	}
	if err := json.Unmarshal([]byte(trimmed), target); err == nil {
		return nil
	}
	sanitized := sanitizePayload(trimmed)
	if err := json.Unmarshal([]byte(sanitized), target); err != nil {
		return fmt.Errorf("%w (payload snippet: %s)", err, snippet(sanitized))
	}
	return nil
}

func sanitizePayload(content string) string {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		body := strings.TrimLeft(trimmed[3:], " \t\r\n")
		if len(body) >= 4 && strings.EqualFold(body[:4], "json") {
			body = strings.TrimLeft(body[4:], " \t\r\n")
		}
		if idx := strings.LastIndex(body, "```"); idx >= 0 {
			body = body[:idx]
		}
		trimmed = strings.TrimSpace(body)
	}
	if start := strings.Index(trimmed, "{"); start >= 0 {
		if end := strings.LastIndex(trimmed, "}"); end > start {
			return strings.TrimSpace(trimmed[start : end+1])
		}
	}
	return trimmed
}
