// Package speech renders the processed script's narration segment by
// segment through an ElevenLabs-style text-to-speech API.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"shortform/internal/config"
	"shortform/internal/provider"
	"shortform/internal/queue"
	"shortform/internal/services"
)

const (
	providerName       = "tts"
	defaultHTTPTimeout = 120 * time.Second
)

// Synthesizer runs voice synthesis against one TTS endpoint. Fallback
// endpoints are separate Synthesizer instances chained by the executor.
type Synthesizer struct {
	cfg        config.Speech
	baseURL    string
	httpClient *http.Client
}

// Option customizes the synthesizer.
type Option func(*Synthesizer)

// WithHTTPClient overrides the default HTTP client (useful for tests).
func WithHTTPClient(client *http.Client) Option {
	return func(s *Synthesizer) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// NewSynthesizer builds a synthesis adapter for one endpoint. An empty
// baseURL falls back to the configured default.
func NewSynthesizer(cfg config.Speech, baseURL string, opts ...Option) *Synthesizer {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	if baseURL == "" {
		baseURL = cfg.BaseURL
	}
	s := &Synthesizer{
		cfg:        cfg,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Synthesizers builds the fallback chain: the configured endpoint first,
// then each fallback endpoint in order.
func Synthesizers(cfg config.Speech, opts ...Option) []provider.Adapter {
	adapters := []provider.Adapter{NewSynthesizer(cfg, cfg.BaseURL, opts...)}
	for _, base := range cfg.FallbackBaseURLs {
		if base = strings.TrimSpace(base); base != "" {
			adapters = append(adapters, NewSynthesizer(cfg, base, opts...))
		}
	}
	return adapters
}

func (s *Synthesizer) Name() string {
	if host := hostOf(s.baseURL); host != "" {
		return providerName + "/" + host
	}
	return providerName
}

func (s *Synthesizer) RateKey() string { return providerName }

// Invoke renders one audio file per script segment under audio/ in the work
// directory and records them in a narration manifest. Segment rendering is
// all-or-nothing: a failure partway through discards the attempt.
func (s *Synthesizer) Invoke(ctx context.Context, req provider.Request) (queue.StageResult, error) {
	upstream, err := req.Artifact("script_processing")
	if err != nil {
		return queue.StageResult{}, err
	}
	script, err := provider.LoadScript(upstream.Ref)
	if err != nil {
		return queue.StageResult{}, services.Wrap(
			services.ErrValidation, "voice_synthesis", "load script",
			"processed script unreadable; force a re-run of script_processing", err)
	}

	audioDir := filepath.Join(req.WorkDir, "audio")
	if err := os.MkdirAll(audioDir, 0o755); err != nil {
		return queue.StageResult{}, services.NewFailure(services.KindUnknown, s.Name(), "synthesize", "create audio dir", err)
	}

	format := s.format()
	manifest := provider.NarrationManifest{
		Voice:  s.cfg.Voice,
		Format: format,
		Files:  make([]string, 0, len(script.Segments)),
	}
	for i, segment := range script.Segments {
		if err := ctx.Err(); err != nil {
			return queue.StageResult{}, services.NewFailure(services.ClassifyError(err), s.Name(), "synthesize", "canceled", err)
		}
		path := filepath.Join(audioDir, fmt.Sprintf("segment_%02d.%s", i+1, extensionFor(format)))
		if err := s.renderSegment(ctx, segment.Text, path); err != nil {
			return queue.StageResult{}, err
		}
		manifest.Files = append(manifest.Files, path)
	}

	manifestPath, err := provider.WriteJSON(req.WorkDir, "narration.json", manifest)
	if err != nil {
		return queue.StageResult{}, services.NewFailure(services.KindUnknown, s.Name(), "synthesize", "persist manifest", err)
	}
	detail, _ := json.Marshal(map[string]any{
		"voice":    s.cfg.Voice,
		"format":   format,
		"segments": len(manifest.Files),
	})
	return queue.StageResult{Kind: "narration", Ref: manifestPath, DetailJSON: string(detail)}, nil
}

func (s *Synthesizer) renderSegment(ctx context.Context, text, path string) error {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return services.NewFailure(services.KindInvalidInput, s.Name(), "synthesize", "encode request", err)
	}
	endpoint := fmt.Sprintf("%s/text-to-speech/%s?output_format=%s",
		s.baseURL, url.PathEscape(s.cfg.Voice), url.QueryEscape(s.format()))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return services.NewFailure(services.KindInvalidInput, s.Name(), "synthesize", "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")
	if key := strings.TrimSpace(s.cfg.APIKey); key != "" {
		req.Header.Set("xi-api-key", key)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return services.NewFailure(services.ClassifyError(err), s.Name(), "synthesize", "http error", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		failure := services.NewFailure(
			services.ClassifyHTTPStatus(resp.StatusCode),
			s.Name(), "synthesize",
			fmt.Sprintf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			nil,
		)
		failure.QuotaConsumed = true
		return failure
	}

	out, err := os.Create(path)
	if err != nil {
		return services.NewFailure(services.KindUnknown, s.Name(), "synthesize", "create audio file", err)
	}
	written, err := io.Copy(out, resp.Body)
	closeErr := out.Close()
	if err != nil {
		return services.NewFailure(services.ClassifyError(err), s.Name(), "synthesize", "stream audio", err)
	}
	if closeErr != nil {
		return services.NewFailure(services.KindUnknown, s.Name(), "synthesize", "close audio file", closeErr)
	}
	if written == 0 {
		f := services.NewFailure(services.KindUnknown, s.Name(), "synthesize", "empty audio response", nil)
		f.QuotaConsumed = true
		return f
	}
	return nil
}

func (s *Synthesizer) format() string {
	if format := strings.TrimSpace(s.cfg.Format); format != "" {
		return format
	}
	return "mp3_44100_128"
}

func extensionFor(format string) string {
	switch {
	case strings.HasPrefix(format, "mp3"):
		return "mp3"
	case strings.HasPrefix(format, "pcm"), strings.HasPrefix(format, "wav"):
		return "wav"
	case strings.HasPrefix(format, "opus"):
		return "opus"
	default:
		return "mp3"
	}
}

func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return parsed.Host
}
