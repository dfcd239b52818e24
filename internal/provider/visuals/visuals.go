// Package visuals generates one image per script segment through a
// pollinations-style prompt-in-URL image API.
package visuals

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
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
	providerName       = "pollinations"
	defaultHTTPTimeout = 180 * time.Second
)

// Generator runs the visual generation stage.
type Generator struct {
	cfg        config.Visuals
	httpClient *http.Client
}

// Option customizes the generator.
type Option func(*Generator)

// WithHTTPClient overrides the default HTTP client (useful for tests).
func WithHTTPClient(client *http.Client) Option {
	return func(g *Generator) {
		if client != nil {
			g.httpClient = client
		}
	}
}

// NewGenerator builds the visual generation adapter.
func NewGenerator(cfg config.Visuals, opts ...Option) *Generator {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	g := &Generator{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Generator) Name() string    { return providerName }
func (g *Generator) RateKey() string { return providerName }

// Invoke fetches one image per segment into images/ in the work directory
// and records them in a visuals manifest.
func (g *Generator) Invoke(ctx context.Context, req provider.Request) (queue.StageResult, error) {
	upstream, err := req.Artifact("script_processing")
	if err != nil {
		return queue.StageResult{}, err
	}
	script, err := provider.LoadScript(upstream.Ref)
	if err != nil {
		return queue.StageResult{}, services.Wrap(
			services.ErrValidation, "visual_generation", "load script",
			"processed script unreadable; force a re-run of script_processing", err)
	}

	imageDir := filepath.Join(req.WorkDir, "images")
	if err := os.MkdirAll(imageDir, 0o755); err != nil {
		return queue.StageResult{}, services.NewFailure(services.KindUnknown, g.Name(), "generate visuals", "create image dir", err)
	}

	manifest := provider.VisualsManifest{
		Model:  g.model(),
		Width:  g.width(),
		Height: g.height(),
		Files:  make([]string, 0, len(script.Segments)),
	}
	for i, segment := range script.Segments {
		if err := ctx.Err(); err != nil {
			return queue.StageResult{}, services.NewFailure(services.ClassifyError(err), g.Name(), "generate visuals", "canceled", err)
		}
		path := filepath.Join(imageDir, fmt.Sprintf("segment_%02d.png", i+1))
		// Seed from the job and segment so a retried attempt regenerates
		// the same image instead of drifting mid-video.
		seed := imageSeed(req.Job.UUID, i)
		if err := g.fetchImage(ctx, segment.VisualPrompt, seed, path); err != nil {
			return queue.StageResult{}, err
		}
		manifest.Files = append(manifest.Files, path)
	}

	manifestPath, err := provider.WriteJSON(req.WorkDir, "visuals.json", manifest)
	if err != nil {
		return queue.StageResult{}, services.NewFailure(services.KindUnknown, g.Name(), "generate visuals", "persist manifest", err)
	}
	detail, _ := json.Marshal(map[string]any{
		"model":  manifest.Model,
		"images": len(manifest.Files),
	})
	return queue.StageResult{Kind: "visuals", Ref: manifestPath, DetailJSON: string(detail)}, nil
}

func (g *Generator) fetchImage(ctx context.Context, prompt string, seed uint32, path string) error {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return services.Wrap(services.ErrValidation, "visual_generation", "generate visuals", "segment has no visual prompt", nil)
	}
	endpoint := fmt.Sprintf("%s/prompt/%s?width=%d&height=%d&model=%s&seed=%d&nologo=true",
		g.baseURL(), url.PathEscape(prompt), g.width(), g.height(), url.QueryEscape(g.model()), seed)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return services.NewFailure(services.KindInvalidInput, g.Name(), "generate visuals", "build request", err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return services.NewFailure(services.ClassifyError(err), g.Name(), "generate visuals", "http error", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		failure := services.NewFailure(
			services.ClassifyHTTPStatus(resp.StatusCode),
			g.Name(), "generate visuals",
			fmt.Sprintf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			nil,
		)
		failure.QuotaConsumed = true
		return failure
	}

	out, err := os.Create(path)
	if err != nil {
		return services.NewFailure(services.KindUnknown, g.Name(), "generate visuals", "create image file", err)
	}
	written, err := io.Copy(out, resp.Body)
	closeErr := out.Close()
	if err != nil {
		return services.NewFailure(services.ClassifyError(err), g.Name(), "generate visuals", "stream image", err)
	}
	if closeErr != nil {
		return services.NewFailure(services.KindUnknown, g.Name(), "generate visuals", "close image file", closeErr)
	}
	if written == 0 {
		f := services.NewFailure(services.KindUnknown, g.Name(), "generate visuals", "empty image response", nil)
		f.QuotaConsumed = true
		return f
	}
	return nil
}

func (g *Generator) baseURL() string {
	if base := strings.TrimSpace(g.cfg.BaseURL); base != "" {
		return strings.TrimRight(base, "/")
	}
	return "https://image.pollinations.ai"
}

func (g *Generator) model() string {
	if model := strings.TrimSpace(g.cfg.Model); model != "" {
		return model
	}
	return "flux"
}

func (g *Generator) width() int {
	if g.cfg.Width > 0 {
		return g.cfg.Width
	}
	return 1080
}

func (g *Generator) height() int {
	if g.cfg.Height > 0 {
		return g.cfg.Height
	}
	return 1920
}

func imageSeed(jobUUID string, segment int) uint32 {
	h := fnv.New32a()
	_, _ = fmt.Fprintf(h, "%s/%d", jobUUID, segment)
	return h.Sum32()
}
