package script

import (
	"context"
	"fmt"
	"strings"

	"shortform/internal/config"
	"shortform/internal/provider"
	"shortform/internal/queue"
	"shortform/internal/services"
)

// Generator runs the script generation stage against one model. Fallback
// models are separate Generator instances chained by the executor.
type Generator struct {
	client *Client
}

// NewGenerator builds a generation adapter for the given model.
func NewGenerator(cfg config.Script, model string, opts ...Option) *Generator {
	return &Generator{client: NewClient(cfg, model, opts...)}
}

// Generators builds the fallback chain: the configured model first, then
// each fallback model in order.
func Generators(cfg config.Script, opts ...Option) []provider.Adapter {
	adapters := []provider.Adapter{NewGenerator(cfg, cfg.Model, opts...)}
	for _, model := range cfg.FallbackModels {
		if model = strings.TrimSpace(model); model != "" {
			adapters = append(adapters, NewGenerator(cfg, model, opts...))
		}
	}
	return adapters
}

func (g *Generator) Name() string {
	return providerName + "/" + g.client.Model()
}

func (g *Generator) RateKey() string { return providerName }

// Invoke generates the script and writes it to script.json in the job's
// work directory.
func (g *Generator) Invoke(ctx context.Context, req provider.Request) (queue.StageResult, error) {
	job := req.Job
	content, err := g.client.CompleteJSON(ctx, systemPrompt(job.Style), userPrompt(job.Subject, job.AffiliateLink))
	if err != nil {
		return queue.StageResult{}, err
	}

	var script provider.Script
	if err := DecodeScriptJSON(content, &script); err != nil {
		// The model answered but not with usable JSON. The call was spent;
		// another attempt may produce valid output.
		f := services.NewFailure(services.KindUnknown, g.Name(), "generate script", "parse payload", err)
		f.QuotaConsumed = true
		return queue.StageResult{}, f
	}
	if err := validateScript(script); err != nil {
		f := services.NewFailure(services.KindUnknown, g.Name(), "generate script", "invalid script", err)
		f.QuotaConsumed = true
		return queue.StageResult{}, f
	}

	path, err := provider.WriteJSON(req.WorkDir, "script.json", script)
	if err != nil {
		return queue.StageResult{}, services.NewFailure(services.KindUnknown, g.Name(), "generate script", "persist script", err)
	}
	detail, _ := detailJSON(map[string]any{
		"model":    g.client.Model(),
		"title":    script.Title,
		"segments": len(script.Segments),
	})
	return queue.StageResult{Kind: "script", Ref: path, DetailJSON: detail}, nil
}

func validateScript(script provider.Script) error {
	if strings.TrimSpace(script.Title) == "" {
		return fmt.Errorf("missing title")
	}
	if len(script.Segments) == 0 {
		return fmt.Errorf("no segments")
	}
	for i, segment := range script.Segments {
		if strings.TrimSpace(segment.Text) == "" {
			return fmt.Errorf("segment %d has no narration", i)
		}
	}
	return nil
}
