package script_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"shortform/internal/config"
	"shortform/internal/provider"
	"shortform/internal/provider/script"
	"shortform/internal/queue"
	"shortform/internal/services"
)

func scriptConfig(baseURL string) config.Script {
	return config.Script{
		APIKey:  "test-key",
		BaseURL: baseURL,
		Model:   "primary-model",
	}
}

func completionBody(t *testing.T, content string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	})
	if err != nil {
		t.Fatalf("encode completion: %v", err)
	}
	return body
}

const validScriptJSON = `{
  "title": "five reasons this gadget wins",
  "description": "A quick look at the gadget.",
  "hook": "Stop chopping by hand",
  "segments": [
    {"text": "This gadget slices everything in seconds.", "visual_prompt": "gadget slicing vegetables"},
    {"text": "It cleans itself with one button."}
  ],
  "hashtags": ["#Kitchen", "gadget", "kitchen "]
}`

func TestGeneratorWritesScriptArtifact(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		_, _ = w.Write(completionBody(t, "```json\n"+validScriptJSON+"\n```"))
	}))
	defer server.Close()

	generator := script.NewGenerator(scriptConfig(server.URL), "")
	result, err := generator.Invoke(context.Background(), provider.Request{
		Job:     &queue.Job{ID: 1, Subject: "kitchen gadget", Style: "review"},
		WorkDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.Kind != "script" {
		t.Fatalf("expected script artifact, got %q", result.Kind)
	}

	loaded, err := provider.LoadScript(result.Ref)
	if err != nil {
		t.Fatalf("load script: %v", err)
	}
	if len(loaded.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(loaded.Segments))
	}
	if filepath.Base(result.Ref) != "script.json" {
		t.Fatalf("unexpected ref %s", result.Ref)
	}
}

func TestGeneratorClassifiesRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "17")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	generator := script.NewGenerator(scriptConfig(server.URL), "")
	_, err := generator.Invoke(context.Background(), provider.Request{
		Job:     &queue.Job{ID: 1, Subject: "gadget", Style: "review"},
		WorkDir: t.TempDir(),
	})
	failure, ok := services.AsFailure(err)
	if !ok {
		t.Fatalf("expected failure, got %v", err)
	}
	if failure.Kind != services.KindRateLimited {
		t.Fatalf("expected rate_limited, got %s", failure.Kind)
	}
	if !failure.QuotaConsumed {
		t.Fatal("rejected call should still consume quota")
	}
	if failure.RetryAfter.Seconds() != 17 {
		t.Fatalf("expected retry-after 17s, got %s", failure.RetryAfter)
	}
}

func TestGeneratorAuthFailureNotRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	generator := script.NewGenerator(scriptConfig(server.URL), "")
	_, err := generator.Invoke(context.Background(), provider.Request{
		Job:     &queue.Job{ID: 1, Subject: "gadget", Style: "review"},
		WorkDir: t.TempDir(),
	})
	failure, ok := services.AsFailure(err)
	if !ok {
		t.Fatalf("expected failure, got %v", err)
	}
	if failure.Kind != services.KindAuth || failure.Retryable() {
		t.Fatalf("expected non-retryable auth failure, got %s retryable=%v", failure.Kind, failure.Retryable())
	}
}

func TestGeneratorsFallbackChain(t *testing.T) {
	cfg := scriptConfig("http://localhost")
	cfg.FallbackModels = []string{"backup-a", " ", "backup-b"}
	chain := script.Generators(cfg)
	if len(chain) != 3 {
		t.Fatalf("expected 3 adapters, got %d", len(chain))
	}
	if chain[0].Name() != "openrouter/primary-model" {
		t.Fatalf("unexpected primary %s", chain[0].Name())
	}
	if chain[2].Name() != "openrouter/backup-b" {
		t.Fatalf("unexpected fallback %s", chain[2].Name())
	}
}

func TestProcessorRefinesScript(t *testing.T) {
	workDir := t.TempDir()
	var raw provider.Script
	if err := json.Unmarshal([]byte(validScriptJSON), &raw); err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	scriptPath, err := provider.WriteJSON(workDir, "script.json", raw)
	if err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	processor := script.NewProcessor()
	result, err := processor.Invoke(context.Background(), provider.Request{
		Job: &queue.Job{ID: 1, Subject: "kitchen gadget", AffiliateLink: "https://example.com/buy"},
		Artifacts: map[string]queue.Artifact{
			"script_generation": {Stage: "script_generation", Kind: "script", Ref: scriptPath},
		},
		WorkDir: workDir,
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}

	processed, err := provider.LoadScript(result.Ref)
	if err != nil {
		t.Fatalf("load processed: %v", err)
	}
	if processed.Title != "Five Reasons This Gadget Wins" {
		t.Fatalf("expected title-cased title, got %q", processed.Title)
	}
	if len(processed.Hashtags) != 2 || processed.Hashtags[0] != "kitchen" || processed.Hashtags[1] != "gadget" {
		t.Fatalf("expected deduped lowercase hashtags, got %v", processed.Hashtags)
	}
	for i, segment := range processed.Segments {
		if segment.VisualPrompt == "" {
			t.Fatalf("segment %d missing visual prompt", i)
		}
		if segment.Seconds <= 0 {
			t.Fatalf("segment %d missing duration estimate", i)
		}
	}
	if !strings.Contains(processed.Description, "https://example.com/buy") {
		t.Fatalf("expected affiliate link in description, got %q", processed.Description)
	}
}

func TestProcessorMissingUpstreamArtifact(t *testing.T) {
	processor := script.NewProcessor()
	_, err := processor.Invoke(context.Background(), provider.Request{
		Job:     &queue.Job{ID: 1, Subject: "gadget"},
		WorkDir: t.TempDir(),
	})
	if err == nil {
		t.Fatal("expected error for missing upstream artifact")
	}
}
