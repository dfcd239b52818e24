// Package provider defines the contract between the stage executor and the
// external services each pipeline stage calls, plus the payload types stages
// hand to one another through artifacts.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"shortform/internal/queue"
	"shortform/internal/services"
)

// Request carries everything an adapter needs for one invocation: the job,
// the artifacts of every completed upstream stage keyed by stage name, and
// the job's working directory for file outputs.
type Request struct {
	Job       *queue.Job
	Artifacts map[string]queue.Artifact
	WorkDir   string
}

// Adapter is one concrete way to run a stage. A stage may hold several
// adapters in fallback order; the executor exhausts one before moving to
// the next.
type Adapter interface {
	// Name identifies the adapter in logs and error messages.
	Name() string
	// RateKey names the rate budget this adapter draws from. Empty means
	// the adapter is local and never charged.
	RateKey() string
	// Invoke performs the stage's work once. Failures should be
	// *services.Failure so the executor can classify them; anything else
	// is treated as unknown and retryable.
	Invoke(ctx context.Context, req Request) (queue.StageResult, error)
}

// Artifact returns the upstream artifact for a stage, or a validation
// failure when it is missing. A missing upstream artifact means the queue
// state is corrupt, not that the provider misbehaved.
func (r Request) Artifact(stage string) (queue.Artifact, error) {
	artifact, ok := r.Artifacts[stage]
	if !ok {
		return queue.Artifact{}, services.Wrap(
			services.ErrValidation, stage, "load artifact",
			fmt.Sprintf("missing %s artifact for job %d", stage, jobID(r.Job)), nil)
	}
	return artifact, nil
}

func jobID(job *queue.Job) int64 {
	if job == nil {
		return 0
	}
	return job.ID
}

// Script is the structured script produced by script generation and refined
// by script processing. Downstream stages consume it verbatim.
type Script struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Hook        string    `json:"hook"`
	Segments    []Segment `json:"segments"`
	Hashtags    []string  `json:"hashtags"`
}

// Segment is one narrated beat of the video paired with the prompt used to
// generate its visual.
type Segment struct {
	Text         string  `json:"text"`
	VisualPrompt string  `json:"visual_prompt,omitempty"`
	Seconds      float64 `json:"seconds,omitempty"`
}

// NarrationManifest lists the audio file rendered for each segment, in
// segment order.
type NarrationManifest struct {
	Voice  string   `json:"voice"`
	Format string   `json:"format"`
	Files  []string `json:"files"`
}

// VisualsManifest lists the image generated for each segment, in segment
// order.
type VisualsManifest struct {
	Model  string   `json:"model"`
	Width  int      `json:"width"`
	Height int      `json:"height"`
	Files  []string `json:"files"`
}

// LoadScript reads a script payload from an artifact ref.
func LoadScript(path string) (Script, error) {
	var script Script
	if err := loadJSON(path, &script); err != nil {
		return Script{}, err
	}
	return script, nil
}

// LoadNarration reads a narration manifest from an artifact ref.
func LoadNarration(path string) (NarrationManifest, error) {
	var manifest NarrationManifest
	if err := loadJSON(path, &manifest); err != nil {
		return NarrationManifest{}, err
	}
	return manifest, nil
}

// LoadVisuals reads a visuals manifest from an artifact ref.
func LoadVisuals(path string) (VisualsManifest, error) {
	var manifest VisualsManifest
	if err := loadJSON(path, &manifest); err != nil {
		return VisualsManifest{}, err
	}
	return manifest, nil
}

func loadJSON(path string, target any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// WriteJSON writes a payload under the work directory and returns the full
// path. Parent directories are created as needed.
func WriteJSON(workDir, name string, payload any) (string, error) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", name, err)
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	path := filepath.Join(workDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	return path, nil
}
