// Package compose assembles the final vertical video from the generated
// images and narration using ffmpeg.
package compose

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"shortform/internal/config"
	"shortform/internal/provider"
	"shortform/internal/queue"
	"shortform/internal/services"
)

const stageName = "video_composition"

// Composer runs the video composition stage. It is local work: no rate
// budget, and failures are never the fault of an external provider.
type Composer struct {
	cfg config.Compose
	// runCommand is swapped in tests to avoid needing a real ffmpeg.
	runCommand func(ctx context.Context, name string, args ...string) error
}

// NewComposer builds the composition adapter.
func NewComposer(cfg config.Compose) *Composer {
	c := &Composer{cfg: cfg}
	c.runCommand = c.execFFmpeg
	return c
}

// WithRunner overrides command execution (useful for tests).
func (c *Composer) WithRunner(run func(ctx context.Context, name string, args ...string) error) *Composer {
	if run != nil {
		c.runCommand = run
	}
	return c
}

func (c *Composer) Name() string    { return "ffmpeg" }
func (c *Composer) RateKey() string { return "" }

// Invoke renders one clip per segment (still image plus narration audio),
// concatenates them, and returns the final video artifact.
func (c *Composer) Invoke(ctx context.Context, req provider.Request) (queue.StageResult, error) {
	script, narration, visualsManifest, err := c.loadInputs(req)
	if err != nil {
		return queue.StageResult{}, err
	}
	if len(narration.Files) != len(script.Segments) || len(visualsManifest.Files) != len(script.Segments) {
		return queue.StageResult{}, services.Wrap(
			services.ErrValidation, stageName, "compose",
			fmt.Sprintf("segment count mismatch: script=%d audio=%d images=%d",
				len(script.Segments), len(narration.Files), len(visualsManifest.Files)), nil)
	}

	if c.cfg.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(c.cfg.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	clipDir := filepath.Join(req.WorkDir, "clips")
	if err := os.MkdirAll(clipDir, 0o755); err != nil {
		return queue.StageResult{}, services.NewFailure(services.KindUnknown, c.Name(), "compose", "create clip dir", err)
	}

	width, height, err := c.dimensions()
	if err != nil {
		return queue.StageResult{}, err
	}

	clips := make([]string, 0, len(script.Segments))
	for i := range script.Segments {
		clip := filepath.Join(clipDir, fmt.Sprintf("clip_%02d.mp4", i+1))
		args := []string{
			"-y",
			"-loop", "1",
			"-i", visualsManifest.Files[i],
			"-i", narration.Files[i],
			"-c:v", "libx264",
			"-tune", "stillimage",
			"-c:a", "aac",
			"-pix_fmt", "yuv420p",
			"-r", fmt.Sprintf("%d", c.fps()),
			"-vf", fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2", width, height, width, height),
			"-shortest",
			clip,
		}
		if err := c.runCommand(ctx, c.cfg.FFmpegBinary, args...); err != nil {
			return queue.StageResult{}, err
		}
		clips = append(clips, clip)
	}

	listPath := filepath.Join(clipDir, "concat.txt")
	if err := writeConcatList(listPath, clips); err != nil {
		return queue.StageResult{}, services.NewFailure(services.KindUnknown, c.Name(), "compose", "write concat list", err)
	}

	videoPath := filepath.Join(req.WorkDir, "video.mp4")
	concatArgs := []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		videoPath,
	}
	if err := c.runCommand(ctx, c.cfg.FFmpegBinary, concatArgs...); err != nil {
		return queue.StageResult{}, err
	}

	detail, _ := json.Marshal(map[string]any{
		"clips":      len(clips),
		"resolution": fmt.Sprintf("%dx%d", width, height),
		"fps":        c.fps(),
	})
	return queue.StageResult{Kind: "video", Ref: videoPath, DetailJSON: string(detail)}, nil
}

func (c *Composer) loadInputs(req provider.Request) (provider.Script, provider.NarrationManifest, provider.VisualsManifest, error) {
	var (
		script   provider.Script
		audio    provider.NarrationManifest
		imagery  provider.VisualsManifest
		artifact queue.Artifact
		err      error
	)
	if artifact, err = req.Artifact("script_processing"); err == nil {
		script, err = provider.LoadScript(artifact.Ref)
	}
	if err != nil {
		return script, audio, imagery, services.Wrap(services.ErrValidation, stageName, "compose", "load processed script", err)
	}
	if artifact, err = req.Artifact("voice_synthesis"); err == nil {
		audio, err = provider.LoadNarration(artifact.Ref)
	}
	if err != nil {
		return script, audio, imagery, services.Wrap(services.ErrValidation, stageName, "compose", "load narration manifest", err)
	}
	if artifact, err = req.Artifact("visual_generation"); err == nil {
		imagery, err = provider.LoadVisuals(artifact.Ref)
	}
	if err != nil {
		return script, audio, imagery, services.Wrap(services.ErrValidation, stageName, "compose", "load visuals manifest", err)
	}
	return script, audio, imagery, nil
}

func (c *Composer) execFFmpeg(ctx context.Context, name string, args ...string) error {
	if strings.TrimSpace(name) == "" {
		name = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return services.NewFailure(services.ClassifyError(ctxErr), c.Name(), "compose", "ffmpeg interrupted", ctxErr)
		}
		if _, ok := err.(*exec.ExitError); !ok {
			// ffmpeg missing or not executable is an operator problem,
			// not something a retry fixes.
			return services.Wrap(services.ErrConfiguration, stageName, "compose",
				fmt.Sprintf("run %s", name), err)
		}
		return services.NewFailure(services.KindUnknown, c.Name(), "compose",
			"ffmpeg failed: "+stderrTail(stderr.String()), err)
	}
	return nil
}

func (c *Composer) dimensions() (int, int, error) {
	resolution := strings.TrimSpace(c.cfg.Resolution)
	if resolution == "" {
		return 1080, 1920, nil
	}
	var width, height int
	if _, err := fmt.Sscanf(resolution, "%dx%d", &width, &height); err != nil || width <= 0 || height <= 0 {
		return 0, 0, services.Wrap(services.ErrConfiguration, stageName, "compose",
			fmt.Sprintf("invalid resolution %q", resolution), nil)
	}
	return width, height, nil
}

func (c *Composer) fps() int {
	if c.cfg.FPS > 0 {
		return c.cfg.FPS
	}
	return 30
}

func writeConcatList(path string, clips []string) error {
	var b strings.Builder
	for _, clip := range clips {
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(clip, "'", `'\''`))
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

func stderrTail(output string) string {
	output = strings.TrimSpace(output)
	lines := strings.Split(output, "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, " | ")
}
