package script

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"shortform/internal/provider"
	"shortform/internal/queue"
	"shortform/internal/services"
)

// Narration pacing used to estimate segment durations before any audio
// exists. Composition replaces the estimates with real durations.
const wordsPerSecond = 2.6

// Processor refines the generated script into the form downstream stages
// consume. It runs locally and draws no rate budget.
type Processor struct {
	titleCaser cases.Caser
}

// NewProcessor builds the script processing adapter.
func NewProcessor() *Processor {
	return &Processor{titleCaser: cases.Title(language.English)}
}

func (p *Processor) Name() string    { return "script-processor" }
func (p *Processor) RateKey() string { return "" }

// Invoke normalizes the generated script: title casing, hashtag cleanup,
// visual prompt backfill, duration estimates, and the affiliate link folded
// into the description. Writes script_processed.json.
func (p *Processor) Invoke(ctx context.Context, req provider.Request) (queue.StageResult, error) {
	upstream, err := req.Artifact("script_generation")
	if err != nil {
		return queue.StageResult{}, err
	}
	script, err := provider.LoadScript(upstream.Ref)
	if err != nil {
		return queue.StageResult{}, services.Wrap(
			services.ErrValidation, "script_processing", "load script",
			"generated script unreadable; force a re-run of script_generation", err)
	}

	script.Title = p.normalizeTitle(script.Title)
	script.Hashtags = normalizeHashtags(script.Hashtags)
	script.Description = foldAffiliateLink(script.Description, req.Job.AffiliateLink)

	for i := range script.Segments {
		segment := &script.Segments[i]
		segment.Text = strings.TrimSpace(segment.Text)
		if strings.TrimSpace(segment.VisualPrompt) == "" {
			segment.VisualPrompt = fmt.Sprintf("%s, product close-up, segment %d", req.Job.Subject, i+1)
		}
		if segment.Seconds <= 0 {
			segment.Seconds = estimateSeconds(segment.Text)
		}
	}

	path, err := provider.WriteJSON(req.WorkDir, "script_processed.json", script)
	if err != nil {
		return queue.StageResult{}, services.NewFailure(services.KindUnknown, p.Name(), "process script", "persist script", err)
	}
	detail, _ := detailJSON(map[string]any{
		"title":    script.Title,
		"segments": len(script.Segments),
		"seconds":  totalSeconds(script),
	})
	return queue.StageResult{Kind: "script", Ref: path, DetailJSON: detail}, nil
}

func (p *Processor) normalizeTitle(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return title
	}
	// Only re-case titles that arrive fully lower- or upper-cased; mixed
	// case means the model already chose a casing.
	if title == strings.ToLower(title) || title == strings.ToUpper(title) {
		return p.titleCaser.String(strings.ToLower(title))
	}
	return title
}

func normalizeHashtags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(tag), "#")))
		tag = strings.ReplaceAll(tag, " ", "")
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

func foldAffiliateLink(description, link string) string {
	description = strings.TrimSpace(description)
	link = strings.TrimSpace(link)
	if link == "" || strings.Contains(description, link) {
		return description
	}
	if description == "" {
		return "Get it here: " + link
	}
	return description + "\n\nGet it here: " + link
}

func estimateSeconds(text string) float64 {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	return float64(words) / wordsPerSecond
}

func totalSeconds(script provider.Script) float64 {
	var total float64
	for _, segment := range script.Segments {
		total += segment.Seconds
	}
	return total
}
