package script

import (
	"fmt"
	"sort"
	"strings"
)

// Styles are the supported script tones. The style steers the system prompt
// only; the output schema is identical across styles.
var Styles = map[string]string{
	"humorous":     "Write with quick, self-aware humor. Land a joke in the first two seconds and keep the energy high without mocking the viewer.",
	"educational":  "Teach one concrete thing per segment. Lead with the surprising fact, then explain it in plain language.",
	"storytelling": "Frame the product inside a short first-person story with a setup, a turn, and a payoff.",
	"comparison":   "Contrast the product against the obvious alternative the viewer already knows. Be specific about the one difference that matters.",
	"review":       "Give an honest hands-on verdict. Name one real drawback so the praise is credible.",
}

// StyleNames returns the supported styles in stable order for validation
// messages and CLI help.
func StyleNames() []string {
	names := make([]string, 0, len(Styles))
	for name := range Styles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidStyle reports whether name is a supported style.
func ValidStyle(name string) bool {
	_, ok := Styles[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

const systemPromptTemplate = `You are a short-form video copywriter for affiliate product videos.
%s

Respond with JSON only, matching this schema exactly:
{
  "title": "video title, under 90 characters",
  "description": "one-paragraph video description",
  "hook": "opening line, under 12 words",
  "segments": [
    {"text": "narration for one beat, 1-2 sentences", "visual_prompt": "a concrete visual for this beat"}
  ],
  "hashtags": ["3 to 6 lowercase hashtags without the # prefix"]
}

Write 4 to 6 segments. Total narration must fit a video under 60 seconds.
Never mention that the video is sponsored or AI-generated.`

func systemPrompt(style string) string {
	tone, ok := Styles[strings.ToLower(strings.TrimSpace(style))]
	if !ok {
		tone = Styles["review"]
	}
	return fmt.Sprintf(systemPromptTemplate, tone)
}

func userPrompt(subject, affiliateLink string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Product: %s\n", strings.TrimSpace(subject))
	if link := strings.TrimSpace(affiliateLink); link != "" {
		fmt.Fprintf(&b, "Affiliate link (for the description only, never the narration): %s\n", link)
	}
	b.WriteString("Write the script.")
	return b.String()
}
