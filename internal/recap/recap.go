// Package recap produces a post-session summary of a finished transcript.
//
// A [Generator] sends the accumulated transcript lines to an LLM provider and
// extracts a short prose summary plus a handful of keywords. Recap generation
// is strictly best-effort: it runs after the session's results are already
// delivered, and a failure here must never affect transcription output.
package recap

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/skaldlabs/skald/pkg/provider/llm"
)

// recapPrompt is the system prompt sent to the LLM when summarising a
// transcript. The model is asked for strict JSON so the response can be
// parsed without heuristics.
const recapPrompt = `Summarise the following meeting transcript.
Lines are prefixed with the speaker label when speaker tracking was enabled.
Respond with a JSON object of the form {"summary": "...", "keywords": ["..."]}:
"summary" is 2-4 sentences covering the main topics and any decisions,
"keywords" is 3-8 short topic terms. Respond with JSON only.`

// recapTemperature keeps the summary close to the transcript content.
const recapTemperature = 0.3

// Recap is the parsed output of one generation call.
type Recap struct {
	Summary  string   `json:"summary"`
	Keywords []string `json:"keywords"`
}

// Generator produces recaps from transcript lines using an LLM provider.
type Generator struct {
	llm llm.Provider
}

// New creates a [Generator] backed by the given provider.
func New(provider llm.Provider) *Generator {
	return &Generator{llm: provider}
}

// Generate summarises the transcript lines. An empty transcript yields an
// empty Recap without calling the provider.
func (g *Generator) Generate(ctx context.Context, lines []string) (Recap, error) {
	if len(lines) == 0 {
		return Recap{}, nil
	}

	resp, err := g.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: recapPrompt,
		Messages: []llm.Message{
			{
				Role:    "user",
				Content: strings.Join(lines, "\n"),
			},
		},
		Temperature: recapTemperature,
	})
	if err != nil {
		return Recap{}, fmt.Errorf("recap: %w", err)
	}

	r, err := parseRecap(resp.Content)
	if err != nil {
		return Recap{}, fmt.Errorf("recap: %w", err)
	}
	return r, nil
}

// parseRecap extracts the JSON object from the model reply. Some models wrap
// JSON in a markdown fence despite instructions, so the parser tolerates
// leading and trailing noise around the outermost braces.
func parseRecap(content string) (Recap, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return Recap{}, fmt.Errorf("no JSON object in model reply")
	}

	var r Recap
	if err := json.Unmarshal([]byte(content[start:end+1]), &r); err != nil {
		return Recap{}, fmt.Errorf("parse model reply: %w", err)
	}
	if r.Summary == "" {
		return Recap{}, fmt.Errorf("model reply has empty summary")
	}
	return r, nil
}
