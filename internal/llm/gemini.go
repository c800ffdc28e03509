package llm

import (
	"context"
	"strings"

	genai "google.golang.org/genai"
)

// GeminiBackend is a thin wrapper around the official genai client.
type GeminiBackend struct {
	cli   *genai.Client
	model string
}

// NewGeminiBackend creates a Gemini backend. An empty apiKey lets the genai
// client read GEMINI_API_KEY / GOOGLE_API_KEY from the environment.
func NewGeminiBackend(ctx context.Context, apiKey, model string) (*GeminiBackend, error) {
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  strings.TrimSpace(apiKey),
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(model) == "" {
		model = "gemini-2.0-flash"
	}
	return &GeminiBackend{cli: cli, model: model}, nil
}

func (g *GeminiBackend) Name() string  { return "Gemini:" + g.model }
func (g *GeminiBackend) Model() string { return g.model }

func (g *GeminiBackend) Complete(ctx context.Context, prompt, system string, opts Options) (Completion, error) {
	cfg := &genai.GenerateContentConfig{}
	if strings.TrimSpace(system) != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if opts.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(opts.MaxTokens)
	}
	if opts.Temperature > 0 {
		t := float32(opts.Temperature)
		cfg.Temperature = &t
	}

	resp, err := g.cli.Models.GenerateContent(ctx, g.model,
		[]*genai.Content{{Role: genai.RoleUser, Parts: []*genai.Part{{Text: prompt}}}},
		cfg,
	)
	if err != nil {
		return Completion{}, err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return Completion{}, ErrEmptyCompletion
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			sb.WriteString(part.Text)
		}
	}
	out := Completion{Text: sb.String()}
	if resp.UsageMetadata != nil {
		out.Tokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}
