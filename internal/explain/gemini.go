package explain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const (
	defaultModel     = "gemini-2.5-pro"
	defaultFastModel = "gemini-2.5-flash"
)

// Generator wraps the Google GenAI client for prompt-based generation.
// The fast model is used for short per-requirement rewrites, the main
// model for full explanations.
type Generator struct {
	client    *genai.Client
	model     string
	fastModel string
}

// NewGenerator creates a Generator configured for the Gemini API backend.
func NewGenerator(ctx context.Context, apiKey, model, fastModel string) (*Generator, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	if model = strings.TrimSpace(model); model == "" {
		model = defaultModel
	}
	if fastModel = strings.TrimSpace(fastModel); fastModel == "" {
		fastModel = defaultFastModel
	}
	return &Generator{client: client, model: model, fastModel: fastModel}, nil
}

// GenerateContent sends the prompt to the main model and returns the first
// textual response.
func (g *Generator) GenerateContent(ctx context.Context, prompt string) (string, error) {
	return g.generate(ctx, g.model, prompt)
}

// GenerateFast sends the prompt to the cheaper model.
func (g *Generator) GenerateFast(ctx context.Context, prompt string) (string, error) {
	return g.generate(ctx, g.fastModel, prompt)
}

func (g *Generator) generate(ctx context.Context, model, prompt string) (string, error) {
	if g == nil || g.client == nil {
		return "", errors.New("gemini generator is not initialized")
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", errors.New("prompt must not be empty")
	}

	resp, err := g.client.Models.GenerateContent(ctx, model, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}

	var builder strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			text := strings.TrimSpace(part.Text)
			if text == "" {
				continue
			}
			if builder.Len() > 0 {
				builder.WriteString("\n")
			}
			builder.WriteString(text)
		}
	}

	output := strings.TrimSpace(builder.String())
	if output == "" {
		return "", errors.New("gemini api returned empty response")
	}
	return output, nil
}
