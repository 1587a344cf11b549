package categorize

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/dvloznov/txsync/internal/domain"
)

// Gemini calls a hosted Gemini model. Credentials come from the environment
// (GEMINI_API_KEY or application default credentials), same as the rest of
// the Google stack.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini builds the client once; it is reused across requests.
func NewGemini(ctx context.Context, model string) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
	})
	if err != nil {
		return nil, fmt.Errorf("NewGemini: create genai client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

// Name implements Provider.
func (g *Gemini) Name() string { return "gemini" }

// Model implements Provider.
func (g *Gemini) Model() string { return g.model }

// Categorize implements Provider.
func (g *Gemini) Categorize(ctx context.Context, tx *domain.Transaction) (string, error) {
	text, err := g.generate(ctx, categoryPrompt(tx))
	if err != nil {
		return "", fmt.Errorf("Categorize: %w", err)
	}
	return cleanLabel(text), nil
}

// Narrate implements Provider.
func (g *Gemini) Narrate(ctx context.Context, prompt string, txs []*domain.Transaction) (string, error) {
	full := systemIntent + "\n\n" + narratePrompt(prompt, txs)
	text, err := g.generate(ctx, full)
	if err != nil {
		return "", fmt.Errorf("Narrate: %w", err)
	}
	return cleanFences(text), nil
}

func (g *Gemini) generate(ctx context.Context, prompt string) (string, error) {
	contents := []*genai.Content{
		{
			Role:  "user",
			Parts: []*genai.Part{{Text: prompt}},
		},
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("empty response from model")
	}
	return text, nil
}
