package hosted

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

// Gemini embeds and generates through the Gemini API.
type Gemini struct {
	client     *genai.Client
	embedModel string
	chatModel  string
	dimension  int
}

// GeminiOptions configures NewGemini.
type GeminiOptions struct {
	APIKey     string
	EmbedModel string
	ChatModel  string
	// Dimension requests a reduced output width. Zero keeps the model default.
	Dimension int
}

// NewGemini creates a Gemini client.
func NewGemini(ctx context.Context, opts GeminiOptions) (*Gemini, error) {
	if opts.APIKey == "" {
		return nil, errors.New("hosted: gemini api key not set")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("hosted: gemini client: %w", err)
	}
	return &Gemini{
		client:     client,
		embedModel: opts.EmbedModel,
		chatModel:  opts.ChatModel,
		dimension:  opts.Dimension,
	}, nil
}

// Embed returns the embedding for one text.
func (g *Gemini) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := g.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in a single request.
func (g *Gemini) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}
	var cfg *genai.EmbedContentConfig
	if g.dimension > 0 {
		dim := int32(g.dimension)
		cfg = &genai.EmbedContentConfig{OutputDimensionality: &dim}
	}

	result, err := g.client.Models.EmbedContent(ctx, g.embedModel, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("hosted: gemini embed: %w", err)
	}
	if result == nil || len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("hosted: gemini embed: expected %d embeddings", len(texts))
	}
	out := make([][]float32, len(texts))
	for i, e := range result.Embeddings {
		out[i] = e.Values
	}
	return out, nil
}

// Generate returns the text of the first candidate.
func (g *Gemini) Generate(ctx context.Context, prompt string, temperature float32) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.chatModel,
		genai.Text(prompt),
		&genai.GenerateContentConfig{Temperature: genai.Ptr(temperature)},
	)
	if err != nil {
		return "", fmt.Errorf("hosted: gemini generate: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", errors.New("hosted: gemini generate: empty response")
	}
	return text, nil
}
