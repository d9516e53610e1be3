// Package hosted provides embedding and chat clients for OpenAI,
// Anthropic, and Google Gemini. All clients share the Embed/EmbedBatch and
// Generate method shapes used by the Ollama client.
package hosted

import (
	"context"
	"errors"
	"fmt"
	"math"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAI embeds and generates through the OpenAI API.
type OpenAI struct {
	client     *openai.Client
	embedModel string
	chatModel  string
	maxTokens  int
}

// OpenAIOptions configures NewOpenAI.
type OpenAIOptions struct {
	APIKey     string
	BaseURL    string
	EmbedModel string
	ChatModel  string
	MaxTokens  int
}

// NewOpenAI creates an OpenAI client.
func NewOpenAI(opts OpenAIOptions) (*OpenAI, error) {
	if opts.APIKey == "" {
		return nil, errors.New("hosted: openai api key not set")
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	return &OpenAI{
		client:     openai.NewClientWithConfig(cfg),
		embedModel: opts.EmbedModel,
		chatModel:  opts.ChatModel,
		maxTokens:  opts.MaxTokens,
	}, nil
}

// Embed returns the embedding for one text.
func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in a single request.
func (o *OpenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(o.embedModel),
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("hosted: openai embed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("hosted: openai embed: got %d embeddings for %d inputs", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("hosted: openai embed: index %d out of range", d.Index)
		}
		v := make([]float32, len(d.Embedding))
		for i := range d.Embedding {
			v[i] = float32(d.Embedding[i])
		}
		out[d.Index] = v
	}
	return out, nil
}

// Generate returns a chat completion for prompt.
func (o *OpenAI) Generate(ctx context.Context, prompt string, temperature float32) (string, error) {
	// The request field is omitempty, so an exact 0 would fall back to the
	// API default of 1.
	if temperature == 0 {
		temperature = math.SmallestNonzeroFloat32
	}
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.chatModel,
		Temperature: temperature,
		MaxTokens:   o.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("hosted: openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("hosted: openai chat: no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}
