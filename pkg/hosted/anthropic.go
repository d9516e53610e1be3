package hosted

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultMaxTokens caps generated answers when no limit is configured.
const DefaultMaxTokens = 1024

// Anthropic generates through the Anthropic Messages API. It has no embedding endpoint.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

// AnthropicOptions configures NewAnthropic.
type AnthropicOptions struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

// NewAnthropic creates an Anthropic client.
func NewAnthropic(opts AnthropicOptions) (*Anthropic, error) {
	if opts.APIKey == "" {
		return nil, errors.New("hosted: anthropic api key not set")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	return &Anthropic{
		client:    anthropic.NewClient(reqOpts...),
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
	}, nil
}

// Generate returns the concatenated text blocks of the reply.
func (a *Anthropic) Generate(ctx context.Context, prompt string, temperature float32) (string, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   int64(a.maxTokens),
		Temperature: anthropic.Float(float64(clampTemperature(temperature))),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("hosted: anthropic messages: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", errors.New("hosted: anthropic messages: empty response")
	}
	return text.String(), nil
}

// clampTemperature fits t into the 0 to 1 range the Messages API accepts.
func clampTemperature(t float32) float32 {
	return min(max(t, 0), 1)
}
