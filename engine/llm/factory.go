package llm

import (
	"context"
	"fmt"

	"github.com/WessleyAI/rulesrag/pkg/config"
	"github.com/WessleyAI/rulesrag/pkg/hosted"
	"github.com/WessleyAI/rulesrag/pkg/metrics"
	"github.com/WessleyAI/rulesrag/pkg/ollama"
)

func guardOptions(name string, m config.ModelConfig) GuardOptions {
	opts := DefaultGuardOptions(name, m.Timeout)
	opts.RatePerSec = m.RatePerSec
	if m.Burst > 0 {
		opts.Burst = m.Burst
	}
	return opts
}

// NewEmbedder builds the configured embedding provider and guards it.
func NewEmbedder(ctx context.Context, m config.ModelConfig, reg *metrics.Registry) (*GuardedEmbedder, error) {
	var e Embedder
	switch m.Provider {
	case config.ProviderOllama, "":
		url := m.BaseURL
		if url == "" {
			url = ollama.DefaultURL
		}
		e = ollama.NewEmbedClient(url, m.Model)
	case config.ProviderOpenAI:
		c, err := hosted.NewOpenAI(hosted.OpenAIOptions{APIKey: m.APIKey, BaseURL: m.BaseURL, EmbedModel: m.Model})
		if err != nil {
			return nil, err
		}
		e = c
	case config.ProviderGemini:
		c, err := hosted.NewGemini(ctx, hosted.GeminiOptions{APIKey: m.APIKey, EmbedModel: m.Model, Dimension: m.Dimension})
		if err != nil {
			return nil, err
		}
		e = c
	default:
		return nil, fmt.Errorf("llm: provider %q cannot embed", m.Provider)
	}
	return GuardEmbedder(e, guardOptions("embed_"+providerName(m), m), reg), nil
}

// NewGenerator builds the configured chat provider and guards it.
func NewGenerator(ctx context.Context, m config.ModelConfig, reg *metrics.Registry) (*GuardedGenerator, error) {
	var g Generator
	switch m.Provider {
	case config.ProviderOllama, "":
		url := m.BaseURL
		if url == "" {
			url = ollama.DefaultURL
		}
		g = ollama.NewChatClient(url, m.Model, "")
	case config.ProviderOpenAI:
		c, err := hosted.NewOpenAI(hosted.OpenAIOptions{APIKey: m.APIKey, BaseURL: m.BaseURL, ChatModel: m.Model, MaxTokens: m.MaxTokens})
		if err != nil {
			return nil, err
		}
		g = c
	case config.ProviderAnthropic:
		c, err := hosted.NewAnthropic(hosted.AnthropicOptions{APIKey: m.APIKey, BaseURL: m.BaseURL, Model: m.Model, MaxTokens: m.MaxTokens})
		if err != nil {
			return nil, err
		}
		g = c
	case config.ProviderGemini:
		c, err := hosted.NewGemini(ctx, hosted.GeminiOptions{APIKey: m.APIKey, ChatModel: m.Model})
		if err != nil {
			return nil, err
		}
		g = c
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", m.Provider)
	}
	return GuardGenerator(g, guardOptions("chat_"+providerName(m), m), reg), nil
}

func providerName(m config.ModelConfig) string {
	if m.Provider == "" {
		return config.ProviderOllama
	}
	return m.Provider
}
