// Package config loads rulesrag settings from defaults, an optional YAML
// file, a .env file, and environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Provider names.
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// Index backends.
const (
	BackendBolt   = "bolt"
	BackendQdrant = "qdrant"
)

// Config is the full application configuration.
type Config struct {
	Corpus CorpusConfig `yaml:"corpus"`
	Index  IndexConfig  `yaml:"index"`
	Embed  ModelConfig  `yaml:"embed"`
	Chat   ModelConfig  `yaml:"chat"`
	RAG    RAGConfig    `yaml:"rag"`
	Cards  CardsConfig  `yaml:"cards"`
	Server ServerConfig `yaml:"server"`
	NATS   NATSConfig   `yaml:"nats"`
}

// CorpusConfig names the rules files and how to chunk them.
type CorpusConfig struct {
	Paths         []string `yaml:"paths" validate:"min=1,dive,required"`
	Strategy      string   `yaml:"strategy" validate:"oneof=fixed_window blank_line"`
	MaxTokens     int      `yaml:"max_tokens" validate:"gte=1"`
	OverlapTokens int      `yaml:"overlap_tokens" validate:"gte=0,ltfield=MaxTokens"`
}

// IndexConfig selects and tunes the vector index backend.
type IndexConfig struct {
	Backend     string        `yaml:"backend" validate:"oneof=bolt qdrant"`
	Path        string        `yaml:"path" validate:"required_if=Backend bolt"`
	Collection  string        `yaml:"collection" validate:"required"`
	QdrantAddr  string        `yaml:"qdrant_addr" validate:"required_if=Backend qdrant"`
	BatchSize   int           `yaml:"batch_size" validate:"gte=1"`
	Workers     int           `yaml:"workers" validate:"gte=1"`
	Rebuild     bool          `yaml:"rebuild"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

// ModelConfig configures one embedding or chat model.
type ModelConfig struct {
	Provider   string        `yaml:"provider" validate:"oneof=ollama openai anthropic gemini"`
	Model      string        `yaml:"model" validate:"required"`
	BaseURL    string        `yaml:"base_url"` // empty uses the provider default
	APIKey     string        `yaml:"-"`
	Timeout    time.Duration `yaml:"timeout" validate:"gte=0"`
	RatePerSec float64       `yaml:"rate_per_sec" validate:"gte=0"`
	Burst      int           `yaml:"burst" validate:"gte=0"`
	MaxTokens  int           `yaml:"max_tokens" validate:"gte=0"`
	Dimension  int           `yaml:"dimension" validate:"gte=0"`
}

// RAGConfig tunes retrieval and generation.
type RAGConfig struct {
	Mode             string  `yaml:"mode" validate:"oneof=qa judge cards"`
	TopK             int     `yaml:"top_k" validate:"gte=1,lte=100"`
	QATemperature    float32 `yaml:"qa_temperature" validate:"gte=0,lte=2"`
	JudgeTemperature float32 `yaml:"judge_temperature" validate:"gte=0,lte=2"`
}

// CardsConfig points at the card CSV. Empty disables card mode.
type CardsConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig configures cmd/api.
type ServerConfig struct {
	Port       string `yaml:"port" validate:"required,numeric"`
	CORSOrigin string `yaml:"cors_origin"`
}

// NATSConfig configures the optional NATS responder. Empty URL disables it.
type NATSConfig struct {
	URL            string `yaml:"url"`
	Subject        string `yaml:"subject"`
	RebuildSubject string `yaml:"rebuild_subject"`
}

// Default returns the reference configuration: Ollama nomic-embed-text and
// llama3.1 over a local bbolt index.
func Default() Config {
	return Config{
		Corpus: CorpusConfig{
			Paths:         []string{"rules_rag/data"},
			Strategy:      "blank_line",
			MaxTokens:     150,
			OverlapTokens: 20,
		},
		Index: IndexConfig{
			Backend:     BackendBolt,
			Path:        "rules_rag/index.db",
			Collection:  "mtg_rules",
			QdrantAddr:  "localhost:6334",
			BatchSize:   100,
			Workers:     4,
			LockTimeout: 5 * time.Second,
		},
		Embed: ModelConfig{
			Provider:   ProviderOllama,
			Model:      "nomic-embed-text",
			Timeout:    60 * time.Second,
			RatePerSec: 0,
			Burst:      1,
		},
		Chat: ModelConfig{
			Provider:  ProviderOllama,
			Model:     "llama3.1",
			Timeout:   3 * time.Minute,
			Burst:     1,
			MaxTokens: 1024,
		},
		RAG: RAGConfig{
			Mode:             "judge",
			TopK:             5,
			QATemperature:    0.5,
			JudgeTemperature: 0.8,
		},
		Server: ServerConfig{Port: "8090", CORSOrigin: "*"},
		NATS:   NATSConfig{Subject: "rulesrag.ask", RebuildSubject: "rulesrag.rebuild"},
	}
}

// Load builds the configuration. path may be empty; RULESRAG_CONFIG is used then.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("RULESRAG_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := loadDotEnv(".env"); err != nil {
		return cfg, err
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

func envOr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envInt(k string, d int) int {
	if v, err := strconv.Atoi(os.Getenv(k)); err == nil {
		return v
	}
	return d
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CORPUS_PATHS"); v != "" {
		c.Corpus.Paths = splitList(v)
	}
	c.Corpus.Strategy = envOr("CHUNK_STRATEGY", c.Corpus.Strategy)

	c.Index.Backend = envOr("INDEX_BACKEND", c.Index.Backend)
	c.Index.Path = envOr("INDEX_PATH", c.Index.Path)
	c.Index.Collection = envOr("QDRANT_COLLECTION", envOr("INDEX_COLLECTION", c.Index.Collection))
	c.Index.QdrantAddr = envOr("QDRANT_URL", c.Index.QdrantAddr)
	c.Index.BatchSize = envInt("EMBED_BATCH_SIZE", c.Index.BatchSize)

	c.Embed.Provider = envOr("EMBED_PROVIDER", c.Embed.Provider)
	c.Embed.Model = envOr("EMBED_MODEL", c.Embed.Model)
	c.Chat.Provider = envOr("CHAT_PROVIDER", c.Chat.Provider)
	c.Chat.Model = envOr("CHAT_MODEL", c.Chat.Model)
	for _, m := range []*ModelConfig{&c.Embed, &c.Chat} {
		switch m.Provider {
		case ProviderOllama:
			m.BaseURL = envOr("OLLAMA_URL", m.BaseURL)
		case ProviderOpenAI:
			m.APIKey = envOr("OPENAI_API_KEY", m.APIKey)
			m.BaseURL = envOr("OPENAI_BASE_URL", m.BaseURL)
		case ProviderAnthropic:
			m.APIKey = envOr("ANTHROPIC_API_KEY", m.APIKey)
			m.BaseURL = envOr("ANTHROPIC_BASE_URL", m.BaseURL)
		case ProviderGemini:
			m.APIKey = envOr("GEMINI_API_KEY", envOr("GOOGLE_API_KEY", m.APIKey))
		}
	}

	c.RAG.Mode = envOr("RAG_MODE", c.RAG.Mode)
	c.RAG.TopK = envInt("RAG_TOP_K", c.RAG.TopK)
	c.Cards.Path = envOr("CARDS_CSV", c.Cards.Path)
	c.Server.Port = envOr("PORT", c.Server.Port)
	c.Server.CORSOrigin = envOr("CORS_ORIGIN", c.Server.CORSOrigin)
	c.NATS.URL = envOr("NATS_URL", c.NATS.URL)
}

var validate = validator.New()

// Validate checks struct constraints and provider capabilities.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Embed.Provider == ProviderAnthropic {
		return errors.New("config: anthropic has no embedding model; pick ollama, openai or gemini for embed.provider")
	}
	for name, m := range map[string]ModelConfig{"embed": c.Embed, "chat": c.Chat} {
		if m.Provider != ProviderOllama && m.APIKey == "" {
			return fmt.Errorf("config: %s.provider %s requires an api key", name, m.Provider)
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
