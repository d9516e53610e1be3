package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault_Valid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoad_YAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rulesrag.yaml")
	yml := `
corpus:
  paths: [data/rules.txt]
  strategy: fixed_window
  max_tokens: 200
  overlap_tokens: 40
index:
  collection: comp_rules
  batch_size: 32
embed:
  timeout: 15s
rag:
  top_k: 8
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CHAT_MODEL", "llama3.1:8b")
	t.Setenv("OLLAMA_URL", "http://ollama:11434")
	t.Setenv("RAG_TOP_K", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Corpus.MaxTokens != 200 || cfg.Corpus.Strategy != "fixed_window" {
		t.Errorf("corpus not loaded: %+v", cfg.Corpus)
	}
	if cfg.Index.Collection != "comp_rules" || cfg.Index.BatchSize != 32 {
		t.Errorf("index not loaded: %+v", cfg.Index)
	}
	if cfg.Embed.Timeout != 15*time.Second {
		t.Errorf("duration not parsed: %v", cfg.Embed.Timeout)
	}
	if cfg.Chat.Model != "llama3.1:8b" || cfg.Chat.BaseURL != "http://ollama:11434" {
		t.Errorf("env overrides not applied: %+v", cfg.Chat)
	}
	if cfg.RAG.TopK != 8 || cfg.RAG.JudgeTemperature != 0.8 {
		t.Errorf("rag config: %+v", cfg.RAG)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]func(*Config){
		"overlap":         func(c *Config) { c.Corpus.OverlapTokens = c.Corpus.MaxTokens },
		"backend":         func(c *Config) { c.Index.Backend = "chroma" },
		"qdrant addr":     func(c *Config) { c.Index.Backend = BackendQdrant; c.Index.QdrantAddr = "" },
		"mode":            func(c *Config) { c.RAG.Mode = "oracle" },
		"anthropic embed": func(c *Config) { c.Embed.Provider = ProviderAnthropic; c.Embed.APIKey = "k" },
		"missing key":     func(c *Config) { c.Chat.Provider = ProviderOpenAI },
		"no corpus":       func(c *Config) { c.Corpus.Paths = nil },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestApplyEnv_ProviderKeys(t *testing.T) {
	t.Setenv("CHAT_PROVIDER", "anthropic")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("CORPUS_PATHS", "a.txt, b.txt,,")
	cfg := Default()
	cfg.applyEnv()
	if cfg.Chat.APIKey != "sk-test" {
		t.Errorf("anthropic key not applied: %+v", cfg.Chat)
	}
	if strings.Join(cfg.Corpus.Paths, "|") != "a.txt|b.txt" {
		t.Errorf("unexpected paths: %v", cfg.Corpus.Paths)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}
}
