package rag

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/WessleyAI/rulesrag/engine/cards"
	"github.com/WessleyAI/rulesrag/engine/chunker"
	"github.com/WessleyAI/rulesrag/engine/domain"
	"github.com/WessleyAI/rulesrag/engine/index"
	"github.com/WessleyAI/rulesrag/engine/index/boltstore"
	"github.com/WessleyAI/rulesrag/engine/ingest"
	"github.com/WessleyAI/rulesrag/engine/llm"
	"github.com/WessleyAI/rulesrag/engine/retrieve"
	"github.com/WessleyAI/rulesrag/engine/semantic"
	"github.com/WessleyAI/rulesrag/pkg/config"
	"github.com/WessleyAI/rulesrag/pkg/metrics"
)

// OpenStore returns the configured index backend and a func releasing it.
func OpenStore(cfg config.IndexConfig, logger *slog.Logger) (index.Store, func() error, error) {
	switch cfg.Backend {
	case config.BackendQdrant:
		vs, err := semantic.New(cfg.QdrantAddr, cfg.Collection)
		if err != nil {
			return nil, nil, err
		}
		return vs.WithLogger(logger), vs.Close, nil
	case config.BackendBolt, "":
		return boltstore.New(cfg.Path, cfg.Collection, cfg.LockTimeout), func() error { return nil }, nil
	}
	return nil, nil, fmt.Errorf("rag: unknown index backend %q", cfg.Backend)
}

// LoadCorpus reads and chunks the configured corpus.
func LoadCorpus(ctx context.Context, cfg config.CorpusConfig, logger *slog.Logger) ([]domain.Chunk, error) {
	kind, err := chunker.ParseKind(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	strategy := chunker.Strategy{Kind: kind, MaxTokens: cfg.MaxTokens, OverlapTokens: cfg.OverlapTokens}
	return ingest.Chunks(ctx, cfg.Paths, ingest.Deps{Strategy: strategy, Logger: logger})
}

// IndexOptions maps the index config onto index.Options.
func IndexOptions(cfg config.Config, logger *slog.Logger) index.Options {
	return index.Options{
		Collection: cfg.Index.Collection,
		EmbedModel: cfg.Embed.Model,
		BatchSize:  cfg.Index.BatchSize,
		Workers:    cfg.Index.Workers,
		Rebuild:    cfg.Index.Rebuild,
		Logger:     logger,
	}
}

// Bootstrap wires a Pipeline from cfg. It builds the model clients, opens the
// index store, chunks the corpus, and loads or builds the index. Store and
// build errors are returned; nothing is served without a valid index.
// The returned func releases the index and the store.
func Bootstrap(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Pipeline, *index.Handle, func() error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	embedder, err := llm.NewEmbedder(ctx, cfg.Embed, metrics.Default)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("rag: embedder: %w", err)
	}
	generator, err := llm.NewGenerator(ctx, cfg.Chat, metrics.Default)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("rag: generator: %w", err)
	}

	var table *cards.Table
	if cfg.Cards.Path != "" {
		if table, err = cards.Load(cfg.Cards.Path); err != nil {
			return nil, nil, nil, err
		}
		logger.Info("card table loaded", "path", cfg.Cards.Path, "cards", table.Len())
	}

	handle, closer, err := OpenIndex(ctx, cfg, embedder, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	mode, _ := domain.ParseMode(cfg.RAG.Mode)
	pcfg := PipelineConfig{
		Retriever:        retrieve.New(handle, embedder, cfg.RAG.TopK),
		Generator:        generator,
		Mode:             mode,
		QATemperature:    cfg.RAG.QATemperature,
		JudgeTemperature: cfg.RAG.JudgeTemperature,
		K:                cfg.RAG.TopK,
		Model:            cfg.Chat.Model,
		Logger:           logger,
	}
	if table != nil {
		pcfg.Cards = table
	}
	p, err := New(pcfg)
	if err != nil {
		closer()
		return nil, nil, nil, err
	}
	return p, handle, closer, nil
}

// OpenIndex chunks the corpus, opens the configured store, and loads or
// builds the index with embedder. The returned func releases the index and
// the store.
func OpenIndex(ctx context.Context, cfg config.Config, embedder index.Embedder, logger *slog.Logger) (*index.Handle, func() error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	chunks, err := LoadCorpus(ctx, cfg.Corpus, logger)
	if err != nil {
		return nil, nil, err
	}
	store, closeStore, err := OpenStore(cfg.Index, logger)
	if err != nil {
		return nil, nil, err
	}
	handle, err := index.LoadOrBuild(ctx, chunks, embedder, store, IndexOptions(cfg, logger))
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	PublishIndexInfo(metrics.Default, handle.Manifest())
	closer := func() error {
		herr := handle.Close()
		if err := closeStore(); err != nil {
			return err
		}
		return herr
	}
	return handle, closer, nil
}

// Reindex re-chunks the corpus and rebuilds h in place. Queries on h wait
// for the build and keep the previous index if it fails.
func Reindex(ctx context.Context, cfg config.CorpusConfig, h *index.Handle, logger *slog.Logger) error {
	chunks, err := LoadCorpus(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := h.Rebuild(ctx, chunks); err != nil {
		return err
	}
	PublishIndexInfo(metrics.Default, h.Manifest())
	return nil
}

// PublishIndexInfo exports the manifest of the serving index.
func PublishIndexInfo(reg *metrics.Registry, m domain.Manifest) {
	fp := m.Fingerprint
	if len(fp) > 12 {
		fp = fp[:12]
	}
	reg.Info("rulesrag_index_info", "Serving index identity.",
		"collection", m.Collection, "embed_model", m.EmbedModel, "fingerprint", fp)
	reg.Gauge("rulesrag_index_records", "Records in the serving index.").Set(int64(m.Count))
	reg.Gauge("rulesrag_index_built_timestamp", "Build time of the serving index.").Set(m.BuiltAt.Unix())
}
