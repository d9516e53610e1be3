// Package ingest loads the rules corpus from disk and turns it into chunks
// ready for embedding.
package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/WessleyAI/rulesrag/engine/chunker"
	"github.com/WessleyAI/rulesrag/engine/domain"
	"github.com/WessleyAI/rulesrag/pkg/fn"
)

// CorpusExt is the file extension picked up when a directory is given.
const CorpusExt = ".txt"

// Deps holds the dependencies of the corpus pipeline.
type Deps struct {
	Strategy chunker.Strategy
	Logger   *slog.Logger
}

// LoadDocuments reads every path. Directories contribute their *.txt files in
// lexical order so chunk order is stable across runs.
func LoadDocuments(paths []string) ([]domain.Document, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("ingest: stat %s: %w", p, err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		var found []string
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.EqualFold(filepath.Ext(path), CorpusExt) {
				found = append(found, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("ingest: walk %s: %w", p, err)
		}
		sort.Strings(found)
		files = append(files, found...)
	}

	docs := make([]domain.Document, 0, len(files))
	for _, f := range fn.Unique(files) {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("ingest: read %s: %w", f, err)
		}
		docs = append(docs, NewDocument(f, string(data)))
	}
	return docs, nil
}

// NewDocument builds a document with source and topic metadata derived from path.
func NewDocument(path, text string) domain.Document {
	base := filepath.Base(path)
	return domain.Document{
		ID:   path,
		Text: text,
		Meta: map[string]string{
			domain.MetaSource: path,
			domain.MetaTopic:  strings.TrimSuffix(base, filepath.Ext(base)),
		},
	}
}

// NewChunk creates a stage that splits every document with the given strategy.
func NewChunk(s chunker.Strategy) fn.Stage[[]domain.Document, []domain.Chunk] {
	return func(_ context.Context, docs []domain.Document) fn.Result[[]domain.Chunk] {
		var out []domain.Chunk
		for _, d := range docs {
			chunks, err := chunker.Split(d, s)
			if err != nil {
				return fn.Err[[]domain.Chunk](err)
			}
			out = append(out, chunks...)
		}
		return fn.Ok(out)
	}
}

// Load is the stage form of LoadDocuments.
var Load fn.Stage[[]string, []domain.Document] = func(_ context.Context, paths []string) fn.Result[[]domain.Document] {
	docs, err := LoadDocuments(paths)
	return fn.FromPair(docs, err)
}

// Logged wraps stage with enter and exit logs. The exit log carries the
// time stage took.
func Logged[In, Out any](name string, log *slog.Logger, stage fn.Stage[In, Out]) fn.Stage[In, Out] {
	return func(ctx context.Context, in In) fn.Result[Out] {
		log.Info("stage.enter", "stage", name)
		start := time.Now()
		res := stage(ctx, in)
		log.Info("stage.exit", "stage", name, "ok", res.IsOk(), "duration", time.Since(start))
		return res
	}
}

// NewPipeline composes Load → Chunk, logging each stage.
func NewPipeline(deps Deps) fn.Stage[[]string, []domain.Chunk] {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	loaded := Logged("load", log, fn.TracedStage("ingest.load", Load))
	chunked := Logged("chunk", log, fn.TracedStage("ingest.chunk", NewChunk(deps.Strategy)))
	return fn.Then(loaded, chunked)
}

// Chunks runs the corpus pipeline over paths.
func Chunks(ctx context.Context, paths []string, deps Deps) ([]domain.Chunk, error) {
	chunks, err := NewPipeline(deps)(ctx, paths).Unwrap()
	if err != nil {
		return nil, err
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	log.Info("corpus chunked", "files", len(paths), "chunks", len(chunks), "strategy", deps.Strategy.Kind)
	return chunks, nil
}
