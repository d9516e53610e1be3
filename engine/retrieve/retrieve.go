// Package retrieve turns a question into the top-k most similar corpus chunks.
package retrieve

import (
	"context"
	"fmt"

	"github.com/WessleyAI/rulesrag/engine/domain"
)

// DefaultK is the number of chunks returned when the caller does not ask for a count.
const DefaultK = 5

// Searcher is the read side of a vector index.
type Searcher interface {
	Dimension() int
	Query(ctx context.Context, vector []float32, k int) ([]domain.Hit, error)
}

// Embedder embeds a single question. It must be the embedder the index was built with.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Retriever answers similarity queries against one index.
type Retriever struct {
	index    Searcher
	embedder Embedder
	defaultK int
}

// New creates a Retriever. defaultK <= 0 means DefaultK.
func New(index Searcher, embedder Embedder, defaultK int) *Retriever {
	if defaultK <= 0 {
		defaultK = DefaultK
	}
	return &Retriever{index: index, embedder: embedder, defaultK: defaultK}
}

// DefaultK returns the count used when Query is called with k <= 0.
func (r *Retriever) DefaultK() int { return r.defaultK }

// Query embeds question and returns at most k hits, best first.
func (r *Retriever) Query(ctx context.Context, question string, k int) (domain.RetrievalResult, error) {
	if k <= 0 {
		k = r.defaultK
	}
	vec, err := r.embedder.Embed(ctx, question)
	if err != nil {
		return domain.RetrievalResult{}, fmt.Errorf("retrieve: embed question: %w", err)
	}
	if want := r.index.Dimension(); len(vec) != want {
		return domain.RetrievalResult{}, &domain.DimensionError{Expected: want, Got: len(vec)}
	}
	hits, err := r.index.Query(ctx, vec, k)
	if err != nil {
		return domain.RetrievalResult{}, fmt.Errorf("retrieve: search: %w", err)
	}
	if len(hits) > k {
		hits = hits[:k]
	}
	return domain.RetrievalResult{Hits: hits}, nil
}
