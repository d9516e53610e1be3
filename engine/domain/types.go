// Package domain defines the core types, errors, and input validation shared by
// the rules retrieval pipeline.
package domain

import (
	"strings"
	"time"
)

// Metadata keys attached to chunks and index records.
const (
	MetaSource = "source"
	MetaTopic  = "topic"
	MetaSeq    = "seq"
)

// Document is one corpus input before chunking.
type Document struct {
	ID   string            `json:"id"`
	Text string            `json:"text"`
	Meta map[string]string `json:"meta,omitempty"`
}

// Chunk is a retrievable unit of source text.
type Chunk struct {
	Text     string            `json:"text"`
	SourceID string            `json:"source_id"`
	Seq      int               `json:"seq"`
	Meta     map[string]string `json:"meta,omitempty"`
}

// EmbeddedChunk pairs a chunk with its embedding.
type EmbeddedChunk struct {
	Chunk  Chunk     `json:"chunk"`
	Vector []float32 `json:"vector"`
}

// Dimension returns the vector width.
func (e EmbeddedChunk) Dimension() int { return len(e.Vector) }

// IndexRecord is the persisted form of an embedded chunk.
type IndexRecord struct {
	ID       string            `json:"id"`
	Seq      int               `json:"seq"`
	Vector   []float32         `json:"vector"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Hit is one similarity search result.
type Hit struct {
	ID       string            `json:"id"`
	Seq      int               `json:"seq"`
	Text     string            `json:"text"`
	Score    float32           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// RetrievalResult is an ordered list of hits, best first.
type RetrievalResult struct {
	Hits []Hit `json:"hits"`
}

// Texts returns the hit texts in rank order.
func (r RetrievalResult) Texts() []string {
	out := make([]string, len(r.Hits))
	for i, h := range r.Hits {
		out[i] = h.Text
	}
	return out
}

// Len returns the number of hits.
func (r RetrievalResult) Len() int { return len(r.Hits) }

// Manifest describes a built collection.
type Manifest struct {
	Collection  string    `json:"collection"`
	EmbedModel  string    `json:"embed_model,omitempty"`
	Fingerprint string    `json:"fingerprint"`
	Dimension   int       `json:"dimension"`
	Count       int       `json:"count"`
	BuiltAt     time.Time `json:"built_at"`
}

// Mode selects the prompt persona.
type Mode string

const (
	ModeQA    Mode = "qa"
	ModeJudge Mode = "judge"
	ModeCards Mode = "cards"
)

// ParseMode returns the mode for s, defaulting to judge.
func ParseMode(s string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeQA:
		return ModeQA, true
	case ModeJudge, "":
		return ModeJudge, true
	case ModeCards:
		return ModeCards, true
	}
	return ModeJudge, false
}
