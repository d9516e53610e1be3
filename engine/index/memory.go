package index

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/WessleyAI/rulesrag/engine/domain"
)

// Memory is an in-process collection searched by brute-force cosine
// similarity. The bbolt backend loads into it, and it serves as a Store for tests.
type Memory struct {
	manifest domain.Manifest
	records  []domain.IndexRecord
	norms    []float64
}

// NewMemory builds a collection from records. Records are ordered by Seq.
func NewMemory(m domain.Manifest, records []domain.IndexRecord) *Memory {
	recs := make([]domain.IndexRecord, len(records))
	copy(recs, records)
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })

	norms := make([]float64, len(recs))
	for i, r := range recs {
		norms[i] = norm(r.Vector)
	}
	if m.Dimension == 0 && len(recs) > 0 {
		m.Dimension = len(recs[0].Vector)
	}
	m.Count = len(recs)
	return &Memory{manifest: m, records: recs, norms: norms}
}

// Count implements VectorIndex.
func (m *Memory) Count(context.Context) (int, error) { return len(m.records), nil }

// Dimension implements VectorIndex.
func (m *Memory) Dimension() int { return m.manifest.Dimension }

// Manifest implements VectorIndex.
func (m *Memory) Manifest() domain.Manifest { return m.manifest }

// Close implements VectorIndex.
func (m *Memory) Close() error { return nil }

// Query implements VectorIndex.
func (m *Memory) Query(_ context.Context, vector []float32, k int) ([]domain.Hit, error) {
	if len(vector) != m.manifest.Dimension {
		return nil, &domain.DimensionError{Expected: m.manifest.Dimension, Got: len(vector)}
	}
	if k <= 0 || len(m.records) == 0 {
		return nil, nil
	}
	qn := norm(vector)
	hits := make([]domain.Hit, len(m.records))
	for i, r := range m.records {
		hits[i] = domain.Hit{
			ID:       r.ID,
			Seq:      r.Seq,
			Text:     r.Text,
			Score:    cosine(vector, r.Vector, qn, m.norms[i]),
			Metadata: r.Metadata,
		}
	}
	SortHits(hits)
	if k < len(hits) {
		hits = hits[:k]
	}
	return hits, nil
}

// SortHits orders hits by descending score, ties by ascending Seq.
func SortHits(hits []domain.Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Seq < hits[j].Seq
	})
}

// Cosine returns the cosine similarity of a and b, or 0 if either is zero.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	return cosine(a, b, norm(a), norm(b))
}

func cosine(a, b []float32, na, nb float64) float32 {
	if na == 0 || nb == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return float32(dot / (na * nb))
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

// MemoryStore keeps a published Memory collection. Staged records are only
// visible after Commit.
type MemoryStore struct {
	mu      sync.Mutex
	current *Memory
}

// Open implements Store.
func (s *MemoryStore) Open(context.Context) (VectorIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || len(s.current.records) == 0 {
		return nil, domain.ErrIndexAbsent
	}
	return s.current, nil
}

// Stage implements Store.
func (s *MemoryStore) Stage(_ context.Context, m domain.Manifest) (Staging, error) {
	return &memoryStaging{store: s, manifest: m}, nil
}

type memoryStaging struct {
	store    *MemoryStore
	manifest domain.Manifest
	records  []domain.IndexRecord
}

func (st *memoryStaging) Add(_ context.Context, records []domain.IndexRecord) error {
	st.records = append(st.records, records...)
	return nil
}

func (st *memoryStaging) Commit(context.Context) (VectorIndex, error) {
	m := NewMemory(st.manifest, st.records)
	st.store.mu.Lock()
	st.store.current = m
	st.store.mu.Unlock()
	return m, nil
}

func (st *memoryStaging) Abort(context.Context) error {
	st.records = nil
	return nil
}
