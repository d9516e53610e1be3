package index

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/WessleyAI/rulesrag/engine/domain"
)

// --- Mocks ---

type mockEmbedder struct {
	calls  atomic.Int32
	failOn string // text whose batch fails
	dims   func(text string) int
}

func (m *mockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	m.calls.Add(1)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if m.failOn != "" && t == m.failOn {
			return nil, errors.New("embedding service down")
		}
		d := 3
		if m.dims != nil {
			d = m.dims(t)
		}
		v := make([]float32, d)
		for j := range v {
			v[j] = float32(len(t) + j)
		}
		out[i] = v
	}
	return out, nil
}

type failingStore struct {
	MemoryStore
	openErr  error
	addFails int // fail on the Nth Add call (1-based)
	aborted  bool
	adds     int
}

func (s *failingStore) Open(ctx context.Context) (VectorIndex, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	return s.MemoryStore.Open(ctx)
}

func (s *failingStore) Stage(ctx context.Context, m domain.Manifest) (Staging, error) {
	inner, _ := s.MemoryStore.Stage(ctx, m)
	return &failingStaging{Staging: inner, store: s}, nil
}

type failingStaging struct {
	Staging
	store *failingStore
}

func (st *failingStaging) Add(ctx context.Context, recs []domain.IndexRecord) error {
	st.store.adds++
	if st.store.addFails > 0 && st.store.adds == st.store.addFails {
		return errors.New("disk full")
	}
	return st.Staging.Add(ctx, recs)
}

func (st *failingStaging) Abort(ctx context.Context) error {
	st.store.aborted = true
	return st.Staging.Abort(ctx)
}

func chunks(n int) []domain.Chunk {
	out := make([]domain.Chunk, n)
	for i := range out {
		out[i] = domain.Chunk{Text: fmt.Sprintf("rule %03d text", i), SourceID: "rules.txt", Seq: i}
	}
	return out
}

func quietOpts() Options {
	return Options{
		Collection: "mtg_rules",
		EmbedModel: "test-embed",
		BatchSize:  2,
		Workers:    2,
		Logger:     slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
	}
}

// --- LoadOrBuild ---

func TestLoadOrBuild_BuildsWhenAbsent(t *testing.T) {
	store := &MemoryStore{}
	emb := &mockEmbedder{}

	h, err := LoadOrBuild(context.Background(), chunks(5), emb, store, quietOpts())
	if err != nil {
		t.Fatal(err)
	}
	if !h.Built() {
		t.Error("expected a fresh build")
	}
	if got := emb.calls.Load(); got != 3 {
		t.Errorf("embed calls = %d, want 3 (batches of 2)", got)
	}
	n, _ := h.Count(context.Background())
	if n != 5 {
		t.Errorf("count = %d, want 5", n)
	}
	m := h.Manifest()
	if m.Dimension != 3 || m.Count != 5 || m.Fingerprint != Fingerprint(chunks(5)) {
		t.Errorf("manifest = %+v", m)
	}
}

func TestLoadOrBuild_ReusesWithoutEmbedding(t *testing.T) {
	store := &MemoryStore{}
	if _, err := LoadOrBuild(context.Background(), chunks(4), &mockEmbedder{}, store, quietOpts()); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	opts := quietOpts()
	opts.Logger = slog.New(slog.NewTextHandler(&buf, nil))
	emb := &mockEmbedder{}
	h, err := LoadOrBuild(context.Background(), chunks(4), emb, store, opts)
	if err != nil {
		t.Fatal(err)
	}
	if emb.calls.Load() != 0 {
		t.Errorf("embed calls = %d, want 0", emb.calls.Load())
	}
	if h.Built() {
		t.Error("expected reuse, not build")
	}
	if !strings.Contains(buf.String(), "vectors=4") {
		t.Errorf("loaded vector count not logged: %s", buf.String())
	}
}

func TestLoadOrBuild_EmptyCollectionIsRebuilt(t *testing.T) {
	store := &MemoryStore{current: NewMemory(domain.Manifest{Dimension: 3}, nil)}
	emb := &mockEmbedder{}
	if _, err := LoadOrBuild(context.Background(), chunks(1), emb, store, quietOpts()); err != nil {
		t.Fatal(err)
	}
	if emb.calls.Load() != 1 {
		t.Errorf("embed calls = %d, want 1", emb.calls.Load())
	}
}

func TestLoadOrBuild_EmbedFailureLeavesNothingPublished(t *testing.T) {
	store := &MemoryStore{}
	emb := &mockEmbedder{failOn: "rule 003 text"}

	_, err := LoadOrBuild(context.Background(), chunks(6), emb, store, quietOpts())
	if !errors.Is(err, domain.ErrBuildFailed) {
		t.Fatalf("expected ErrBuildFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "embedding service down") {
		t.Errorf("root cause missing from %q", err)
	}
	if _, err := store.Open(context.Background()); !errors.Is(err, domain.ErrIndexAbsent) {
		t.Errorf("partial index visible: %v", err)
	}
}

func TestLoadOrBuild_AddFailureAborts(t *testing.T) {
	store := &failingStore{addFails: 2}
	_, err := LoadOrBuild(context.Background(), chunks(6), &mockEmbedder{}, store, quietOpts())

	var be *domain.BuildError
	if !errors.As(err, &be) {
		t.Fatalf("expected *BuildError, got %v", err)
	}
	if be.Stage != "add batch 1" {
		t.Errorf("stage = %q", be.Stage)
	}
	if !store.aborted {
		t.Error("staging not aborted")
	}
	if _, err := store.Open(context.Background()); !errors.Is(err, domain.ErrIndexAbsent) {
		t.Errorf("partial index visible: %v", err)
	}
}

func TestLoadOrBuild_CorruptStoreIsNotRebuilt(t *testing.T) {
	store := &failingStore{openErr: domain.NewStoreError("bolt", "index.db", "open", errors.New("invalid database"))}
	emb := &mockEmbedder{}

	_, err := LoadOrBuild(context.Background(), chunks(2), emb, store, quietOpts())
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if emb.calls.Load() != 0 {
		t.Error("corrupt store must not trigger a build")
	}
}

func TestLoadOrBuild_WrapsUnknownOpenError(t *testing.T) {
	store := &failingStore{openErr: errors.New("connection refused")}
	_, err := LoadOrBuild(context.Background(), chunks(2), &mockEmbedder{}, store, quietOpts())
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestLoadOrBuild_StaleFingerprintWarns(t *testing.T) {
	store := &MemoryStore{}
	if _, err := LoadOrBuild(context.Background(), chunks(3), &mockEmbedder{}, store, quietOpts()); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	opts := quietOpts()
	opts.Logger = slog.New(slog.NewTextHandler(&buf, nil))
	emb := &mockEmbedder{}
	if _, err := LoadOrBuild(context.Background(), chunks(4), emb, store, opts); err != nil {
		t.Fatal(err)
	}
	if emb.calls.Load() != 0 {
		t.Error("stale index should be reused")
	}
	if !strings.Contains(buf.String(), "corpus changed") {
		t.Errorf("no staleness warning in log: %s", buf.String())
	}
}

func TestLoadOrBuild_RebuildOption(t *testing.T) {
	store := &MemoryStore{}
	if _, err := LoadOrBuild(context.Background(), chunks(3), &mockEmbedder{}, store, quietOpts()); err != nil {
		t.Fatal(err)
	}

	opts := quietOpts()
	opts.Rebuild = true
	emb := &mockEmbedder{}
	h, err := LoadOrBuild(context.Background(), chunks(4), emb, store, opts)
	if err != nil {
		t.Fatal(err)
	}
	if emb.calls.Load() == 0 {
		t.Error("rebuild did not embed")
	}
	if n, _ := h.Count(context.Background()); n != 4 {
		t.Errorf("count = %d, want 4", n)
	}
}

func TestLoadOrBuild_InconsistentDimensions(t *testing.T) {
	emb := &mockEmbedder{dims: func(text string) int {
		if text == "rule 002 text" {
			return 4
		}
		return 3
	}}
	_, err := LoadOrBuild(context.Background(), chunks(4), emb, &MemoryStore{}, quietOpts())
	if !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	if !errors.Is(err, domain.ErrBuildFailed) {
		t.Errorf("expected ErrBuildFailed, got %v", err)
	}
}

func TestLoadOrBuild_NoChunks(t *testing.T) {
	_, err := LoadOrBuild(context.Background(), nil, &mockEmbedder{}, &MemoryStore{}, quietOpts())
	if !errors.Is(err, domain.ErrBuildFailed) {
		t.Fatalf("expected ErrBuildFailed, got %v", err)
	}
}

func TestLoadOrBuild_RecordsCarryProvenance(t *testing.T) {
	store := &MemoryStore{}
	cs := chunks(2)
	cs[1].Meta = map[string]string{domain.MetaTopic: "combat"}
	if _, err := LoadOrBuild(context.Background(), cs, &mockEmbedder{}, store, quietOpts()); err != nil {
		t.Fatal(err)
	}
	rec := store.current.records[1]
	if rec.ID != RecordID("rules.txt", 1) {
		t.Errorf("id = %s", rec.ID)
	}
	if rec.Metadata[domain.MetaTopic] != "combat" || rec.Metadata["source_id"] != "rules.txt" || rec.Metadata[domain.MetaSeq] != "1" {
		t.Errorf("metadata = %v", rec.Metadata)
	}
}

// --- Handle ---

func TestHandle_RebuildSwaps(t *testing.T) {
	store := &MemoryStore{}
	h, err := LoadOrBuild(context.Background(), chunks(2), &mockEmbedder{}, store, quietOpts())
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Rebuild(context.Background(), chunks(5)); err != nil {
		t.Fatal(err)
	}
	if n, _ := h.Count(context.Background()); n != 5 {
		t.Errorf("count = %d, want 5", n)
	}
}

func TestHandle_FailedRebuildKeepsPrevious(t *testing.T) {
	store := &MemoryStore{}
	emb := &mockEmbedder{}
	h, err := LoadOrBuild(context.Background(), chunks(2), emb, store, quietOpts())
	if err != nil {
		t.Fatal(err)
	}
	emb.failOn = "rule 004 text"
	if err := h.Rebuild(context.Background(), chunks(5)); err == nil {
		t.Fatal("expected error")
	}
	if n, _ := h.Count(context.Background()); n != 2 {
		t.Errorf("count = %d, want previous 2", n)
	}
}

func TestHandle_ConcurrentQueriesDuringRebuild(t *testing.T) {
	h, err := LoadOrBuild(context.Background(), chunks(4), &mockEmbedder{}, &MemoryStore{}, quietOpts())
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.Query(context.Background(), []float32{1, 2, 3}, 2); err != nil {
				t.Error(err)
			}
		}()
	}
	if err := h.Rebuild(context.Background(), chunks(6)); err != nil {
		t.Fatal(err)
	}
	wg.Wait()
}

// --- Fingerprint / RecordID ---

func TestFingerprint(t *testing.T) {
	a := Fingerprint(chunks(3))
	if a != Fingerprint(chunks(3)) {
		t.Error("fingerprint not deterministic")
	}
	changed := chunks(3)
	changed[1].Text = "edited"
	if a == Fingerprint(changed) {
		t.Error("fingerprint ignores text")
	}
	if a == Fingerprint(chunks(2)) {
		t.Error("fingerprint ignores length")
	}
}

func TestRecordID(t *testing.T) {
	if RecordID("a.txt", 1) != RecordID("a.txt", 1) {
		t.Error("record id not stable")
	}
	if RecordID("a.txt", 1) == RecordID("a.txt", 2) {
		t.Error("record id collides")
	}
}
