// Package index owns the persisted vector index: the narrow capability
// interfaces every backend implements, and LoadOrBuild, which reuses a
// populated collection or embeds the corpus exactly once and publishes it
// atomically.
package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/WessleyAI/rulesrag/engine/domain"
	"github.com/WessleyAI/rulesrag/pkg/fn"
	"github.com/google/uuid"
)

// VectorIndex is a read-only handle to a built collection.
type VectorIndex interface {
	Count(ctx context.Context) (int, error)
	Dimension() int
	Manifest() domain.Manifest
	// Query returns up to k hits ordered by descending score, ties by ascending Seq.
	Query(ctx context.Context, vector []float32, k int) ([]domain.Hit, error)
	Close() error
}

// Store opens or publishes one named collection.
type Store interface {
	// Open returns the published collection. It fails with domain.ErrIndexAbsent
	// when the collection does not exist or is empty, and with a
	// domain.ErrStoreUnavailable error when it exists but cannot be read.
	Open(ctx context.Context) (VectorIndex, error)
	// Stage starts a build that stays invisible to Open until Commit.
	Stage(ctx context.Context, m domain.Manifest) (Staging, error)
}

// Staging collects records for an all-or-nothing publish.
type Staging interface {
	Add(ctx context.Context, records []domain.IndexRecord) error
	Commit(ctx context.Context) (VectorIndex, error)
	Abort(ctx context.Context) error
}

// Embedder is the subset of the embedding client used to build an index.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Options configures LoadOrBuild.
type Options struct {
	Collection string
	EmbedModel string
	// BatchSize is the number of chunks per embedding request.
	BatchSize int
	// Workers bounds concurrent embedding requests.
	Workers int
	// Rebuild discards a populated collection and builds anew.
	Rebuild bool
	Retry   fn.RetryOpts
	Logger  *slog.Logger
	now     func() time.Time
}

const (
	// DefaultBatchSize is the max chunks per embedding request.
	DefaultBatchSize = 100
	// DefaultWorkers is the number of embedding requests in flight during a build.
	DefaultWorkers = 4
)

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry = fn.RetryOpts{MaxAttempts: 1}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// RecordID returns the stable id of a chunk.
func RecordID(sourceID string, seq int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s-%d", sourceID, seq))).String()
}

// Fingerprint hashes the chunk sequence so a stale collection can be detected.
func Fingerprint(chunks []domain.Chunk) string {
	h := sha256.New()
	for _, c := range chunks {
		h.Write([]byte(c.SourceID))
		h.Write([]byte{0})
		h.Write([]byte(strconv.Itoa(c.Seq)))
		h.Write([]byte{0})
		h.Write([]byte(c.Text))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Handle is the pipeline's view of the current collection. Queries share a
// read lock; Rebuild holds the write lock, so no query observes a build in flight.
type Handle struct {
	mu     sync.RWMutex
	idx    VectorIndex
	store  Store
	embed  Embedder
	opts   Options
	built  bool
	logger *slog.Logger
}

// LoadOrBuild returns the populated collection from store without embedding
// anything, or embeds chunks and publishes a new collection when it is absent
// or empty. A corrupt store is an error, never a rebuild.
func LoadOrBuild(ctx context.Context, chunks []domain.Chunk, embedder Embedder, store Store, opts Options) (*Handle, error) {
	opts = opts.withDefaults()
	h := &Handle{store: store, embed: embedder, opts: opts, logger: opts.Logger}

	idx, n, err := open(ctx, store, opts.Collection)
	if err != nil {
		return nil, err
	}
	if idx != nil {
		fp := Fingerprint(chunks)
		m := idx.Manifest()
		if !opts.Rebuild {
			if m.Fingerprint != "" && m.Fingerprint != fp {
				h.logger.Warn("index: corpus changed since last build; reusing stale index",
					"collection", opts.Collection, "indexed", short(m.Fingerprint), "corpus", short(fp))
			}
			h.logger.Info("Loaded existing index", "collection", opts.Collection, "vectors", n)
			h.idx = idx
			return h, nil
		}
		h.logger.Info("index: rebuild requested", "collection", opts.Collection)
		idx.Close()
	}

	built, err := build(ctx, chunks, embedder, store, opts)
	if err != nil {
		return nil, err
	}
	h.idx = built
	h.built = true
	return h, nil
}

// open returns a nil index on a cache miss, otherwise the index and its
// vector count.
func open(ctx context.Context, store Store, collection string) (VectorIndex, int, error) {
	idx, err := store.Open(ctx)
	switch {
	case errors.Is(err, domain.ErrIndexAbsent):
		return nil, 0, nil
	case err != nil:
		if !errors.Is(err, domain.ErrStoreUnavailable) {
			err = domain.NewStoreError("index", collection, "open", err)
		}
		return nil, 0, err
	}
	n, err := idx.Count(ctx)
	if err != nil {
		idx.Close()
		return nil, 0, domain.NewStoreError("index", collection, "count", err)
	}
	if n == 0 {
		idx.Close()
		return nil, 0, nil
	}
	return idx, n, nil
}

func build(ctx context.Context, chunks []domain.Chunk, embedder Embedder, store Store, opts Options) (VectorIndex, error) {
	fail := func(stage string, err error) error {
		return &domain.BuildError{Collection: opts.Collection, Stage: stage, Err: err}
	}
	if len(chunks) == 0 {
		return nil, fail("chunks", errors.New("corpus produced no chunks"))
	}
	start := opts.now()
	opts.Logger.Info("No existing vectors found; building index", "collection", opts.Collection, "chunks", len(chunks))

	batches := fn.Chunk(chunks, opts.BatchSize)
	vectors, err := embedAll(ctx, batches, embedder, opts)
	if err != nil {
		return nil, fail("embed", err)
	}

	dim := len(vectors[0][0])
	for _, batch := range vectors {
		for _, v := range batch {
			if len(v) != dim || dim == 0 {
				return nil, fail("embed", &domain.DimensionError{Expected: dim, Got: len(v)})
			}
		}
	}

	manifest := domain.Manifest{
		Collection:  opts.Collection,
		EmbedModel:  opts.EmbedModel,
		Fingerprint: Fingerprint(chunks),
		Dimension:   dim,
		Count:       len(chunks),
		BuiltAt:     start.UTC(),
	}
	staging, err := store.Stage(ctx, manifest)
	if err != nil {
		return nil, fail("stage", err)
	}

	seq := 0
	for i, batch := range batches {
		records := make([]domain.IndexRecord, len(batch))
		for j, c := range batch {
			records[j] = newRecord(c, seq, vectors[i][j])
			seq++
		}
		if err := staging.Add(ctx, records); err != nil {
			abort(ctx, staging, opts.Logger)
			return nil, fail(fmt.Sprintf("add batch %d", i), err)
		}
	}

	idx, err := staging.Commit(ctx)
	if err != nil {
		abort(ctx, staging, opts.Logger)
		return nil, fail("commit", err)
	}
	opts.Logger.Info("Built and persisted index",
		"collection", opts.Collection, "chunks", len(chunks), "dims", dim, "duration", opts.now().Sub(start))
	return idx, nil
}

// embedAll embeds every batch with bounded concurrency. The first batch to
// exhaust its retries cancels the ones still in flight.
func embedAll(ctx context.Context, batches [][]domain.Chunk, embedder Embedder, opts Options) ([][][]float32, error) {
	embedBatch := fn.RetryStage(opts.Retry, func(ctx context.Context, batch []domain.Chunk) fn.Result[[][]float32] {
		texts := fn.Map(batch, func(c domain.Chunk) string { return c.Text })
		vecs, err := embedder.EmbedBatch(ctx, texts)
		if err == nil && len(vecs) != len(texts) {
			err = fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(texts))
		}
		return fn.FromPair(vecs, err)
	})
	return fn.BatchStage(opts.Workers, embedBatch)(ctx, batches).Unwrap()
}

func newRecord(c domain.Chunk, seq int, vec []float32) domain.IndexRecord {
	meta := make(map[string]string, len(c.Meta)+2)
	for k, v := range c.Meta {
		meta[k] = v
	}
	meta["source_id"] = c.SourceID
	meta[domain.MetaSeq] = strconv.Itoa(c.Seq)
	return domain.IndexRecord{
		ID:       RecordID(c.SourceID, c.Seq),
		Seq:      seq,
		Vector:   vec,
		Text:     c.Text,
		Metadata: meta,
	}
}

func abort(ctx context.Context, s Staging, log *slog.Logger) {
	if err := s.Abort(context.WithoutCancel(ctx)); err != nil {
		log.Warn("index: abort staged build", "err", err)
	}
}

func short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

// Built reports whether LoadOrBuild or the last Rebuild embedded the corpus.
func (h *Handle) Built() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.built
}

// Query searches the current collection.
func (h *Handle) Query(ctx context.Context, vector []float32, k int) ([]domain.Hit, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.idx.Query(ctx, vector, k)
}

// Count returns the number of records in the current collection.
func (h *Handle) Count(ctx context.Context) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.idx.Count(ctx)
}

// Dimension returns the vector width of the current collection.
func (h *Handle) Dimension() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.idx.Dimension()
}

// Manifest describes the current collection.
func (h *Handle) Manifest() domain.Manifest {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.idx.Manifest()
}

// Rebuild embeds chunks and swaps in the new collection. Queries block until
// it returns; on failure the previous collection stays in place.
func (h *Handle) Rebuild(ctx context.Context, chunks []domain.Chunk) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx, err := build(ctx, chunks, h.embed, h.store, h.opts)
	if err != nil {
		return err
	}
	if h.idx != nil {
		h.idx.Close()
	}
	h.idx = idx
	h.built = true
	return nil
}

// Close releases the current collection.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.idx == nil {
		return nil
	}
	err := h.idx.Close()
	h.idx = nil
	return err
}
