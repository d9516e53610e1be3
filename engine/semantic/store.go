// Package semantic is the Qdrant index backend. A build is written to a fresh
// physical collection and published by repointing an alias, so searches
// through the alias never see a partial build.
package semantic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/WessleyAI/rulesrag/engine/domain"
	"github.com/WessleyAI/rulesrag/engine/index"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const backend = "qdrant"

// Payload keys written with every point.
const (
	payloadContent   = "content"
	payloadRecordSeq = "record_seq"
)

// Collection metadata keys holding the manifest.
const (
	metaCollection  = "collection"
	metaEmbedModel  = "embed_model"
	metaFingerprint = "fingerprint"
	metaBuiltAt     = "built_at"
	metaCount       = "count"
)

type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	Count(ctx context.Context, in *pb.CountPoints, opts ...grpc.CallOption) (*pb.CountResponse, error)
}

type collectionsAPI interface {
	Get(ctx context.Context, in *pb.GetCollectionInfoRequest, opts ...grpc.CallOption) (*pb.GetCollectionInfoResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	UpdateAliases(ctx context.Context, in *pb.ChangeAliases, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	ListAliases(ctx context.Context, in *pb.ListAliasesRequest, opts ...grpc.CallOption) (*pb.ListAliasesResponse, error)
}

// VectorStore is the sole owner of all Qdrant operations.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	alias       string
	now         func() time.Time
	logger      *slog.Logger
}

var _ index.Store = (*VectorStore)(nil)

// New creates a VectorStore connected to Qdrant at the given gRPC address.
// alias is the name searches go through.
func New(addr, alias string) (*VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	vs := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), alias)
	vs.conn = conn
	return vs, nil
}

// NewWithClients builds a VectorStore on existing clients.
func NewWithClients(points pointsAPI, collections collectionsAPI, alias string) *VectorStore {
	return &VectorStore{points: points, collections: collections, alias: alias, now: time.Now, logger: slog.Default()}
}

// WithLogger sets the logger used for non-fatal cleanup failures.
func (v *VectorStore) WithLogger(l *slog.Logger) *VectorStore {
	if l != nil {
		v.logger = l
	}
	return v
}

// Close closes the underlying gRPC connection.
func (v *VectorStore) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

func (v *VectorStore) storeErr(op string, err error) error {
	return domain.NewStoreError(backend, v.alias, op, err)
}

// Open implements index.Store.
func (v *VectorStore) Open(ctx context.Context) (index.VectorIndex, error) {
	info, err := v.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: v.alias})
	if status.Code(err) == codes.NotFound {
		return nil, domain.ErrIndexAbsent
	}
	if err != nil {
		return nil, v.storeErr("get collection", err)
	}
	cfg := info.GetResult().GetConfig()
	dim := int(cfg.GetParams().GetVectorsConfig().GetParams().GetSize())
	if dim == 0 {
		return nil, v.storeErr("get collection", errors.New("collection has no dense vector config"))
	}

	idx := &collectionIndex{store: v, manifest: manifestFrom(cfg.GetMetadata(), v.alias, dim)}
	n, err := idx.Count(ctx)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, domain.ErrIndexAbsent
	}
	idx.manifest.Count = n
	return idx, nil
}

// Stage creates a physical collection named after the alias, the corpus
// fingerprint and the build time.
func (v *VectorStore) Stage(ctx context.Context, m domain.Manifest) (index.Staging, error) {
	if m.Dimension <= 0 {
		return nil, fmt.Errorf("semantic: stage: invalid dimension %d", m.Dimension)
	}
	fp := m.Fingerprint
	if len(fp) > 12 {
		fp = fp[:12]
	}
	name := fmt.Sprintf("%s_%s_%d", v.alias, fp, v.now().Unix())

	_, err := v.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(m.Dimension),
					Distance: pb.Distance_Cosine,
				},
			},
		},
		Metadata: manifestValues(m),
	})
	if err != nil {
		return nil, v.storeErr("create collection "+name, err)
	}
	return &staging{store: v, name: name, manifest: m}, nil
}

type staging struct {
	store    *VectorStore
	name     string
	manifest domain.Manifest
	count    int
}

func (st *staging) Add(ctx context.Context, records []domain.IndexRecord) error {
	if len(records) == 0 {
		return nil
	}
	points := make([]*pb.PointStruct, len(records))
	for i, r := range records {
		if len(r.Vector) != st.manifest.Dimension {
			return &domain.DimensionError{Expected: st.manifest.Dimension, Got: len(r.Vector)}
		}
		payload := make(map[string]*pb.Value, len(r.Metadata)+2)
		for k, val := range r.Metadata {
			payload[k] = pb.NewValueString(val)
		}
		payload[payloadContent] = pb.NewValueString(r.Text)
		payload[payloadRecordSeq] = pb.NewValueInt(int64(r.Seq))

		points[i] = &pb.PointStruct{
			Id:      pb.NewIDUUID(r.ID),
			Vectors: pb.NewVectorsDense(r.Vector),
			Payload: payload,
		}
	}

	wait := true
	_, err := st.store.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: st.name,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return st.store.storeErr(fmt.Sprintf("upsert %d points", len(records)), err)
	}
	st.count += len(records)
	return nil
}

// Commit repoints the alias in one request and drops the collections it
// pointed at before.
func (st *staging) Commit(ctx context.Context) (index.VectorIndex, error) {
	v := st.store
	aliases, err := v.collections.ListAliases(ctx, &pb.ListAliasesRequest{})
	if err != nil {
		return nil, v.storeErr("list aliases", err)
	}
	var previous []string
	for _, a := range aliases.GetAliases() {
		if a.GetAliasName() == v.alias {
			previous = append(previous, a.GetCollectionName())
		}
	}

	var actions []*pb.AliasOperations
	if len(previous) > 0 {
		actions = append(actions, &pb.AliasOperations{
			Action: &pb.AliasOperations_DeleteAlias{DeleteAlias: &pb.DeleteAlias{AliasName: v.alias}},
		})
	}
	actions = append(actions, &pb.AliasOperations{
		Action: &pb.AliasOperations_CreateAlias{CreateAlias: &pb.CreateAlias{CollectionName: st.name, AliasName: v.alias}},
	})
	if _, err := v.collections.UpdateAliases(ctx, &pb.ChangeAliases{Actions: actions}); err != nil {
		return nil, v.storeErr("update aliases", err)
	}

	for _, old := range previous {
		if old == st.name {
			continue
		}
		// The alias already points at the new build, so a failed drop only
		// leaks the old collection.
		if _, err := v.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: old}); err != nil {
			v.logger.Warn("semantic: drop previous collection", "alias", v.alias, "collection", old, "error", err)
		}
	}

	m := st.manifest
	m.Collection = v.alias
	m.Count = st.count
	return &collectionIndex{store: v, manifest: m}, nil
}

func (st *staging) Abort(ctx context.Context) error {
	_, err := st.store.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: st.name})
	if err != nil {
		return st.store.storeErr("delete collection "+st.name, err)
	}
	return nil
}

// collectionIndex searches through the alias.
type collectionIndex struct {
	store    *VectorStore
	manifest domain.Manifest
}

func (c *collectionIndex) Dimension() int            { return c.manifest.Dimension }
func (c *collectionIndex) Manifest() domain.Manifest { return c.manifest }
func (c *collectionIndex) Close() error              { return nil }

func (c *collectionIndex) Count(ctx context.Context) (int, error) {
	exact := true
	resp, err := c.store.points.Count(ctx, &pb.CountPoints{CollectionName: c.store.alias, Exact: &exact})
	if err != nil {
		return 0, c.store.storeErr("count", err)
	}
	return int(resp.GetResult().GetCount()), nil
}

// Query performs k-NN similarity search.
func (c *collectionIndex) Query(ctx context.Context, vector []float32, k int) ([]domain.Hit, error) {
	if len(vector) != c.manifest.Dimension {
		return nil, &domain.DimensionError{Expected: c.manifest.Dimension, Got: len(vector)}
	}
	if k <= 0 {
		return nil, nil
	}
	resp, err := c.store.points.Search(ctx, &pb.SearchPoints{
		CollectionName: c.store.alias,
		Vector:         vector,
		Limit:          uint64(k),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, c.store.storeErr("search", err)
	}

	hits := make([]domain.Hit, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		h := domain.Hit{
			ID:       r.GetId().GetUuid(),
			Score:    r.GetScore(),
			Metadata: make(map[string]string),
		}
		for key, val := range r.GetPayload() {
			switch key {
			case payloadContent:
				h.Text = val.GetStringValue()
			case payloadRecordSeq:
				h.Seq = int(val.GetIntegerValue())
			default:
				h.Metadata[key] = val.GetStringValue()
			}
		}
		hits[i] = h
	}
	index.SortHits(hits)
	return hits, nil
}

func manifestValues(m domain.Manifest) map[string]*pb.Value {
	return map[string]*pb.Value{
		metaCollection:  pb.NewValueString(m.Collection),
		metaEmbedModel:  pb.NewValueString(m.EmbedModel),
		metaFingerprint: pb.NewValueString(m.Fingerprint),
		metaBuiltAt:     pb.NewValueString(m.BuiltAt.UTC().Format(time.RFC3339)),
		metaCount:       pb.NewValueInt(int64(m.Count)),
	}
}

func manifestFrom(meta map[string]*pb.Value, alias string, dim int) domain.Manifest {
	m := domain.Manifest{
		Collection:  alias,
		EmbedModel:  meta[metaEmbedModel].GetStringValue(),
		Fingerprint: meta[metaFingerprint].GetStringValue(),
		Dimension:   dim,
		Count:       int(meta[metaCount].GetIntegerValue()),
	}
	if ts, err := time.Parse(time.RFC3339, meta[metaBuiltAt].GetStringValue()); err == nil {
		m.BuiltAt = ts
	}
	return m
}
