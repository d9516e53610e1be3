// Package boltstore persists a vector collection in a single bbolt file.
//
// Each collection is one bucket holding a JSON manifest and a "records"
// sub-bucket keyed by big-endian sequence number. A build is published in a
// single write transaction that replaces the bucket, so readers see either the
// previous collection or the new one.
package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/WessleyAI/rulesrag/engine/domain"
	"github.com/WessleyAI/rulesrag/engine/index"
	bolt "go.etcd.io/bbolt"
)

const backend = "bolt"

var (
	manifestKey   = []byte("manifest")
	recordsBucket = []byte("records")
)

// DefaultLockTimeout bounds how long Open waits for the file lock.
const DefaultLockTimeout = 5 * time.Second

// Store is an index.Store backed by a bbolt file.
type Store struct {
	path        string
	collection  []byte
	lockTimeout time.Duration
}

var _ index.Store = (*Store)(nil)

// New returns a store for collection in the file at path. The file and its
// parent directories are created on first commit.
func New(path, collection string, lockTimeout time.Duration) *Store {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &Store{path: path, collection: []byte(collection), lockTimeout: lockTimeout}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

func (s *Store) storeErr(op string, err error) error {
	return domain.NewStoreError(backend, s.path, op, err)
}

// Open loads the collection into memory.
func (s *Store) Open(ctx context.Context) (index.VectorIndex, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(s.path); errors.Is(err, fs.ErrNotExist) {
		return nil, domain.ErrIndexAbsent
	} else if err != nil {
		return nil, s.storeErr("stat", err)
	}

	db, err := bolt.Open(s.path, 0o600, &bolt.Options{Timeout: s.lockTimeout, ReadOnly: true})
	if err != nil {
		return nil, s.storeErr("open", err)
	}
	defer db.Close()

	var (
		manifest domain.Manifest
		records  []domain.IndexRecord
	)
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.collection)
		if b == nil {
			return domain.ErrIndexAbsent
		}
		recs := b.Bucket(recordsBucket)
		if recs == nil || recs.Stats().KeyN == 0 {
			return domain.ErrIndexAbsent
		}
		raw := b.Get(manifestKey)
		if raw == nil {
			return errors.New("manifest missing")
		}
		if err := json.Unmarshal(raw, &manifest); err != nil {
			return fmt.Errorf("decode manifest: %w", err)
		}
		return recs.ForEach(func(k, v []byte) error {
			var r domain.IndexRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode record %x: %w", k, err)
			}
			if manifest.Dimension > 0 && len(r.Vector) != manifest.Dimension {
				return &domain.DimensionError{Expected: manifest.Dimension, Got: len(r.Vector)}
			}
			records = append(records, r)
			return nil
		})
	})
	switch {
	case errors.Is(err, domain.ErrIndexAbsent):
		return nil, err
	case err != nil:
		return nil, s.storeErr("read", err)
	}
	return index.NewMemory(manifest, records), nil
}

// Stage implements index.Store. Records are buffered until Commit.
func (s *Store) Stage(_ context.Context, m domain.Manifest) (index.Staging, error) {
	if m.Dimension <= 0 {
		return nil, fmt.Errorf("boltstore: stage: invalid dimension %d", m.Dimension)
	}
	return &staging{store: s, manifest: m}, nil
}

type staging struct {
	store    *Store
	manifest domain.Manifest
	records  []domain.IndexRecord
	done     bool
}

func (st *staging) Add(_ context.Context, records []domain.IndexRecord) error {
	if st.done {
		return errors.New("boltstore: add after commit or abort")
	}
	for _, r := range records {
		if len(r.Vector) != st.manifest.Dimension {
			return &domain.DimensionError{Expected: st.manifest.Dimension, Got: len(r.Vector)}
		}
	}
	st.records = append(st.records, records...)
	return nil
}

func (st *staging) Commit(ctx context.Context) (index.VectorIndex, error) {
	if st.done {
		return nil, errors.New("boltstore: commit after commit or abort")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st.done = true
	s := st.store
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, s.storeErr("mkdir", err)
	}
	db, err := bolt.Open(s.path, 0o600, &bolt.Options{Timeout: s.lockTimeout})
	if err != nil {
		return nil, s.storeErr("open", err)
	}
	defer db.Close()

	m := st.manifest
	m.Count = len(st.records)
	err = db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(s.collection); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		b, err := tx.CreateBucket(s.collection)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if err := b.Put(manifestKey, raw); err != nil {
			return err
		}
		recs, err := b.CreateBucket(recordsBucket)
		if err != nil {
			return err
		}
		for _, r := range st.records {
			v, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if err := recs.Put(seqKey(r.Seq), v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, s.storeErr("commit", err)
	}
	idx := index.NewMemory(m, st.records)
	st.records = nil
	return idx, nil
}

func (st *staging) Abort(context.Context) error {
	st.done = true
	st.records = nil
	return nil
}

func seqKey(seq int) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(seq))
	return k
}
