// Package storage provides the production Storage effect: an
// object-store KV backed by cometbft-db, the teacher's own embedded
// key-value engine (pkg/ledger/store.go's `KV` interface is the same
// shape: Get/Set plus an optional Has/Delete/Iterator). Storage is not
// transactional — spec.md §6 is explicit that the core treats it as a
// blob set, never relies on ordering inside a prefix scan, and uses two
// namespaces: `journal/{context_id}/` and `artifacts/{kind}/`.
package storage

import (
	"context"
	"fmt"

	db "github.com/cometbft/cometbft-db"

	"github.com/auranet/aura/pkg/effects"
)

// KVStore adapts a cometbft-db database to effects.Storage.
type KVStore struct {
	backend db.DB
}

// NewMemKVStore opens an in-memory backend, used by tests and the
// devnet demo.
func NewMemKVStore() *KVStore {
	return &KVStore{backend: db.NewMemDB()}
}

// NewGoLevelDBStore opens a persistent backend at dir/name.
func NewGoLevelDBStore(name, dir string) (*KVStore, error) {
	backend, err := db.NewGoLevelDB(name, dir)
	if err != nil {
		return nil, fmt.Errorf("storage: open goleveldb: %w", err)
	}
	return &KVStore{backend: backend}, nil
}

func (s *KVStore) Store(_ context.Context, key string, value []byte) error {
	if err := s.backend.Set([]byte(key), value); err != nil {
		return fmt.Errorf("storage: set %q: %w", key, err)
	}
	return nil
}

func (s *KVStore) Retrieve(_ context.Context, key string) ([]byte, bool, error) {
	v, err := s.backend.Get([]byte(key))
	if err != nil {
		return nil, false, fmt.Errorf("storage: get %q: %w", key, err)
	}
	if v == nil {
		return nil, false, nil
	}
	return v, true, nil
}

func (s *KVStore) Remove(_ context.Context, key string) error {
	if err := s.backend.Delete([]byte(key)); err != nil {
		return fmt.Errorf("storage: delete %q: %w", key, err)
	}
	return nil
}

func (s *KVStore) Exists(_ context.Context, key string) (bool, error) {
	ok, err := s.backend.Has([]byte(key))
	if err != nil {
		return false, fmt.Errorf("storage: has %q: %w", key, err)
	}
	return ok, nil
}

// ListKeys scans [prefix, prefixUpperBound) and returns matching keys.
// No ordering within the result is guaranteed to callers even though
// cometbft-db's iterator happens to be lexicographic, per spec.md §6.
func (s *KVStore) ListKeys(_ context.Context, prefix string) ([]string, error) {
	start := []byte(prefix)
	end := upperBound(start)
	iter, err := s.backend.Iterator(start, end)
	if err != nil {
		return nil, fmt.Errorf("storage: iterator over %q: %w", prefix, err)
	}
	defer iter.Close()

	var out []string
	for ; iter.Valid(); iter.Next() {
		out = append(out, string(iter.Key()))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("storage: iterate %q: %w", prefix, err)
	}
	return out, nil
}

func (s *KVStore) StoreBatch(_ context.Context, items map[string][]byte) error {
	batch := s.backend.NewBatch()
	defer batch.Close()
	for k, v := range items {
		if err := batch.Set([]byte(k), v); err != nil {
			return fmt.Errorf("storage: batch set %q: %w", k, err)
		}
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("storage: batch write: %w", err)
	}
	return nil
}

func (s *KVStore) RetrieveBatch(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v, ok, err := s.Retrieve(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = v
		}
	}
	return out, nil
}

func (s *KVStore) Stats(context.Context) (effects.StorageStats, error) {
	stats := s.backend.Stats()
	keys, err := s.ListKeys(context.Background(), "")
	if err != nil {
		return effects.StorageStats{}, err
	}
	var total int64
	for _, k := range keys {
		v, _, _ := s.Retrieve(context.Background(), k)
		total += int64(len(v))
	}
	_ = stats
	return effects.StorageStats{Keys: len(keys), TotalBytes: total}, nil
}

func (s *KVStore) Close() error { return s.backend.Close() }

// upperBound returns the smallest byte string greater than every string
// sharing prefix, i.e. a valid exclusive end for an Iterator scan. A
// prefix of all 0xff bytes (or empty) scans to the end of the keyspace.
func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

var _ effects.Storage = (*KVStore)(nil)
