package ioc

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	apperrors "github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/errors"
)

// MemoryStore keeps lookup records in process memory, one map per
// collection. It backs tests and the "memory" store backend.
type MemoryStore struct {
	collections sync.Map // map[string]*sync.Map (collection -> key -> Record)
	logger      *slog.Logger

	totalRecords atomic.Int64
	upserts      atomic.Uint64
	deletions    atomic.Uint64
	misses       atomic.Uint64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	return &MemoryStore{
		logger: logger.With("component", "ioc-store"),
	}
}

// CollectionExists reports whether the collection was created.
func (s *MemoryStore) CollectionExists(_ context.Context, name string) (bool, error) {
	_, ok := s.collections.Load(name)
	return ok, nil
}

// CreateCollection creates the collection if it does not exist.
func (s *MemoryStore) CreateCollection(_ context.Context, name string) error {
	if _, loaded := s.collections.LoadOrStore(name, &sync.Map{}); !loaded {
		s.logger.Debug("collection created", "collection", name)
	}
	return nil
}

// UpsertBatch inserts or replaces records by key.
func (s *MemoryStore) UpsertBatch(_ context.Context, name string, records []Record) error {
	coll, err := s.collection(name)
	if err != nil {
		return err
	}
	for _, r := range records {
		if _, loaded := coll.Swap(r.Key, r); !loaded {
			s.totalRecords.Add(1)
		}
		s.upserts.Add(1)
	}
	return nil
}

// DeleteByKey removes a record. A missing key is a NotFound error.
func (s *MemoryStore) DeleteByKey(_ context.Context, name, key string) error {
	coll, err := s.collection(name)
	if err != nil {
		return err
	}
	if _, loaded := coll.LoadAndDelete(key); !loaded {
		s.misses.Add(1)
		return apperrors.NotFound("record").WithDetail("collection", name).WithDetail("key", key)
	}
	s.totalRecords.Add(-1)
	s.deletions.Add(1)
	return nil
}

// Get returns the record stored under key.
func (s *MemoryStore) Get(name, key string) (Record, bool) {
	v, ok := s.collections.Load(name)
	if !ok {
		return Record{}, false
	}
	r, ok := v.(*sync.Map).Load(key)
	if !ok {
		return Record{}, false
	}
	return r.(Record), true
}

// Count returns the number of records in a collection.
func (s *MemoryStore) Count(name string) int {
	v, ok := s.collections.Load(name)
	if !ok {
		return 0
	}
	n := 0
	v.(*sync.Map).Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// Stats returns store statistics.
func (s *MemoryStore) Stats() map[string]interface{} {
	return map[string]interface{}{
		"total_records": s.totalRecords.Load(),
		"upserts":       s.upserts.Load(),
		"deletions":     s.deletions.Load(),
		"misses":        s.misses.Load(),
	}
}

func (s *MemoryStore) collection(name string) (*sync.Map, error) {
	v, ok := s.collections.Load(name)
	if !ok {
		return nil, apperrors.NotFound("collection " + name)
	}
	return v.(*sync.Map), nil
}
