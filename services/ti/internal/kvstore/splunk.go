// Package kvstore adapts the record stores lookup records are reconciled into.
package kvstore

import (
	"context"
	"log/slog"

	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/connector/splunk"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/ioc"
)

// SplunkStore writes lookup records into Splunk KV store collections.
type SplunkStore struct {
	client *splunk.Client
	logger *slog.Logger
}

// NewSplunkStore creates a store on a connected client.
func NewSplunkStore(client *splunk.Client, logger *slog.Logger) *SplunkStore {
	return &SplunkStore{
		client: client,
		logger: logger.With("component", "kvstore", "backend", "splunk"),
	}
}

// CollectionExists reports whether the collection is defined.
func (s *SplunkStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	return s.client.CollectionExists(ctx, name)
}

// CreateCollection defines the collection.
func (s *SplunkStore) CreateCollection(ctx context.Context, name string) error {
	return s.client.CreateCollection(ctx, name)
}

// UpsertBatch saves records by _key.
func (s *SplunkStore) UpsertBatch(ctx context.Context, name string, records []ioc.Record) error {
	if err := s.client.BatchSave(ctx, name, records); err != nil {
		return err
	}
	s.logger.Debug("batch saved", "collection", name, "records", len(records))
	return nil
}

// DeleteByKey removes a record. Splunk reports missing keys as success.
func (s *SplunkStore) DeleteByKey(ctx context.Context, name, key string) error {
	return s.client.DeleteByKey(ctx, name, key)
}
