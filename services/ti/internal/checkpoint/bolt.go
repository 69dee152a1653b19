package checkpoint

import (
	"context"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	apperrors "github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/errors"
)

var bucketCheckpoints = []byte("checkpoints")

// BoltStore keeps checkpoints in a single bbolt database file.
type BoltStore struct {
	db     *bbolt.DB
	logger *slog.Logger
}

// NewBoltStore opens (or creates) the database at path.
func NewBoltStore(path string, logger *slog.Logger) (*BoltStore, error) {
	opts := &bbolt.Options{
		Timeout:      time.Second,
		FreelistType: bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(path, 0o600, opts)
	if err != nil {
		return nil, notWritable("bolt", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCheckpoints)
		return err
	})
	if err != nil {
		db.Close()
		return nil, notWritable("bolt", err)
	}

	return &BoltStore{
		db:     db,
		logger: logger.With("component", "checkpoint", "backend", "bolt"),
	}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Get reads the value of key.
func (s *BoltStore) Get(_ context.Context, key string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		if data := tx.Bucket(bucketCheckpoints).Get([]byte(key)); data != nil {
			value = string(data)
			found = true
		}
		return nil
	})
	if err != nil {
		return "", false, apperrors.Store(err, "read checkpoint").WithDetail("key", key)
	}
	return value, found, nil
}

// Put overwrites the value of key.
func (s *BoltStore) Put(_ context.Context, key, value string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCheckpoints).Put([]byte(key), []byte(value))
	})
	if err != nil {
		return apperrors.Store(err, "write checkpoint").WithDetail("key", key)
	}
	s.logger.Debug("checkpoint saved", "key", key)
	return nil
}

// Keys lists the stored keys.
func (s *BoltStore) Keys(_ context.Context) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCheckpoints).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, apperrors.Store(err, "list checkpoints")
	}
	return keys, nil
}
