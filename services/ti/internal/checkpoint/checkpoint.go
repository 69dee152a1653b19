// Package checkpoint persists the resume position of each ingestion source.
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	apperrors "github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/errors"
)

// Store is a durable key to value map. Get reports ok=false for a key never
// written. Put overwrites the whole value.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, value string) error
}

// Lister is implemented by stores that can enumerate their keys.
type Lister interface {
	Keys(ctx context.Context) ([]string, error)
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// FileStore keeps one file per key in a directory.
type FileStore struct {
	dir    string
	logger *slog.Logger
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, apperrors.Store(err, "create checkpoint directory")
	}
	return &FileStore{
		dir:    dir,
		logger: logger.With("component", "checkpoint", "backend", "file"),
	}, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, unsafeKeyChars.ReplaceAllString(key, "_"))
}

// Get reads the checkpoint file of key.
func (s *FileStore) Get(_ context.Context, key string) (string, bool, error) {
	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperrors.Store(err, "read checkpoint").WithDetail("key", key)
	}
	return string(data), true, nil
}

// Put writes the value to a temporary file and renames it over the
// checkpoint so a crash never leaves a truncated value behind.
func (s *FileStore) Put(_ context.Context, key, value string) error {
	target := s.path(key)
	tmp, err := os.CreateTemp(s.dir, filepath.Base(target)+".*.tmp")
	if err != nil {
		return apperrors.Store(err, "create checkpoint file").WithDetail("key", key)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(value); err != nil {
		tmp.Close()
		return apperrors.Store(err, "write checkpoint").WithDetail("key", key)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return apperrors.Store(err, "sync checkpoint").WithDetail("key", key)
	}
	if err := tmp.Close(); err != nil {
		return apperrors.Store(err, "close checkpoint").WithDetail("key", key)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return apperrors.Store(err, "replace checkpoint").WithDetail("key", key)
	}
	s.logger.Debug("checkpoint saved", "key", key)
	return nil
}

// Keys lists the checkpoint files.
func (s *FileStore) Keys(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, apperrors.Store(err, "list checkpoints")
	}
	var keys []string
	for _, e := range entries {
		if e.Type().IsRegular() && filepath.Ext(e.Name()) != ".tmp" {
			keys = append(keys, e.Name())
		}
	}
	return keys, nil
}

// Memory is an in-process Store for tests.
type Memory struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

// Get returns the stored value.
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

// Put stores the value.
func (m *Memory) Put(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

// Keys lists the stored keys.
func (m *Memory) Keys(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	return keys, nil
}

func notWritable(backend string, err error) error {
	return apperrors.Store(err, fmt.Sprintf("%s checkpoint store", backend))
}
