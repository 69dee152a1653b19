package checkpoint

import (
	"log/slog"
	"path/filepath"

	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/config"
	apperrors "github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/errors"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/repository"
)

// Open builds the configured store. The returned close function releases
// the backend and is never nil.
func Open(cfg config.CheckpointConfig, conn *repository.RedisConn, logger *slog.Logger) (Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Backend {
	case "", "file":
		s, err := NewFileStore(cfg.Dir, logger)
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	case "bolt":
		path := cfg.BoltPath
		if path == "" {
			path = filepath.Join(cfg.Dir, "checkpoints.db")
		}
		s, err := NewBoltStore(path, logger)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case "redis":
		if conn == nil {
			return nil, noop, apperrors.Config("redis checkpoint backend requires a redis connection")
		}
		return NewRedisStore(conn.Client(), cfg.KeyPrefix, logger), noop, nil
	default:
		return nil, noop, apperrors.Config("unknown checkpoint backend " + cfg.Backend)
	}
}
