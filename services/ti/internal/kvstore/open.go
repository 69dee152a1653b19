package kvstore

import (
	"log/slog"

	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/config"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/connector/splunk"
	apperrors "github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/errors"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/repository"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/ioc"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/reconcile"
)

// Open builds the configured target store. client and conn may be nil when
// the backend does not need them.
func Open(cfg config.StoreConfig, client *splunk.Client, conn *repository.RedisConn, logger *slog.Logger) (reconcile.Store, error) {
	switch cfg.Backend {
	case "", "splunk":
		if client == nil {
			return nil, apperrors.Config("splunk store backend requires a splunk client")
		}
		return NewSplunkStore(client, logger), nil
	case "redis":
		if conn == nil {
			return nil, apperrors.Config("redis store backend requires a redis connection")
		}
		return NewRedisStore(conn.Client(), cfg.KeyPrefix, logger), nil
	case "memory":
		return ioc.NewMemoryStore(logger), nil
	default:
		return nil, apperrors.Config("unknown store backend " + cfg.Backend)
	}
}
