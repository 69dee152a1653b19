package kvstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/config"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/connector/splunk"
	apperrors "github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/errors"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/logger"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/repository"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/ioc"
)

const collectionsPath = "/servicesNS/nobody/TA-SEKOIA_IO/storage/collections"

func newSplunkClient(t *testing.T, h http.Handler) *splunk.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg := splunk.DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.Credentials = splunk.Credentials{Type: "token", Token: "tok"}

	c, err := splunk.NewClient(cfg, logger.Discard())
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	return c
}

func TestSplunkStore(t *testing.T) {
	var (
		mu      sync.Mutex
		saved   []ioc.Record
		deleted []string
	)
	mux := http.NewServeMux()
	mux.HandleFunc(collectionsPath+"/config/sekoia_iocs_url", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc(collectionsPath+"/data/sekoia_iocs_url/batch_save", func(w http.ResponseWriter, r *http.Request) {
		var records []ioc.Record
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&records))
		mu.Lock()
		saved = append(saved, records...)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("[]"))
	})
	mux.HandleFunc(collectionsPath+"/data/sekoia_iocs_url/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		mu.Lock()
		deleted = append(deleted, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	s := NewSplunkStore(newSplunkClient(t, mux), logger.Discard())
	ctx := context.Background()

	exists, err := s.CollectionExists(ctx, "sekoia_iocs_url")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, s.UpsertBatch(ctx, "sekoia_iocs_url", []ioc.Record{
		{Key: "http://a", IndicatorID: "indicator--1"},
		{Key: "http://b", IndicatorID: "indicator--2"},
	}))
	require.NoError(t, s.DeleteByKey(ctx, "sekoia_iocs_url", "k1"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, saved, 2)
	assert.Equal(t, "http://a", saved[0].Key)
	assert.Equal(t, []string{collectionsPath + "/data/sekoia_iocs_url/k1"}, deleted)
}

func TestOpen(t *testing.T) {
	s, err := Open(config.StoreConfig{Backend: "memory"}, nil, nil, logger.Discard())
	require.NoError(t, err)
	assert.IsType(t, &ioc.MemoryStore{}, s)

	_, err = Open(config.StoreConfig{Backend: "splunk"}, nil, nil, logger.Discard())
	assert.True(t, apperrors.Is(err, apperrors.CodeConfig))

	_, err = Open(config.StoreConfig{Backend: "redis"}, nil, nil, logger.Discard())
	assert.True(t, apperrors.Is(err, apperrors.CodeConfig))

	_, err = Open(config.StoreConfig{Backend: "mongo"}, nil, nil, logger.Discard())
	assert.True(t, apperrors.Is(err, apperrors.CodeConfig))
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping redis integration test")
	}
	cfg := repository.DefaultRedisConfig()
	cfg.Addresses = []string{addr}
	conn, err := repository.NewRedisConn(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	prefix := "ti-test:" + t.Name()
	ctx := context.Background()
	t.Cleanup(func() {
		conn.Client().Del(context.Background(), prefix+":collections", prefix+":sekoia_iocs_ipv4")
	})

	s := NewRedisStore(conn.Client(), prefix, logger.Discard())

	exists, err := s.CollectionExists(ctx, "sekoia_iocs_ipv4")
	require.NoError(t, err)
	assert.False(t, exists)
	require.NoError(t, s.CreateCollection(ctx, "sekoia_iocs_ipv4"))
	exists, err = s.CollectionExists(ctx, "sekoia_iocs_ipv4")
	require.NoError(t, err)
	assert.True(t, exists)

	until := int64(1893456000)
	records := []ioc.Record{
		{Key: "1.2.3.4", IndicatorID: "indicator--1", ValidUntil: &until},
		{Key: "5.6.7.8", IndicatorID: "indicator--2"},
	}
	require.NoError(t, s.UpsertBatch(ctx, "sekoia_iocs_ipv4", records))
	require.NoError(t, s.UpsertBatch(ctx, "sekoia_iocs_ipv4", records))

	n, err := s.Count(ctx, "sekoia_iocs_ipv4")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	r, ok, err := s.Get(ctx, "sekoia_iocs_ipv4", "1.2.3.4")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "indicator--1", r.IndicatorID)
	require.NotNil(t, r.ValidUntil)
	assert.Equal(t, until, *r.ValidUntil)

	require.NoError(t, s.DeleteByKey(ctx, "sekoia_iocs_ipv4", "1.2.3.4"))
	err = s.DeleteByKey(ctx, "sekoia_iocs_ipv4", "1.2.3.4")
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))
}
