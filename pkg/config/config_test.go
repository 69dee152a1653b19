package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/errors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ti.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	t.Setenv("FEED_KEY", "secret")
	path := writeConfig(t, `
service:
  interval: 5m
feeds:
  - name: tip
    api_root_url: https://tip.example.org/api/
    api_key_env: FEED_KEY
directories:
  - path: /var/lib/sekoia/archives
checkpoint:
  backend: bolt
  bolt_path: /tmp/ti.db
store:
  backend: memory
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, cfg.Service.Interval)
	require.Len(t, cfg.Feeds, 1)
	feed := cfg.Feeds[0]
	assert.Equal(t, DefaultFeedID, feed.FeedID)
	assert.Equal(t, "secret", feed.APIKey)
	assert.Equal(t, "https://tip.example.org/api", feed.RootURL())
	assert.Equal(t, "https://tip.example.org", feed.ServerRootURL())
	assert.Equal(t, DefaultFeedID+".cursor", feed.CheckpointKey())
	assert.Equal(t, "/var/lib/sekoia/archives", cfg.Directories[0].Name)
	assert.False(t, cfg.NeedsSplunk())
}

func TestServerRootURL(t *testing.T) {
	tests := []struct {
		root string
		want string
	}{
		{"", "https://app.sekoia.io"},
		{"https://tip.local/api", "https://tip.local"},
		{"https://tip.local/api/", "https://tip.local"},
		{"https://api.example.com", "https://api.example.com"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FeedConfig{APIRootURL: tt.root}.ServerRootURL(), tt.root)
	}
}

func TestFeedStringMasksKey(t *testing.T) {
	s := FeedConfig{Name: "tip", APIKey: "very-secret"}.String()
	assert.NotContains(t, s, "very-secret")
	assert.Contains(t, s, "<nothing to see here>")
}

func TestMissingAPIKeyIsCredentialError(t *testing.T) {
	path := writeConfig(t, `
feeds:
  - name: tip
store:
  backend: memory
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeCredential))
	assert.True(t, apperrors.IsFatal(err))
}

func TestNoSourceIsConfigError(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeConfig))
}

func TestEnvConfiguresDefaultFeed(t *testing.T) {
	t.Setenv("SEKOIA_API_KEY", "k")
	t.Setenv("TI_STORE_BACKEND", "redis")
	t.Setenv("REDIS_ADDRESSES", "r1:6379, r2:6379")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Len(t, cfg.Feeds, 1)
	assert.Equal(t, "default", cfg.Feeds[0].Name)
	assert.Equal(t, DefaultFeedID, cfg.Feeds[0].FeedID)
	assert.Equal(t, []string{"r1:6379", "r2:6379"}, cfg.Redis.Addresses)
	assert.True(t, cfg.NeedsRedis())
}

func TestModifiersApplyBeforeValidation(t *testing.T) {
	cfg, err := Load("", func(c *Config) {
		c.Directories = append(c.Directories, DirectoryConfig{Path: "/data"})
		c.Sink.Type = "kafka"
		c.Sink.Brokers = []string{"localhost:9092"}
	})
	require.NoError(t, err)
	assert.Equal(t, "kafka", cfg.Sink.Type)

	_, err = Load("", func(c *Config) {
		c.Directories = append(c.Directories, DirectoryConfig{Path: "/data"})
		c.Translator.Backend = "http"
	})
	assert.True(t, apperrors.Is(err, apperrors.CodeConfig))
}

func TestSplunkStoreRequiresCredentials(t *testing.T) {
	_, err := Load("", func(c *Config) {
		c.Feeds = []FeedConfig{{Name: "f", APIKey: "k"}}
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeCredential))

	cfg, err := Load("", func(c *Config) {
		c.Feeds = []FeedConfig{{Name: "f", APIKey: "k"}}
		c.Splunk.Credentials.Token = "t"
	})
	require.NoError(t, err)
	assert.True(t, cfg.NeedsSplunk())
}
