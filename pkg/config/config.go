// Package config loads the connector configuration from a YAML file and
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/connector/splunk"
	apperrors "github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/errors"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/logger"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/repository"
)

const (
	// DefaultFeedID is the public SEKOIA.IO CTI feed.
	DefaultFeedID = "d6092c37-d8d7-45c3-8aff-c4dc26030608"
	// DefaultAPIRootURL is used when a feed does not set api_root_url.
	DefaultAPIRootURL = "https://api.sekoia.io"
	// DefaultServerRootURL is recorded in lookup records of feeds using the default API root.
	DefaultServerRootURL = "https://app.sekoia.io"

	maskedSecret = "<nothing to see here>"
)

// Config is the full connector configuration.
type Config struct {
	Service     ServiceConfig          `yaml:"service"`
	Logging     logger.Config          `yaml:"logging"`
	Feeds       []FeedConfig           `yaml:"feeds"`
	Directories []DirectoryConfig      `yaml:"directories"`
	Checkpoint  CheckpointConfig       `yaml:"checkpoint"`
	Store       StoreConfig            `yaml:"store"`
	Splunk      splunk.Config          `yaml:"splunk"`
	Redis       repository.RedisConfig `yaml:"redis"`
	Translator  TranslatorConfig       `yaml:"translator"`
	Sink        SinkConfig             `yaml:"sink"`
	Search      SearchConfig           `yaml:"search"`
}

// ServiceConfig holds process-level settings.
type ServiceConfig struct {
	Name            string        `yaml:"name"`
	AdminAddr       string        `yaml:"admin_addr"` // empty disables the admin server
	Interval        time.Duration `yaml:"interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// LockTTL bounds a source lease when Redis coordinates several instances.
	LockTTL      time.Duration `yaml:"lock_ttl"`
	UseRedisLock bool          `yaml:"use_redis_lock"`
}

// FeedConfig describes one remote indicator feed.
type FeedConfig struct {
	Name       string        `yaml:"name"`
	FeedID     string        `yaml:"feed_id"`
	APIRootURL string        `yaml:"api_root_url"`
	APIKey     string        `yaml:"api_key"`
	APIKeyEnv  string        `yaml:"api_key_env"`
	ProxyURL   string        `yaml:"proxy_url"`
	Timeout    time.Duration `yaml:"timeout"`
	Disabled   bool          `yaml:"disabled"`
}

// String masks the API key.
func (f FeedConfig) String() string {
	key := ""
	if f.APIKey != "" {
		key = maskedSecret
	}
	return fmt.Sprintf("feed{name=%s feed_id=%s api_root_url=%s api_key=%s proxy=%t}",
		f.Name, f.FeedID, f.APIRootURL, key, f.ProxyURL != "")
}

// RootURL returns the API root used to fetch the feed.
func (f FeedConfig) RootURL() string {
	if f.APIRootURL == "" {
		return DefaultAPIRootURL
	}
	return strings.TrimRight(f.APIRootURL, "/")
}

// ServerRootURL returns the web application root recorded in lookup records:
// the default application for the default API, otherwise the API root
// without its trailing "/api" segment.
func (f FeedConfig) ServerRootURL() string {
	if f.APIRootURL == "" {
		return DefaultServerRootURL
	}
	root := f.APIRootURL
	if strings.HasSuffix(root, "/api") {
		return root[:len(root)-len("/api")]
	}
	if strings.HasSuffix(root, "/api/") {
		return root[:len(root)-len("/api/")]
	}
	return root
}

// CheckpointKey is the checkpoint store key of the feed cursor.
func (f FeedConfig) CheckpointKey() string {
	return f.FeedID + ".cursor"
}

// DirectoryConfig describes a local directory of archived indicator batches.
type DirectoryConfig struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
	// Reconcile also writes the scanned indicators to the target store.
	Reconcile bool `yaml:"reconcile"`
}

// CheckpointKey is the checkpoint store key of the directory cursor.
func (d DirectoryConfig) CheckpointKey() string {
	return filepath.Join(d.Path, "scan_directory.cursor")
}

// PendingSearchKey is the checkpoint store key of the searches deferred to
// the next run.
func (d DirectoryConfig) PendingSearchKey() string {
	return filepath.Join(d.Path, "scan_directory.pending")
}

// CheckpointConfig selects where resume positions are persisted.
type CheckpointConfig struct {
	Backend   string `yaml:"backend"` // "file", "bolt" or "redis"
	Dir       string `yaml:"dir"`
	BoltPath  string `yaml:"bolt_path"`
	KeyPrefix string `yaml:"key_prefix"`
}

// StoreConfig selects the target key-value store of lookup records.
type StoreConfig struct {
	Backend          string `yaml:"backend"` // "splunk", "redis" or "memory"
	CollectionPrefix string `yaml:"collection_prefix"`
	KeyPrefix        string `yaml:"key_prefix"`
}

// TranslatorConfig selects the query translation backend.
type TranslatorConfig struct {
	Backend         string        `yaml:"backend"` // "native" or "http"
	URL             string        `yaml:"url"`
	Module          string        `yaml:"module"`
	Timeout         time.Duration `yaml:"timeout"`
	RecursionLimit  int           `yaml:"recursion_limit"`
	DefaultEarliest string        `yaml:"default_earliest"`
	// CollectIndex, when set, appends "| collect index='<CollectIndex>'" to
	// queries produced by the directory scan.
	CollectIndex string `yaml:"collect_index"`
}

// SinkConfig selects where directory scan output goes.
type SinkConfig struct {
	Type    string   `yaml:"type"` // "stdout", "kafka" or "hec"
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// SearchConfig controls the search dispatch of translated indicators.
type SearchConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Index          string `yaml:"index"`
	MaxPerRun      int    `yaml:"max_per_run"`
	JobsCollection string `yaml:"jobs_collection"`
	LookupName     string `yaml:"lookup_name"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	sp := splunk.DefaultConfig()
	return &Config{
		Service: ServiceConfig{
			Name:            "sekoia-ti",
			AdminAddr:       ":8090",
			Interval:        600 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			LockTTL:         30 * time.Minute,
		},
		Logging: logger.Config{Level: "info", Format: "json"},
		Checkpoint: CheckpointConfig{
			Backend:   "file",
			Dir:       "checkpoints",
			BoltPath:  "checkpoints/ti.db",
			KeyPrefix: "ti:checkpoint",
		},
		Store: StoreConfig{
			Backend:          "splunk",
			CollectionPrefix: "sekoia_iocs",
			KeyPrefix:        "ti:kv",
		},
		Splunk: *sp,
		Redis:  repository.DefaultRedisConfig(),
		Translator: TranslatorConfig{
			Backend:         "native",
			Module:          "splunk",
			Timeout:         30 * time.Second,
			RecursionLimit:  1000,
			DefaultEarliest: "-5minutes",
			CollectIndex:    "sekoia-io-matches",
		},
		Sink: SinkConfig{
			Type:  "stdout",
			Topic: "sekoia-indicators",
		},
		Search: SearchConfig{
			Index:          "*",
			MaxPerRun:      50,
			JobsCollection: "sioc_search_jobs",
			LookupName:     "sioc_lookup",
		},
	}
}

// Load reads path (optional), applies environment overrides and the given
// modifiers, then validates the result.
func Load(path string, modifiers ...func(*Config)) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeConfig, "read config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeConfig, "parse config file")
		}
	}

	cfg.applyEnv()
	for _, m := range modifiers {
		m(cfg)
	}
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values with environment variables.
func (c *Config) applyEnv() {
	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)

	c.Service.AdminAddr = getEnv("TI_ADMIN_ADDR", c.Service.AdminAddr)
	c.Service.Interval = getEnvAsDuration("TI_INTERVAL", c.Service.Interval)

	c.Checkpoint.Backend = getEnv("TI_CHECKPOINT_BACKEND", c.Checkpoint.Backend)
	c.Checkpoint.Dir = getEnv("TI_CHECKPOINT_DIR", c.Checkpoint.Dir)
	c.Store.Backend = getEnv("TI_STORE_BACKEND", c.Store.Backend)

	c.Splunk.Host = getEnv("SPLUNK_HOST", c.Splunk.Host)
	c.Splunk.Port = getEnvAsInt("SPLUNK_PORT", c.Splunk.Port)
	c.Splunk.Credentials.Token = getEnv("SPLUNK_TOKEN", c.Splunk.Credentials.Token)
	if user := os.Getenv("SPLUNK_USERNAME"); user != "" {
		c.Splunk.Credentials.Type = "basic"
		c.Splunk.Credentials.Username = user
		c.Splunk.Credentials.Password = os.Getenv("SPLUNK_PASSWORD")
	}
	c.Splunk.TLS.SkipVerify = getEnvAsBool("SPLUNK_TLS_SKIP_VERIFY", c.Splunk.TLS.SkipVerify)
	c.Splunk.HEC.Token = getEnv("SPLUNK_HEC_TOKEN", c.Splunk.HEC.Token)

	c.Redis.Addresses = getEnvAsSlice("REDIS_ADDRESSES", c.Redis.Addresses)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)

	c.Sink.Type = getEnv("TI_SINK", c.Sink.Type)
	c.Sink.Brokers = getEnvAsSlice("KAFKA_BROKERS", c.Sink.Brokers)
	c.Translator.URL = getEnv("TI_TRANSLATOR_URL", c.Translator.URL)

	// A bare SEKOIA_API_KEY configures the default feed.
	if key := os.Getenv("SEKOIA_API_KEY"); key != "" && len(c.Feeds) == 0 {
		c.Feeds = append(c.Feeds, FeedConfig{
			Name:   "default",
			FeedID: getEnv("SEKOIA_FEED_ID", DefaultFeedID),
			APIKey: key,
		})
	}
}

func (c *Config) setDefaults() {
	for i := range c.Feeds {
		f := &c.Feeds[i]
		if f.FeedID == "" {
			f.FeedID = DefaultFeedID
		}
		if f.Name == "" {
			f.Name = f.FeedID
		}
		if f.APIKey == "" && f.APIKeyEnv != "" {
			f.APIKey = os.Getenv(f.APIKeyEnv)
		}
		if f.Timeout == 0 {
			f.Timeout = 60 * time.Second
		}
	}
	for i := range c.Directories {
		d := &c.Directories[i]
		if d.Name == "" {
			d.Name = d.Path
		}
	}
	if c.Search.MaxPerRun <= 0 {
		c.Search.MaxPerRun = 50
	}
	if c.Sink.Type == "hec" {
		c.Splunk.HEC.Enabled = true
	}
}

// Validate checks the configuration. Missing credentials are reported as
// credential errors, everything else as configuration errors.
func (c *Config) Validate() error {
	if len(c.Feeds) == 0 && len(c.Directories) == 0 {
		return apperrors.Config("no feed or directory configured")
	}

	names := make(map[string]bool)
	for _, f := range c.Feeds {
		if f.Disabled {
			continue
		}
		if names["feed:"+f.Name] {
			return apperrors.Config(fmt.Sprintf("duplicate feed name %q", f.Name))
		}
		names["feed:"+f.Name] = true
		if f.APIKey == "" {
			return apperrors.Credential(fmt.Sprintf("feed %q has no API key", f.Name))
		}
	}
	for _, d := range c.Directories {
		if d.Path == "" {
			return apperrors.Config("directory path is required")
		}
		if names["dir:"+d.Name] {
			return apperrors.Config(fmt.Sprintf("duplicate directory name %q", d.Name))
		}
		names["dir:"+d.Name] = true
	}

	if c.Service.Interval <= 0 {
		return apperrors.Config("service interval must be positive")
	}

	switch c.Checkpoint.Backend {
	case "file":
		if c.Checkpoint.Dir == "" {
			return apperrors.Config("checkpoint dir is required for the file backend")
		}
	case "bolt":
		if c.Checkpoint.BoltPath == "" {
			return apperrors.Config("checkpoint bolt_path is required for the bolt backend")
		}
	case "redis":
	default:
		return apperrors.Config(fmt.Sprintf("unknown checkpoint backend %q", c.Checkpoint.Backend))
	}

	switch c.Store.Backend {
	case "splunk", "redis", "memory":
	default:
		return apperrors.Config(fmt.Sprintf("unknown store backend %q", c.Store.Backend))
	}

	switch c.Translator.Backend {
	case "native":
	case "http":
		if c.Translator.URL == "" {
			return apperrors.Config("translator url is required for the http backend")
		}
	default:
		return apperrors.Config(fmt.Sprintf("unknown translator backend %q", c.Translator.Backend))
	}

	switch c.Sink.Type {
	case "stdout", "hec":
	case "kafka":
		if len(c.Sink.Brokers) == 0 || c.Sink.Topic == "" {
			return apperrors.Config("kafka sink requires brokers and a topic")
		}
	default:
		return apperrors.Config(fmt.Sprintf("unknown sink type %q", c.Sink.Type))
	}

	if c.NeedsSplunk() {
		if err := c.Splunk.Validate(); err != nil {
			if c.Splunk.Credentials.Token == "" && c.Splunk.Credentials.Password == "" {
				return apperrors.Wrap(err, apperrors.CodeCredential, "splunk credentials")
			}
			return apperrors.Wrap(err, apperrors.CodeConfig, "splunk")
		}
	}
	if c.Sink.Type == "hec" && c.Splunk.HEC.Token == "" {
		return apperrors.Credential("hec sink requires splunk.hec.token")
	}

	return nil
}

// NeedsSplunk reports whether a configured component talks to Splunk.
func (c *Config) NeedsSplunk() bool {
	return (c.Store.Backend == "splunk" && c.needsStore()) || c.Search.Enabled || c.Sink.Type == "hec"
}

// NeedsRedis reports whether a configured component talks to Redis.
func (c *Config) NeedsRedis() bool {
	return c.Checkpoint.Backend == "redis" || (c.Store.Backend == "redis" && c.needsStore()) || c.Service.UseRedisLock
}

func (c *Config) needsStore() bool {
	if len(c.Feeds) > 0 {
		return true
	}
	for _, d := range c.Directories {
		if d.Reconcile {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var result []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
