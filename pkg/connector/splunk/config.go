// Package splunk provides a Splunk REST API client covering the KV store,
// search jobs and the HTTP Event Collector.
package splunk

import (
	"fmt"
	"time"
)

// Credentials holds Splunk authentication settings.
type Credentials struct {
	Type     string `json:"type" yaml:"type"` // "basic" or "token"
	Username string `json:"username,omitempty" yaml:"username"`
	Password string `json:"-" yaml:"password"`
	Token    string `json:"-" yaml:"token"`
}

// TLSConfig holds client TLS settings.
type TLSConfig struct {
	SkipVerify bool   `json:"skip_verify" yaml:"skip_verify"`
	MinVersion string `json:"min_version,omitempty" yaml:"min_version"` // "1.2" or "1.3"
}

// Config holds Splunk-specific configuration.
type Config struct {
	Host   string `json:"host" yaml:"host"`
	Port   int    `json:"port" yaml:"port"`
	Scheme string `json:"scheme" yaml:"scheme"` // "http" or "https"

	// Namespace for KV store collections and search jobs.
	App   string `json:"app" yaml:"app"`
	Owner string `json:"owner" yaml:"owner"`

	Credentials Credentials   `json:"credentials" yaml:"credentials"`
	TLS         TLSConfig     `json:"tls" yaml:"tls"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`

	HEC HECConfig `json:"hec,omitempty" yaml:"hec"`

	// Splunk rejects batch_save requests above max_documents_per_batch_save.
	MaxBatchSize int `json:"max_batch_size,omitempty" yaml:"max_batch_size"`

	MaxIdleConns    int           `json:"max_idle_conns,omitempty" yaml:"max_idle_conns"`
	MaxConnsPerHost int           `json:"max_conns_per_host,omitempty" yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `json:"idle_conn_timeout,omitempty" yaml:"idle_conn_timeout"`

	// BaseURL overrides Scheme/Host/Port. Used against test servers.
	BaseURL string `json:"-" yaml:"base_url"`
}

// HECConfig holds HTTP Event Collector configuration.
type HECConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	URL        string `json:"url,omitempty" yaml:"url"` // Default: <scheme>://<host>:8088
	Endpoint   string `json:"endpoint,omitempty" yaml:"endpoint"`
	Token      string `json:"-" yaml:"token"`
	Index      string `json:"index,omitempty" yaml:"index"`
	Source     string `json:"source,omitempty" yaml:"source"`
	SourceType string `json:"sourcetype,omitempty" yaml:"sourcetype"`
	Host       string `json:"host,omitempty" yaml:"host"`
	Channel    string `json:"channel,omitempty" yaml:"channel"`
}

// DefaultConfig returns a default Splunk configuration.
func DefaultConfig() *Config {
	return &Config{
		Host:   "localhost",
		Scheme: "https",
		Port:   8089,
		App:    "TA-SEKOIA_IO",
		Owner:  "nobody",
		Credentials: Credentials{
			Type: "token",
		},
		Timeout: 30 * time.Second,
		HEC: HECConfig{
			Endpoint:   "/services/collector/event",
			SourceType: "_json",
		},
		MaxBatchSize:    1000,
		MaxIdleConns:    10,
		MaxConnsPerHost: 10,
		IdleConnTimeout: 90 * time.Second,
	}
}

// Validate validates the Splunk configuration.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		if c.Host == "" {
			return fmt.Errorf("splunk host is required")
		}
		if c.Port <= 0 || c.Port > 65535 {
			return fmt.Errorf("invalid splunk port: %d", c.Port)
		}
		if c.Scheme != "http" && c.Scheme != "https" {
			return fmt.Errorf("invalid scheme: %s (must be http or https)", c.Scheme)
		}
	}

	switch c.Credentials.Type {
	case "basic":
		if c.Credentials.Username == "" || c.Credentials.Password == "" {
			return fmt.Errorf("username and password required for basic auth")
		}
	case "token":
		if c.Credentials.Token == "" {
			return fmt.Errorf("token required for token auth")
		}
	default:
		return fmt.Errorf("unsupported credential type: %q", c.Credentials.Type)
	}

	if c.HEC.Enabled && c.HEC.Token == "" {
		return fmt.Errorf("HEC token is required when HEC is enabled")
	}

	return nil
}

// GetManagementURL returns the Splunk management API URL.
func (c *Config) GetManagementURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return fmt.Sprintf("%s://%s:%d", c.Scheme, c.Host, c.Port)
}

// GetHECURL returns the HEC endpoint URL.
func (c *Config) GetHECURL() string {
	endpoint := c.HEC.Endpoint
	if endpoint == "" {
		endpoint = "/services/collector/event"
	}
	if c.HEC.URL != "" {
		return c.HEC.URL + endpoint
	}
	return fmt.Sprintf("%s://%s:8088%s", c.Scheme, c.Host, endpoint)
}

// GetSearchURL returns the search jobs URL.
func (c *Config) GetSearchURL() string {
	return fmt.Sprintf("%s/servicesNS/%s/%s/search/jobs", c.GetManagementURL(), c.owner(), c.App)
}

// GetCollectionsConfigURL returns the KV store collection configuration URL.
func (c *Config) GetCollectionsConfigURL() string {
	return fmt.Sprintf("%s/servicesNS/%s/%s/storage/collections/config", c.GetManagementURL(), c.owner(), c.App)
}

// GetCollectionDataURL returns the KV store data URL of a collection.
func (c *Config) GetCollectionDataURL(collection string) string {
	return fmt.Sprintf("%s/servicesNS/%s/%s/storage/collections/data/%s", c.GetManagementURL(), c.owner(), c.App, collection)
}

func (c *Config) owner() string {
	if c.Owner == "" {
		return "nobody"
	}
	return c.Owner
}
