package splunk

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// Client is a Splunk management API client.
type Client struct {
	config     *Config
	httpClient *http.Client
	logger     *slog.Logger
	sessionKey string
	mu         sync.RWMutex
	connected  bool
}

// NewClient creates a new Splunk client.
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: config.TLS.SkipVerify,
	}
	switch config.TLS.MinVersion {
	case "1.2":
		tlsConfig.MinVersion = tls.VersionTLS12
	case "1.3":
		tlsConfig.MinVersion = tls.VersionTLS13
	}

	transport := &http.Transport{
		TLSClientConfig: tlsConfig,
		MaxIdleConns:    config.MaxIdleConns,
		MaxConnsPerHost: config.MaxConnsPerHost,
		IdleConnTimeout: config.IdleConnTimeout,
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
		},
		logger: logger.With("component", "splunk-client"),
	}, nil
}

// Connect establishes a session with Splunk.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	creds := c.config.Credentials
	switch creds.Type {
	case "basic":
		if err := c.authenticateBasic(ctx, creds.Username, creds.Password); err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
	case "token":
		c.sessionKey = creds.Token
	default:
		return fmt.Errorf("unsupported credential type: %s", creds.Type)
	}

	c.connected = true
	return nil
}

// authenticateBasic obtains a session key from username and password.
func (c *Client) authenticateBasic(ctx context.Context, username, password string) error {
	authURL := fmt.Sprintf("%s/services/auth/login", c.config.GetManagementURL())

	data := url.Values{}
	data.Set("username", username)
	data.Set("password", password)
	data.Set("output_mode", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, authURL, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s - %s", resp.Status, string(body))
	}

	var authResp struct {
		SessionKey string `json:"sessionKey"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&authResp); err != nil {
		return fmt.Errorf("failed to parse auth response: %w", err)
	}

	c.sessionKey = authResp.SessionKey
	return nil
}

// IsConnected returns true if connected.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Ping checks that the management API answers with the current session.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.GetServerInfo(ctx)
	return err
}

// IsHealthy returns true if Ping succeeds.
func (c *Client) IsHealthy(ctx context.Context) bool {
	return c.Ping(ctx) == nil
}

// setAuthHeader sets the authorization header on a request.
func (c *Client) setAuthHeader(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.sessionKey == "" {
		return
	}
	if c.config.Credentials.Type == "token" {
		req.Header.Set("Authorization", "Bearer "+c.sessionKey)
		return
	}
	req.Header.Set("Authorization", "Splunk "+c.sessionKey)
}

// doRequest performs a form-encoded request with authentication.
func (c *Client) doRequest(ctx context.Context, method, urlStr string, form url.Values) (*http.Response, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return nil, err
	}

	c.setAuthHeader(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	return c.httpClient.Do(req)
}

// doJSONRequest performs a JSON request.
func (c *Client) doJSONRequest(ctx context.Context, method, urlStr string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, bodyReader)
	if err != nil {
		return nil, err
	}

	c.setAuthHeader(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	return c.httpClient.Do(req)
}

// statusError builds an error from a non-success response and drains its body.
func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

// StatusError is returned when Splunk answers with an unexpected status.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("failed to %s: %d - %s", e.Op, e.StatusCode, e.Body)
}

// GetServerInfo returns Splunk server information.
func (c *Client) GetServerInfo(ctx context.Context) (*ServerInfo, error) {
	infoURL := fmt.Sprintf("%s/services/server/info?output_mode=json", c.config.GetManagementURL())

	resp, err := c.doRequest(ctx, http.MethodGet, infoURL, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("get server info", resp)
	}

	var result struct {
		Entry []struct {
			Content ServerInfo `json:"content"`
		} `json:"entry"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse server info: %w", err)
	}
	if len(result.Entry) == 0 {
		return nil, fmt.Errorf("no server info returned")
	}

	return &result.Entry[0].Content, nil
}

// ServerInfo contains Splunk server information.
type ServerInfo struct {
	ServerName   string `json:"serverName"`
	Version      string `json:"version"`
	Build        string `json:"build"`
	GUID         string `json:"guid"`
	LicenseState string `json:"licenseState"`
	Mode         string `json:"mode"`
}
