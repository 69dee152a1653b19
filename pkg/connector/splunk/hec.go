package splunk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HECEvent represents an event to send via HEC.
type HECEvent struct {
	Time       int64                  `json:"time,omitempty"`
	Host       string                 `json:"host,omitempty"`
	Source     string                 `json:"source,omitempty"`
	SourceType string                 `json:"sourcetype,omitempty"`
	Index      string                 `json:"index,omitempty"`
	Event      interface{}            `json:"event"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// HECResponse represents the HEC API response.
type HECResponse struct {
	Text    string `json:"text"`
	Code    int    `json:"code"`
	Invalid int    `json:"invalid-event-number,omitempty"`
}

// HECClient handles Splunk HTTP Event Collector operations.
type HECClient struct {
	config     *HECConfig
	url        string
	httpClient *http.Client
}

// NewHECClient returns a HEC client sharing the transport of c, or nil when
// HEC is not enabled.
func (c *Client) NewHECClient() *HECClient {
	if !c.config.HEC.Enabled {
		return nil
	}
	return &HECClient{
		config:     &c.config.HEC,
		url:        c.config.GetHECURL(),
		httpClient: c.httpClient,
	}
}

// SendEvents posts events as newline-delimited JSON.
func (h *HECClient) SendEvents(ctx context.Context, events []HECEvent) (*HECResponse, error) {
	if len(events) == 0 {
		return &HECResponse{Text: "Success", Code: 0}, nil
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for _, event := range events {
		if event.Index == "" {
			event.Index = h.config.Index
		}
		if event.Source == "" {
			event.Source = h.config.Source
		}
		if event.SourceType == "" {
			event.SourceType = h.config.SourceType
		}
		if event.Host == "" {
			event.Host = h.config.Host
		}
		if err := encoder.Encode(event); err != nil {
			return nil, fmt.Errorf("failed to encode event: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Splunk "+h.config.Token)
	req.Header.Set("Content-Type", "application/json")
	if h.config.Channel != "" {
		req.Header.Set("X-Splunk-Request-Channel", h.config.Channel)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	var hecResp HECResponse
	if err := json.Unmarshal(body, &hecResp); err != nil {
		return nil, fmt.Errorf("failed to parse HEC response: %w, body: %s", err, string(body))
	}

	if resp.StatusCode != http.StatusOK || hecResp.Code != 0 {
		return &hecResp, fmt.Errorf("HEC error %d: %s", hecResp.Code, hecResp.Text)
	}

	return &hecResp, nil
}
