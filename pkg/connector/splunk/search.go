package splunk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// CreateJob starts an asynchronous search and returns its SID.
// Queries not starting with a generating command get the "search" prefix.
func (c *Client) CreateJob(ctx context.Context, query string, params map[string]string) (string, error) {
	query = strings.TrimSpace(query)
	if !strings.HasPrefix(query, "search ") && !strings.HasPrefix(query, "|") {
		query = "search " + query
	}

	data := url.Values{}
	data.Set("search", query)
	data.Set("output_mode", "json")
	data.Set("exec_mode", "normal")
	for k, v := range params {
		data.Set(k, v)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, c.config.GetSearchURL(), data)
	if err != nil {
		return "", fmt.Errorf("failed to create search job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", statusError("create search job", resp)
	}

	var result struct {
		SID string `json:"sid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to parse search job response: %w", err)
	}
	return result.SID, nil
}
