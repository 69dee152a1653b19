package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/errors"
)

// HTTPBackend delegates translation to a remote translation service
// exposing POST <url>/translate/<module>/query.
type HTTPBackend struct {
	url            string
	module         string
	recursionLimit int
	httpClient     *http.Client
	logger         *slog.Logger
}

// NewHTTPBackend creates a backend for the service at baseURL.
func NewHTTPBackend(baseURL, module string, recursionLimit int, timeout time.Duration, logger *slog.Logger) *HTTPBackend {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPBackend{
		url:            strings.TrimRight(baseURL, "/"),
		module:         module,
		recursionLimit: recursionLimit,
		httpClient:     &http.Client{Timeout: timeout},
		logger:         logger.With("component", "translator-http", "module", module),
	}
}

type translateRequest struct {
	Data           string                 `json:"data"`
	Options        map[string]interface{} `json:"options"`
	RecursionLimit int                    `json:"recursion_limit,omitempty"`
}

// Translate implements Backend.
func (b *HTTPBackend) Translate(ctx context.Context, pattern string) (*Result, error) {
	body, err := json.Marshal(translateRequest{
		Data:           pattern,
		Options:        map[string]interface{}{},
		RecursionLimit: b.recursionLimit,
	})
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/translate/%s/query", b.url, b.module)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("translation request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read translation response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, apperrors.New(apperrors.CodeTranslation, fmt.Sprintf("translation service error %d: %s", resp.StatusCode, string(respBody)))
	}

	// success is only sent when the translation fails.
	res := Result{Success: true}
	if err := json.Unmarshal(respBody, &res); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeTranslation, "parse translation response")
	}
	b.logger.Debug("pattern translated", "success", res.Success, "queries", len(res.Queries))
	return &res, nil
}
