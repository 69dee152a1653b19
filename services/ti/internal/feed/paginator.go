// Package feed pages through a remote indicator collection.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/config"
	apperrors "github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/errors"
)

// PageSize is the number of objects requested per page. A shorter page
// ends the feed.
const PageSize = 300

const userAgent = "SEKOIA.IO-for-Splunk"

// Page is one page of the indicator feed.
type Page struct {
	NextCursor string            `json:"next_cursor"`
	Items      []json.RawMessage `json:"items"`
	// Last is set when the page is empty or shorter than PageSize.
	Last bool `json:"-"`
}

// Paginator fetches pages of one remote feed collection.
type Paginator struct {
	feedID     string
	apiKey     string
	rootURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewPaginator creates a paginator for the feed. Requests go through the
// feed proxy when one is configured.
func NewPaginator(feed config.FeedConfig, logger *slog.Logger) (*Paginator, error) {
	if feed.APIKey == "" {
		return nil, apperrors.Credential("feed has no API key").WithDetail("feed", feed.Name)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if feed.ProxyURL != "" {
		proxy, err := url.Parse(feed.ProxyURL)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeConfig, "invalid proxy URL").WithDetail("feed", feed.Name)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}

	timeout := feed.Timeout
	if timeout == 0 {
		timeout = time.Minute
	}

	return &Paginator{
		feedID:  feed.FeedID,
		apiKey:  feed.APIKey,
		rootURL: feed.RootURL(),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		logger: logger.With("component", "feed-paginator", "feed_id", feed.FeedID),
	}, nil
}

// FeedID returns the collection identifier.
func (p *Paginator) FeedID() string {
	return p.feedID
}

// PageURL returns the URL of the page following cursor.
func (p *Paginator) PageURL(cursor string) string {
	q := url.Values{}
	q.Set("match[type]", "indicator")
	q.Set("limit", fmt.Sprint(PageSize))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	return fmt.Sprintf("%s/v2/inthreat/collections/%s/objects?%s",
		p.rootURL, url.PathEscape(p.feedID), q.Encode())
}

// FetchPage performs one request. Any non-2xx status is an Upstream error;
// retrying is left to the caller's next cycle.
func (p *Paginator) FetchPage(ctx context.Context, cursor string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.PageURL(cursor), nil)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeConfig, "build feed request")
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Upstream(err, "feed request failed").WithDetail("feed_id", p.feedID)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Upstream(err, "read feed response").WithDetail("feed_id", p.feedID)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperrors.Upstream(
			fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 512)),
			"feed returned an error",
		).WithDetail("feed_id", p.feedID).WithDetail("status", resp.StatusCode)
	}

	var page Page
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, apperrors.Upstream(err, "malformed feed response").WithDetail("feed_id", p.feedID)
	}
	page.Last = len(page.Items) < PageSize

	p.logger.Debug("fetched feed page",
		"items", len(page.Items),
		"has_cursor", cursor != "",
		"last", page.Last,
		"duration", time.Since(start),
	)
	return &page, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
