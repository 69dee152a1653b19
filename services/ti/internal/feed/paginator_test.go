package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/config"
	apperrors "github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/errors"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/logger"
)

func items(n int) []json.RawMessage {
	out := make([]json.RawMessage, n)
	for i := range out {
		out[i] = json.RawMessage(fmt.Sprintf(`{"type":"indicator","id":"indicator--%d"}`, i))
	}
	return out
}

func newTestPaginator(t *testing.T, url string) *Paginator {
	t.Helper()
	p, err := NewPaginator(config.FeedConfig{
		Name:       "default",
		FeedID:     "d6092c37-d8d7-45c3-8aff-c4dc26030608",
		APIRootURL: url,
		APIKey:     "secret",
	}, logger.Discard())
	require.NoError(t, err)
	return p
}

func TestFetchPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/inthreat/collections/d6092c37-d8d7-45c3-8aff-c4dc26030608/objects", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "indicator", r.URL.Query().Get("match[type]"))
		assert.Equal(t, "300", r.URL.Query().Get("limit"))

		switch r.URL.Query().Get("cursor") {
		case "":
			json.NewEncoder(w).Encode(Page{NextCursor: "c1", Items: items(PageSize)})
		case "c1":
			json.NewEncoder(w).Encode(Page{NextCursor: "c2", Items: items(12)})
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	p := newTestPaginator(t, srv.URL)

	page, err := p.FetchPage(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "c1", page.NextCursor)
	assert.Len(t, page.Items, PageSize)
	assert.False(t, page.Last, "a full page may be followed by more")

	page, err = p.FetchPage(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "c2", page.NextCursor)
	assert.True(t, page.Last)
}

func TestFetchPageEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"next_cursor": null, "items": []}`))
	}))
	defer srv.Close()

	page, err := newTestPaginator(t, srv.URL).FetchPage(context.Background(), "c9")
	require.NoError(t, err)
	assert.True(t, page.Last)
	assert.Empty(t, page.NextCursor)
}

func TestFetchPageErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"unauthorized", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "invalid token", http.StatusUnauthorized)
		}},
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}},
		{"not modified", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotModified)
		}},
		{"malformed", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"items": [`))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := newTestPaginator(t, srv.URL).FetchPage(context.Background(), "")
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.CodeUpstream), err.Error())
		})
	}
}

func TestFetchPageThroughProxy(t *testing.T) {
	var proxied bool
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxied = true
		assert.True(t, strings.HasPrefix(r.RequestURI, "http://feed.invalid/v2/inthreat/collections/"))
		w.Write([]byte(`{"next_cursor": "c1", "items": []}`))
	}))
	defer proxy.Close()

	p, err := NewPaginator(config.FeedConfig{
		FeedID:     "feed",
		APIRootURL: "http://feed.invalid",
		APIKey:     "secret",
		ProxyURL:   proxy.URL,
	}, logger.Discard())
	require.NoError(t, err)

	_, err = p.FetchPage(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, proxied)
}

func TestNewPaginatorRequiresKey(t *testing.T) {
	_, err := NewPaginator(config.FeedConfig{FeedID: "feed"}, logger.Discard())
	assert.True(t, apperrors.Is(err, apperrors.CodeCredential))
}
