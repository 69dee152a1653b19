package translate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/errors"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/logger"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/stix"
)

func TestHTTPBackendTranslate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/translate/splunk/query", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req translateRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "[url:value = 'a']", req.Data)
		assert.Equal(t, 1000, req.RecursionLimit)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Result{Success: true, Queries: []string{`search url="a"`}})
	}))
	defer server.Close()

	b := NewHTTPBackend(server.URL+"/", "splunk", 1000, 0, logger.Discard())
	res, err := b.Translate(context.Background(), "[url:value = 'a']")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{`search url="a"`}, res.Queries)
}

func TestHTTPBackendErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr bool
		success bool
	}{
		{"server error", http.StatusInternalServerError, "oops", true, false},
		{"bad request", http.StatusBadRequest, "bad", true, false},
		{"malformed body", http.StatusOK, "{", true, false},
		{"not translatable", http.StatusOK, `{"success":false,"error":"unsupported"}`, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			res, err := NewHTTPBackend(server.URL, "splunk", 0, 0, logger.Discard()).
				Translate(context.Background(), "[url:value = 'a']")
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperrors.Is(err, apperrors.CodeTranslation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.success, res.Success)
			assert.Equal(t, "unsupported", res.Error)
		})
	}
}

func TestHTTPBackendSuccessOmitted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"queries":["search (src_ip=\"1.2.3.4\") earliest=\"05/01/2024:00:00:00\""]}`))
	}))
	defer server.Close()

	tr := newTestTranslator(NewHTTPBackend(server.URL, "splunk", 0, 0, logger.Discard()))
	query, ok := tr.BuildQuery(context.Background(), &stix.Indicator{
		ID:        "indicator--1",
		Pattern:   "[ipv4-addr:value = '1.2.3.4']",
		ValidFrom: "2024-05-01T00:00:00Z",
	})
	require.True(t, ok)
	assert.Contains(t, query, `src_ip="1.2.3.4"`)
}

func TestHTTPBackendEmptyQueries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"queries":[]}`))
	}))
	defer server.Close()

	tr := newTestTranslator(NewHTTPBackend(server.URL, "splunk", 0, 0, logger.Discard()))
	_, ok := tr.BuildQuery(context.Background(), &stix.Indicator{
		ID:        "indicator--1",
		Pattern:   "[ipv4-addr:value = '1.2.3.4']",
		ValidFrom: "2024-05-01T00:00:00Z",
	})
	assert.False(t, ok)
}
