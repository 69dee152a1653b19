package sink

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/config"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/connector/splunk"
	apperrors "github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/errors"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/logger"
)

const rawIndicator = `{"type":"indicator","id":"indicator--1","pattern":"[url:value = 'http://x']"}`

func TestDocumentEncode(t *testing.T) {
	d := Document{
		IndicatorID: "indicator--1",
		Raw:         json.RawMessage(rawIndicator),
		Query:       `search url="http://x"`,
		ArchivePath: "/data/a.tar.gz",
		FilePath:    "indicators/1.json",
	}
	data, err := d.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "indicator",
		"id": "indicator--1",
		"pattern": "[url:value = 'http://x']",
		"x_pattern_splunk": "search url=\"http://x\"",
		"archive_path": "/data/a.tar.gz",
		"file_path": "indicators/1.json"
	}`, string(data))
}

func TestDocumentEncodeWithoutQuery(t *testing.T) {
	data, err := Document{Raw: json.RawMessage(rawIndicator)}.Encode()
	require.NoError(t, err)
	assert.NotContains(t, string(data), QueryField)

	_, err = Document{Raw: json.RawMessage(`["not", "an", "object"]`)}.Encode()
	assert.True(t, apperrors.Is(err, apperrors.CodeValidation))
}

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriterSink(&buf)

	require.NoError(t, s.Emit(context.Background(),
		Document{Raw: json.RawMessage(rawIndicator), Query: "search a"},
		Document{Raw: json.RawMessage(`{"id":"indicator--2"}`)},
	))

	scanner := bufio.NewScanner(&buf)
	var lines []map[string]interface{}
	for scanner.Scan() {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "search a", lines[0][QueryField])
	assert.Equal(t, "indicator--2", lines[1]["id"])
}

func TestHECSink(t *testing.T) {
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Splunk hec-token", r.Header.Get("Authorization"))
		var buf bytes.Buffer
		buf.ReadFrom(r.Body)
		bodies = append(bodies, buf.String())
		w.Write([]byte(`{"text":"Success","code":0}`))
	}))
	defer srv.Close()

	cfg := splunk.DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.Credentials = splunk.Credentials{Type: "token", Token: "tok"}
	cfg.HEC = splunk.HECConfig{Enabled: true, URL: srv.URL, Token: "hec-token", Index: "sekoia"}
	client, err := splunk.NewClient(cfg, logger.Discard())
	require.NoError(t, err)

	s, err := Open(config.SinkConfig{Type: "hec"}, client, logger.Discard())
	require.NoError(t, err)

	require.NoError(t, s.Emit(context.Background(), Document{
		IndicatorID: "indicator--1",
		Raw:         json.RawMessage(rawIndicator),
		Query:       "search a",
		ArchivePath: "/data/a.tar.gz",
		FilePath:    "1.json",
	}))

	require.Len(t, bodies, 1)
	var event struct {
		Source     string                 `json:"source"`
		SourceType string                 `json:"sourcetype"`
		Index      string                 `json:"index"`
		Event      map[string]interface{} `json:"event"`
	}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(bodies[0])), &event))
	assert.Equal(t, "/data/a.tar.gz", event.Source)
	assert.Equal(t, HECSourceType, event.SourceType)
	assert.Equal(t, "sekoia", event.Index)
	assert.Equal(t, "search a", event.Event[QueryField])
}

func TestOpen(t *testing.T) {
	s, err := Open(config.SinkConfig{}, nil, logger.Discard())
	require.NoError(t, err)
	assert.IsType(t, &WriterSink{}, s)

	_, err = Open(config.SinkConfig{Type: "hec"}, nil, logger.Discard())
	assert.True(t, apperrors.Is(err, apperrors.CodeConfig))

	_, err = Open(config.SinkConfig{Type: "kafka"}, nil, logger.Discard())
	assert.True(t, apperrors.Is(err, apperrors.CodeConfig))

	_, err = Open(config.SinkConfig{Type: "s3"}, nil, logger.Discard())
	assert.True(t, apperrors.Is(err, apperrors.CodeConfig))
}

func TestKafkaSink(t *testing.T) {
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("KAFKA_BROKERS not set, skipping kafka integration test")
	}
	s, err := NewKafkaSink(strings.Split(brokers, ","), "ti-test-indicators", logger.Discard())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Emit(context.Background(), Document{
		IndicatorID: "indicator--1",
		Raw:         json.RawMessage(rawIndicator),
	}))
	assert.Equal(t, uint64(1), s.Stats()["produced"])
}
