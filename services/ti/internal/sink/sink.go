// Package sink emits scanned indicator documents, augmented with their
// translated query, to stdout, Kafka or the Splunk HTTP Event Collector.
package sink

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/config"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/connector/splunk"
	apperrors "github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/errors"
)

// QueryField is the document field holding the translated query.
const QueryField = "x_pattern_splunk"

// Document is an indicator document and where it was read from.
type Document struct {
	IndicatorID string
	Raw         json.RawMessage
	Query       string // empty when the pattern has no translatable query
	ArchivePath string
	FilePath    string
}

// Encode returns the raw document with the query and origin fields added.
func (d Document) Encode() ([]byte, error) {
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(d.Raw, &fields); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeValidation, "indicator document is not an object")
	}
	set := func(k, v string) {
		data, _ := json.Marshal(v)
		fields[k] = data
	}
	if d.Query != "" {
		set(QueryField, d.Query)
	}
	if d.ArchivePath != "" {
		set("archive_path", d.ArchivePath)
		set("file_path", d.FilePath)
	}
	return json.Marshal(fields)
}

// Sink receives emitted documents.
type Sink interface {
	Emit(ctx context.Context, docs ...Document) error
	Close() error
}

// WriterSink writes one JSON document per line.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink creates a sink writing to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Emit writes the documents in order.
func (s *WriterSink) Emit(_ context.Context, docs ...Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range docs {
		data, err := d.Encode()
		if err != nil {
			return err
		}
		if _, err := s.w.Write(append(data, '\n')); err != nil {
			return apperrors.Store(err, "write document")
		}
	}
	return nil
}

// Close is a no-op.
func (s *WriterSink) Close() error { return nil }

// Open builds the configured sink. client is required by the hec sink only.
func Open(cfg config.SinkConfig, client *splunk.Client, logger *slog.Logger) (Sink, error) {
	switch cfg.Type {
	case "", "stdout":
		return NewWriterSink(os.Stdout), nil
	case "kafka":
		return NewKafkaSink(cfg.Brokers, cfg.Topic, logger)
	case "hec":
		if client == nil {
			return nil, apperrors.Config("hec sink requires a splunk client")
		}
		hec := client.NewHECClient()
		if hec == nil {
			return nil, apperrors.Config("hec sink requires splunk.hec to be enabled")
		}
		return NewHECSink(hec, logger), nil
	default:
		return nil, apperrors.Config("unknown sink type " + cfg.Type)
	}
}
