package sink

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	apperrors "github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/errors"
)

// KafkaSink produces one record per document, keyed by indicator id.
type KafkaSink struct {
	producer *kgo.Client
	topic    string
	logger   *slog.Logger

	produced atomic.Uint64
	failed   atomic.Uint64
}

// NewKafkaSink creates a producer on brokers.
func NewKafkaSink(brokers []string, topic string, logger *slog.Logger) (*KafkaSink, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, apperrors.Config("kafka sink requires brokers and a topic")
	}

	producer, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchMaxBytes(16*1024*1024),
		kgo.ProducerLinger(10*time.Millisecond),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeConfig, "create kafka producer")
	}

	return &KafkaSink{
		producer: producer,
		topic:    topic,
		logger:   logger.With("component", "kafka-sink", "topic", topic),
	}, nil
}

// Emit produces the documents and waits for every acknowledgement.
func (s *KafkaSink) Emit(ctx context.Context, docs ...Document) error {
	records := make([]*kgo.Record, 0, len(docs))
	for _, d := range docs {
		data, err := d.Encode()
		if err != nil {
			return err
		}
		records = append(records, &kgo.Record{
			Topic: s.topic,
			Key:   []byte(d.IndicatorID),
			Value: data,
			Headers: []kgo.RecordHeader{
				{Key: "archive_path", Value: []byte(d.ArchivePath)},
				{Key: "translated", Value: []byte(boolString(d.Query != ""))},
			},
		})
	}
	if len(records) == 0 {
		return nil
	}

	var errs []error
	for _, r := range s.producer.ProduceSync(ctx, records...) {
		if r.Err != nil {
			s.failed.Add(1)
			s.logger.Error("failed to produce document", "key", string(r.Record.Key), "error", r.Err)
			errs = append(errs, r.Err)
			continue
		}
		s.produced.Add(1)
	}
	if len(errs) > 0 {
		return apperrors.Store(errors.Join(errs...), "produce documents").WithDetail("failed", len(errs))
	}
	return nil
}

// Stats returns producer statistics.
func (s *KafkaSink) Stats() map[string]interface{} {
	return map[string]interface{}{
		"produced": s.produced.Load(),
		"failed":   s.failed.Load(),
	}
}

// Close flushes and closes the producer.
func (s *KafkaSink) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.producer.Flush(ctx); err != nil {
		s.logger.Warn("flush on close failed", "error", err)
	}
	s.producer.Close()
	return nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
