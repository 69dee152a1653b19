package sink

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/connector/splunk"
	apperrors "github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/errors"
)

// HECSourceType is the sourcetype of emitted indicator events.
const HECSourceType = "sekoia:indicator"

// HECSink sends documents to the Splunk HTTP Event Collector.
type HECSink struct {
	hec    *splunk.HECClient
	logger *slog.Logger
}

// NewHECSink creates a sink on hec.
func NewHECSink(hec *splunk.HECClient, logger *slog.Logger) *HECSink {
	return &HECSink{hec: hec, logger: logger.With("component", "hec-sink")}
}

// Emit sends the documents in a single request.
func (s *HECSink) Emit(ctx context.Context, docs ...Document) error {
	events := make([]splunk.HECEvent, 0, len(docs))
	for _, d := range docs {
		data, err := d.Encode()
		if err != nil {
			return err
		}
		events = append(events, splunk.HECEvent{
			Source:     d.ArchivePath,
			SourceType: HECSourceType,
			Event:      json.RawMessage(data),
		})
	}

	resp, err := s.hec.SendEvents(ctx, events)
	if err != nil {
		return apperrors.Store(err, "send events to hec").WithDetail("events", len(events))
	}
	s.logger.Debug("events sent", "events", len(events), "response", resp.Text)
	return nil
}

// Close is a no-op.
func (s *HECSink) Close() error { return nil }
