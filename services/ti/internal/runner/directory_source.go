package runner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	apperrors "github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/errors"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/logger"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/archive"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/checkpoint"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/metrics"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/reconcile"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/search"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/sink"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/stix"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/translate"
)

// DirectorySource reads new archive entries, attaches the translated query
// of each indicator and emits it to the sink. Optionally each indicator is
// also reconciled into the record store and its query dispatched as a search.
type DirectorySource struct {
	name       string
	scanner    *archive.Scanner
	translator *translate.Translator
	sink       sink.Sink
	engine     *reconcile.Engine
	dispatcher *search.Dispatcher
	pending    checkpoint.Store
	pendingKey string
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// DirectoryOption configures a DirectorySource.
type DirectoryOption func(*DirectorySource)

// WithReconcile reconciles every scanned indicator with engine.
func WithReconcile(engine *reconcile.Engine) DirectoryOption {
	return func(s *DirectorySource) { s.engine = engine }
}

// WithSearch dispatches the translated queries once the scan is done.
// Searches deferred by the per-run limit are kept in store under key and
// dispatched first on the next run.
func WithSearch(d *search.Dispatcher, store checkpoint.Store, key string) DirectoryOption {
	return func(s *DirectorySource) {
		s.dispatcher = d
		s.pending = store
		s.pendingKey = key
	}
}

// NewDirectorySource creates the source of a scanned directory.
func NewDirectorySource(name string, scanner *archive.Scanner, translator *translate.Translator, out sink.Sink, m *metrics.Metrics, logger *slog.Logger, opts ...DirectoryOption) *DirectorySource {
	s := &DirectorySource{
		name:       "dir:" + name,
		scanner:    scanner,
		translator: translator,
		sink:       out,
		metrics:    m,
		logger:     logger.With("component", "directory-source"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements Source.
func (s *DirectorySource) Name() string { return s.name }

// Run consumes the entries added since the last run. An entry is emitted
// and reconciled before the next one is read, so the saved cursor never
// passes an entry that was not handed over.
func (s *DirectorySource) Run(ctx context.Context) (*Result, error) {
	log := logger.FromContext(ctx, s.logger)
	res := &Result{Source: s.name}

	it, err := s.scanner.Open(ctx)
	if err != nil {
		return res, err
	}
	defer it.Close()

	var requests []search.Request
	if s.dispatcher != nil {
		if requests, err = s.loadPending(ctx); err != nil {
			return res, err
		}
	}
	queued := len(requests)

	for {
		entry, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.keepPending(ctx, requests, queued)
			return res, err
		}
		res.Entries++
		s.metrics.IncEntries(s.name)

		ind, err := stix.Decode(entry.Data)
		if err != nil {
			if apperrors.Is(err, apperrors.CodeUnsupported) {
				log.Debug("not an indicator, entry ignored", "file_path", entry.FilePath)
			} else {
				res.Invalid++
				s.metrics.IncInvalid(s.name, 1)
				log.Warn("indicator rejected", "archive_path", entry.ArchivePath, "file_path", entry.FilePath, "error", err)
			}
			continue
		}
		res.Indicators++

		query, ok := s.translator.BuildQuery(ctx, ind)
		s.metrics.IncTranslation(ok)

		if err := s.sink.Emit(ctx, sink.Document{
			IndicatorID: ind.ID,
			Raw:         ind.Raw,
			Query:       query,
			ArchivePath: entry.ArchivePath,
			FilePath:    entry.FilePath,
		}); err != nil {
			s.keepPending(ctx, requests, queued)
			return res, err
		}

		if s.engine != nil {
			summary, err := s.engine.Reconcile(ctx, []*stix.Indicator{ind})
			if err != nil {
				s.keepPending(ctx, requests, queued)
				return res, err
			}
			s.metrics.ObserveSummary(s.name, summary)
			if res.Summary == nil {
				res.Summary = reconcile.NewSummary()
			}
			res.Summary.Merge(summary)
		}

		if s.dispatcher != nil {
			requests = append(requests, search.Request{Indicator: ind, Query: query})
		}
	}

	if s.dispatcher == nil || len(requests) == 0 {
		return res, nil
	}

	var deferred []search.Request
	for i, o := range s.dispatcher.Dispatch(ctx, requests) {
		s.metrics.IncSearch(o.Status)
		if o.Status == search.StatusDeferred {
			deferred = append(deferred, requests[i])
		}
	}
	if len(deferred) > 0 || queued > 0 {
		if err := s.savePending(ctx, deferred); err != nil {
			return res, err
		}
	}
	if len(deferred) > 0 {
		log.Info("searches queued for the next run", "queued", len(deferred))
	}
	return res, nil
}

// pendingSearch is the saved form of a deferred search request.
type pendingSearch struct {
	Indicator json.RawMessage `json:"indicator"`
	Query     string          `json:"query"`
}

func (s *DirectorySource) loadPending(ctx context.Context) ([]search.Request, error) {
	value, ok, err := s.pending.Get(ctx, s.pendingKey)
	if err != nil {
		return nil, apperrors.Store(err, "load pending searches").WithDetail("key", s.pendingKey)
	}
	if !ok || value == "" {
		return nil, nil
	}

	var saved []pendingSearch
	if err := json.Unmarshal([]byte(value), &saved); err != nil {
		s.logger.Warn("pending searches unreadable, dropped", "key", s.pendingKey, "error", err)
		return nil, nil
	}
	requests := make([]search.Request, 0, len(saved))
	for _, p := range saved {
		ind, err := stix.Decode(p.Indicator)
		if err != nil {
			s.logger.Warn("pending search dropped", "key", s.pendingKey, "error", err)
			continue
		}
		requests = append(requests, search.Request{Indicator: ind, Query: p.Query})
	}
	return requests, nil
}

func (s *DirectorySource) savePending(ctx context.Context, requests []search.Request) error {
	saved := make([]pendingSearch, 0, len(requests))
	for _, r := range requests {
		saved = append(saved, pendingSearch{Indicator: r.Indicator.Raw, Query: r.Query})
	}
	data, err := json.Marshal(saved)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "encode pending searches")
	}
	if err := s.pending.Put(ctx, s.pendingKey, string(data)); err != nil {
		return apperrors.Store(err, "save pending searches").WithDetail("key", s.pendingKey)
	}
	return nil
}

// keepPending saves the requests collected before an aborted run. Their
// entries are already behind the cursor.
func (s *DirectorySource) keepPending(ctx context.Context, requests []search.Request, queued int) {
	if s.dispatcher == nil || len(requests) == queued {
		return
	}
	if err := s.savePending(context.WithoutCancel(ctx), requests); err != nil {
		s.logger.Error("failed to keep pending searches", "error", err)
	}
}
