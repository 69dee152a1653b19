package runner

import (
	"context"
	"log/slog"

	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/config"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/logger"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/checkpoint"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/feed"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/metrics"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/reconcile"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/stix"
)

// Pager fetches one page of a feed.
type Pager interface {
	FetchPage(ctx context.Context, cursor string) (*feed.Page, error)
}

// FeedSource reconciles a remote feed page by page. The cursor of a page is
// saved only once the page was reconciled.
type FeedSource struct {
	name        string
	key         string
	pager       Pager
	engine      *reconcile.Engine
	checkpoints checkpoint.Store
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewFeedSource creates the source of a configured feed.
func NewFeedSource(cfg config.FeedConfig, pager Pager, engine *reconcile.Engine, checkpoints checkpoint.Store, m *metrics.Metrics, logger *slog.Logger) *FeedSource {
	return &FeedSource{
		name:        "feed:" + cfg.Name,
		key:         cfg.CheckpointKey(),
		pager:       pager,
		engine:      engine,
		checkpoints: checkpoints,
		metrics:     m,
		logger:      logger.With("component", "feed-source", "feed_id", cfg.FeedID),
	}
}

// Name implements Source.
func (s *FeedSource) Name() string { return s.name }

// Run pages from the saved cursor until a short page. Any failure returns
// with the cursor of the last reconciled page left in place.
func (s *FeedSource) Run(ctx context.Context) (*Result, error) {
	log := logger.FromContext(ctx, s.logger)
	res := &Result{Source: s.name}

	cursor, _, err := s.checkpoints.Get(ctx, s.key)
	if err != nil {
		return res, err
	}
	if cursor != "" {
		log.Debug("resuming feed", "cursor", cursor)
	}

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		page, err := s.pager.FetchPage(ctx, cursor)
		if err != nil {
			return res, err
		}
		res.Pages++
		s.metrics.IncPages(s.name)

		indicators, invalid := stix.DecodeAll(page.Items)
		for _, e := range invalid {
			log.Warn("indicator rejected", "error", e)
		}
		res.Invalid += len(invalid)
		s.metrics.IncInvalid(s.name, len(invalid))

		summary, err := s.engine.Reconcile(ctx, indicators)
		if err != nil {
			return res, err
		}
		s.metrics.ObserveSummary(s.name, summary)
		res.Indicators += len(indicators)
		if res.Summary == nil {
			res.Summary = reconcile.NewSummary()
		}
		res.Summary.Merge(summary)

		// an empty cursor would restart the feed from its beginning
		if page.NextCursor != "" {
			if err := s.checkpoints.Put(ctx, s.key, page.NextCursor); err != nil {
				return res, err
			}
			cursor = page.NextCursor
		}

		log.Debug("page processed", "items", len(page.Items), "last", page.Last)
		if page.Last {
			return res, nil
		}
		if page.NextCursor == "" {
			log.Warn("full page without next_cursor, stopping until the next cycle")
			return res, nil
		}
	}
}
