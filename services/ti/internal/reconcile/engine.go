// Package reconcile decides, per indicator, whether its lookup records are
// refreshed, revoked or left alone, and applies the outcome to a record store.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/errors"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/logger"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/ioc"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/stix"
)

// Store is the keyed record store indicators are reconciled into.
type Store interface {
	CollectionExists(ctx context.Context, name string) (bool, error)
	CreateCollection(ctx context.Context, name string) error
	UpsertBatch(ctx context.Context, collection string, records []ioc.Record) error
	DeleteByKey(ctx context.Context, collection, key string) error
}

// Effect is the action taken for one indicator.
type Effect int

const (
	EffectSkip Effect = iota
	EffectRevoke
	EffectUpsert
)

func (e Effect) String() string {
	switch e {
	case EffectRevoke:
		return "revoke"
	case EffectUpsert:
		return "upsert"
	default:
		return "skip"
	}
}

// Skip reasons.
const (
	ReasonPatternType  = "unsupported_pattern_type"
	ReasonExpired      = "expired"
	ReasonBadValidity  = "invalid_valid_until"
	ReasonNoValidUntil = "no_valid_until"
)

// Decision is the effect chosen for an indicator. Reason is set for skips.
type Decision struct {
	Effect Effect
	Reason string
}

// Summary reports what a reconciliation window did.
type Summary struct {
	Indicators      int                 `json:"indicators"`
	Upserted        int                 `json:"upserted"`
	Revoked         int                 `json:"revoked"`
	Skipped         map[string]int      `json:"skipped"`
	RecordsUpserted map[ioc.IOCType]int `json:"records_upserted"`
	RecordsDeleted  map[ioc.IOCType]int `json:"records_deleted"`
	DeleteFailures  int                 `json:"delete_failures"`
}

// NewSummary returns an empty summary.
func NewSummary() *Summary {
	return &Summary{
		Skipped:         make(map[string]int),
		RecordsUpserted: make(map[ioc.IOCType]int),
		RecordsDeleted:  make(map[ioc.IOCType]int),
	}
}

// Merge adds the counts of o to s.
func (s *Summary) Merge(o *Summary) {
	if o == nil {
		return
	}
	s.Indicators += o.Indicators
	s.Upserted += o.Upserted
	s.Revoked += o.Revoked
	s.DeleteFailures += o.DeleteFailures
	for k, v := range o.Skipped {
		s.Skipped[k] += v
	}
	for k, v := range o.RecordsUpserted {
		s.RecordsUpserted[k] += v
	}
	for k, v := range o.RecordsDeleted {
		s.RecordsDeleted[k] += v
	}
}

// Engine reconciles indicators into a Store. The collection cache is the
// only mutable state; an engine may be shared by concurrent sources.
type Engine struct {
	store  Store
	mapper *ioc.Mapper
	prefix string
	now    func() time.Time
	logger *slog.Logger

	mu          sync.Mutex
	collections map[ioc.IOCType]bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the clock used for expiration checks.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithCollectionPrefix sets the prefix of the per-type collections.
func WithCollectionPrefix(prefix string) Option {
	return func(e *Engine) {
		if prefix != "" {
			e.prefix = prefix
		}
	}
}

// NewEngine creates an engine writing to store.
func NewEngine(store Store, mapper *ioc.Mapper, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		mapper:      mapper,
		prefix:      ioc.DefaultCollectionPrefix,
		now:         time.Now,
		logger:      logger.With("component", "reconcile"),
		collections: make(map[ioc.IOCType]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Decide chooses the effect for ind. A revoked indicator is revoked whatever
// its validity.
func (e *Engine) Decide(ind *stix.Indicator) Decision {
	if !ind.IsSTIXPattern() {
		return Decision{Effect: EffectSkip, Reason: ReasonPatternType}
	}
	if ind.Revoked {
		return Decision{Effect: EffectRevoke}
	}
	until, ok, err := ind.ValidUntilTime()
	switch {
	case err != nil:
		return Decision{Effect: EffectSkip, Reason: ReasonBadValidity}
	case !ok:
		return Decision{Effect: EffectSkip, Reason: ReasonNoValidUntil}
	case !until.After(e.now()):
		return Decision{Effect: EffectSkip, Reason: ReasonExpired}
	}
	return Decision{Effect: EffectUpsert}
}

// Reconcile applies the decisions of a window of indicators. Revocations are
// best effort. Upserts are grouped by IOC type and written in one batch per
// type; a failed batch aborts the window with a STORE error.
func (e *Engine) Reconcile(ctx context.Context, indicators []*stix.Indicator) (*Summary, error) {
	log := logger.FromContext(ctx, e.logger)
	summary := NewSummary()
	pending := make(ioc.Batch)

	for _, ind := range indicators {
		summary.Indicators++
		d := e.Decide(ind)

		switch d.Effect {
		case EffectSkip:
			summary.Skipped[d.Reason]++
			e.logSkip(log, ind, d.Reason)

		case EffectRevoke:
			summary.Revoked++
			revoked := e.mapper.FromIndicator(ind)
			// a revoke wins over a live copy seen earlier in the window
			if n := pending.Drop(revoked.Keys()); n > 0 {
				log.Debug("pending records dropped by revocation", "indicator_id", ind.ID, "records", n)
			}
			e.revoke(ctx, log, ind, revoked, summary)

		case EffectUpsert:
			summary.Upserted++
			pending.Add(e.mapper.FromIndicator(ind))
		}
	}

	for _, t := range pending.SortedTypes() {
		records := pending[t]
		if len(records) == 0 {
			continue
		}
		name, err := e.ensureCollection(ctx, t)
		if err != nil {
			return summary, err
		}
		if err := e.store.UpsertBatch(ctx, name, records); err != nil {
			return summary, apperrors.Store(err, "upsert lookup records").
				WithDetail("collection", name).
				WithDetail("records", len(records))
		}
		summary.RecordsUpserted[t] += len(records)
		log.Debug("records upserted", "collection", name, "records", len(records))
	}

	log.Info("window reconciled",
		"indicators", summary.Indicators,
		"upserted", summary.Upserted,
		"revoked", summary.Revoked,
		"skipped", summary.Skipped,
	)
	return summary, nil
}

func (e *Engine) logSkip(log *slog.Logger, ind *stix.Indicator, reason string) {
	switch reason {
	case ReasonPatternType:
		log.Warn("unsupported pattern type, indicator skipped",
			"indicator_id", ind.ID, "pattern_type", ind.PatternType)
	case ReasonBadValidity:
		log.Warn("unparseable valid_until, indicator skipped",
			"indicator_id", ind.ID, "valid_until", ind.ValidUntil)
	default:
		log.Debug("indicator skipped", "indicator_id", ind.ID, "reason", reason)
	}
}

// revoke deletes every key derivable from the indicator pattern. Failures
// are logged and never stop the window.
func (e *Engine) revoke(ctx context.Context, log *slog.Logger, ind *stix.Indicator, batch ioc.Batch, summary *Summary) {
	for _, t := range batch.SortedTypes() {
		name, err := e.ensureCollection(ctx, t)
		if err != nil {
			log.Warn("revocation skipped, collection unavailable",
				"indicator_id", ind.ID, "type", t, "error", err)
			summary.DeleteFailures += len(batch[t])
			continue
		}
		for _, r := range batch[t] {
			err := e.store.DeleteByKey(ctx, name, r.Key)
			switch {
			case err == nil:
				summary.RecordsDeleted[t]++
			case apperrors.Is(err, apperrors.CodeNotFound):
				log.Debug("revoked record already absent", "collection", name, "key", r.Key)
			default:
				summary.DeleteFailures++
				log.Warn("failed to delete revoked record",
					"indicator_id", ind.ID, "collection", name, "key", r.Key, "error", err)
			}
		}
	}
}

// ensureCollection creates the collection of t on first use.
func (e *Engine) ensureCollection(ctx context.Context, t ioc.IOCType) (string, error) {
	name := ioc.CollectionName(e.prefix, t)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.collections[t] {
		return name, nil
	}

	exists, err := e.store.CollectionExists(ctx, name)
	if err != nil {
		return "", apperrors.Store(err, "check collection").WithDetail("collection", name)
	}
	if !exists {
		if err := e.store.CreateCollection(ctx, name); err != nil {
			return "", apperrors.Store(err, "create collection").WithDetail("collection", name)
		}
		e.logger.Info("collection created", "collection", name)
	}
	e.collections[t] = true
	return name, nil
}
