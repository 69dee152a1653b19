// Package translate turns STIX indicator patterns into search queries.
package translate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/errors"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/pattern"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/stix"
)

// TimestampLayout is the millisecond STIX timestamp used in injected
// START/STOP qualifiers.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Result is the outcome of a backend translation.
type Result struct {
	Success bool     `json:"success"`
	Queries []string `json:"queries"`
	Error   string   `json:"error,omitempty"`
}

// Backend translates a STIX pattern into backend queries. A pattern the
// backend cannot express is reported with Success false, not an error.
type Backend interface {
	Translate(ctx context.Context, pattern string) (*Result, error)
}

// Translator builds the query of an indicator. It holds no per-call state
// and is safe for concurrent use.
type Translator struct {
	backend Backend
	suffix  string
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Translator.
type Option func(*Translator)

// WithClock replaces the clock used when valid_until is missing.
func WithClock(now func() time.Time) Option {
	return func(t *Translator) { t.now = now }
}

// WithSuffix appends s to every produced query.
func WithSuffix(s string) Option {
	return func(t *Translator) { t.suffix = s }
}

// WithCollectIndex appends "| collect index='<index>'" to every produced query.
func WithCollectIndex(index string) Option {
	return func(t *Translator) {
		if index != "" {
			t.suffix = " | collect index='" + index + "'"
		}
	}
}

// New creates a translator on backend.
func New(backend Backend, logger *slog.Logger, opts ...Option) *Translator {
	t := &Translator{
		backend: backend,
		now:     time.Now,
		logger:  logger.With("component", "translator"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// WindowedPattern returns the indicator pattern with a START/STOP qualifier
// built from valid_from and valid_until. The pattern is returned unchanged
// when it already has a START qualifier or valid_from is absent.
func (t *Translator) WindowedPattern(ind *stix.Indicator) string {
	if pattern.HasStartQualifier(ind.Pattern) {
		return ind.Pattern
	}
	from, ok, err := ind.ValidFromTime()
	if !ok {
		return ind.Pattern
	}
	if err != nil {
		t.logger.Warn("unparseable valid_from, pattern left without time window",
			"indicator_id", ind.ID, "valid_from", ind.ValidFrom, "error", err)
		return ind.Pattern
	}

	until, ok, err := ind.ValidUntilTime()
	switch {
	case err != nil:
		t.logger.Warn("unparseable valid_until, window stops now",
			"indicator_id", ind.ID, "valid_until", ind.ValidUntil, "error", err)
		until = t.now()
	case !ok:
		until = t.now()
	}

	return ind.Pattern +
		" START t'" + from.UTC().Format(TimestampLayout) + "'" +
		" STOP t'" + until.UTC().Format(TimestampLayout) + "'"
}

// BuildQuery returns the first query produced for the indicator. ok is
// false when no query could be built; the reason is logged and never
// returned to the caller.
func (t *Translator) BuildQuery(ctx context.Context, ind *stix.Indicator) (query string, ok bool) {
	log := t.logger.With("indicator_id", ind.ID)

	if pattern.HasWildcardAccessor(ind.Pattern) {
		log.Warn("pattern uses the [*] accessor, not translated", "pattern", ind.Pattern)
		return "", false
	}

	windowed := t.WindowedPattern(ind)

	res, err := t.translate(ctx, windowed)
	if err != nil {
		log.Warn("translation failed", "pattern", windowed, "error", err)
		return "", false
	}
	if res == nil || !res.Success {
		reason := ""
		if res != nil {
			reason = res.Error
		}
		log.Warn("pattern not translatable", "pattern", windowed, "reason", reason)
		return "", false
	}
	if len(res.Queries) == 0 || res.Queries[0] == "" {
		log.Warn("translation produced no query", "pattern", windowed)
		return "", false
	}
	return res.Queries[0] + t.suffix, true
}

// translate shields the caller from backend panics.
func (t *Translator) translate(ctx context.Context, p string) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, apperrors.New(apperrors.CodeTranslation, fmt.Sprintf("translation backend panicked: %v", r))
		}
	}()
	return t.backend.Translate(ctx, p)
}
