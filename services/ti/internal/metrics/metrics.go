// Package metrics exposes the ingestion counters of the ti service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/reconcile"
)

// Metrics holds the service collectors. A nil *Metrics records nothing.
type Metrics struct {
	Pages              *prometheus.CounterVec
	Entries            *prometheus.CounterVec
	Indicators         *prometheus.CounterVec
	Records            *prometheus.CounterVec
	Translations       *prometheus.CounterVec
	Searches           *prometheus.CounterVec
	CycleErrors        *prometheus.CounterVec
	CycleDuration      *prometheus.HistogramVec
	LastSuccessfulSync *prometheus.GaugeVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Pages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sekoia_ti_feed_pages_total",
			Help: "Feed pages fetched by source",
		}, []string{"source"}),

		Entries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sekoia_ti_archive_entries_total",
			Help: "Archive entries read by source",
		}, []string{"source"}),

		Indicators: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sekoia_ti_indicators_total",
			Help: "Indicators processed by source and effect",
		}, []string{"source", "effect"}), // effect: "upsert", "revoke", "skip:<reason>", "invalid"

		Records: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sekoia_ti_records_total",
			Help: "Lookup records written by IOC type and operation",
		}, []string{"type", "operation"}), // operation: "upsert", "delete", "delete_failed"

		Translations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sekoia_ti_translations_total",
			Help: "Pattern translations by result",
		}, []string{"result"}),

		Searches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sekoia_ti_searches_total",
			Help: "Search dispatch outcomes by status",
		}, []string{"status"}),

		CycleErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sekoia_ti_cycle_errors_total",
			Help: "Aborted source cycles by source and error code",
		}, []string{"source", "code"}),

		CycleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sekoia_ti_cycle_duration_seconds",
			Help:    "Duration of a source cycle",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		}, []string{"source"}),

		LastSuccessfulSync: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sekoia_ti_last_successful_sync_timestamp_seconds",
			Help: "Unix time of the last successful cycle by source",
		}, []string{"source"}),
	}
}

// IncPages records a fetched feed page.
func (m *Metrics) IncPages(source string) {
	if m != nil {
		m.Pages.WithLabelValues(source).Inc()
	}
}

// IncEntries records a read archive entry.
func (m *Metrics) IncEntries(source string) {
	if m != nil {
		m.Entries.WithLabelValues(source).Inc()
	}
}

// IncInvalid records indicators rejected at decoding.
func (m *Metrics) IncInvalid(source string, n int) {
	if m != nil && n > 0 {
		m.Indicators.WithLabelValues(source, "invalid").Add(float64(n))
	}
}

// ObserveSummary records the outcome of a reconciliation window.
func (m *Metrics) ObserveSummary(source string, s *reconcile.Summary) {
	if m == nil || s == nil {
		return
	}
	m.Indicators.WithLabelValues(source, reconcile.EffectUpsert.String()).Add(float64(s.Upserted))
	m.Indicators.WithLabelValues(source, reconcile.EffectRevoke.String()).Add(float64(s.Revoked))
	for reason, n := range s.Skipped {
		m.Indicators.WithLabelValues(source, "skip:"+reason).Add(float64(n))
	}
	for t, n := range s.RecordsUpserted {
		m.Records.WithLabelValues(string(t), "upsert").Add(float64(n))
	}
	for t, n := range s.RecordsDeleted {
		m.Records.WithLabelValues(string(t), "delete").Add(float64(n))
	}
	if s.DeleteFailures > 0 {
		m.Records.WithLabelValues("", "delete_failed").Add(float64(s.DeleteFailures))
	}
}

// IncTranslation records a translation attempt.
func (m *Metrics) IncTranslation(ok bool) {
	if m == nil {
		return
	}
	result := "failed"
	if ok {
		result = "translated"
	}
	m.Translations.WithLabelValues(result).Inc()
}

// IncSearch records a search dispatch outcome.
func (m *Metrics) IncSearch(status string) {
	if m != nil {
		m.Searches.WithLabelValues(status).Inc()
	}
}

// ObserveCycle records the end of a source cycle.
func (m *Metrics) ObserveCycle(source string, d time.Duration, code string) {
	if m == nil {
		return
	}
	m.CycleDuration.WithLabelValues(source).Observe(d.Seconds())
	if code != "" {
		m.CycleErrors.WithLabelValues(source, code).Inc()
		return
	}
	m.LastSuccessfulSync.WithLabelValues(source).SetToCurrentTime()
}
