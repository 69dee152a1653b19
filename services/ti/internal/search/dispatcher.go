// Package search turns translated indicator queries into Splunk search jobs
// and records each job in a tracking collection.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/config"
	apperrors "github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/errors"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/stix"
)

// Job statuses reported per indicator.
const (
	StatusTriggered = "triggered"
	StatusFailed    = "failed"
	StatusNoPattern = "no pattern"
	StatusDeferred  = "deferred"
)

// JobClient is the part of the Splunk client the dispatcher uses.
type JobClient interface {
	CreateJob(ctx context.Context, query string, params map[string]string) (string, error)
	CollectionExists(ctx context.Context, name string) (bool, error)
	CreateCollection(ctx context.Context, name string) error
	Insert(ctx context.Context, collection string, doc interface{}) (string, error)
}

// Request is an indicator and its translated query, empty when none.
type Request struct {
	Indicator *stix.Indicator
	Query     string
}

// Outcome is the result of dispatching one request.
type Outcome struct {
	IndicatorID string `json:"indicator_id"`
	JobID       string `json:"job_id,omitempty"`
	Status      string `json:"status"`
}

// Job is the tracking record of a triggered search.
type Job struct {
	JobID                         string   `json:"job_id"`
	Status                        string   `json:"status"`
	TriggeredAt                   float64  `json:"triggered_at"`
	MatchCount                    int      `json:"match_count"`
	MatchFirstSeen                string   `json:"match_first_seen"`
	MatchLastSeen                 string   `json:"match_last_seen"`
	MatchIndexes                  string   `json:"match_indexes"`
	IndicatorID                   string   `json:"indicator_id"`
	IndicatorCreated              string   `json:"indicator_created,omitempty"`
	IndicatorCreatedByRef         string   `json:"indicator_created_by_ref,omitempty"`
	IndicatorTypes                []string `json:"indicator_indicator_types,omitempty"`
	IndicatorKillChainPhases      []string `json:"indicator_kill_chain_phases"`
	IndicatorName                 string   `json:"indicator_name,omitempty"`
	IndicatorPattern              string   `json:"indicator_pattern"`
	IndicatorPatternType          string   `json:"indicator_pattern_type,omitempty"`
	IndicatorValidFrom            string   `json:"indicator_valid_from,omitempty"`
	IndicatorValidUntil           string   `json:"indicator_valid_until,omitempty"`
	IndicatorXPatternSplunk       string   `json:"indicator_x_pattern_splunk"`
	IndicatorXInthreatSourcesRefs []string `json:"indicator_x_inthreat_sources_refs,omitempty"`
}

// Dispatcher creates at most maxPerRun search jobs per Dispatch call.
type Dispatcher struct {
	client         JobClient
	index          string
	lookup         string
	jobsCollection string
	maxPerRun      int
	now            func() time.Time
	logger         *slog.Logger

	mu      sync.Mutex
	ensured bool
}

// NewDispatcher creates a dispatcher from the search configuration.
func NewDispatcher(client JobClient, cfg config.SearchConfig, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		client:         client,
		index:          cfg.Index,
		lookup:         cfg.LookupName,
		jobsCollection: cfg.JobsCollection,
		maxPerRun:      cfg.MaxPerRun,
		now:            time.Now,
		logger:         logger.With("component", "search-dispatcher"),
	}
	if d.index == "" {
		d.index = "*"
	}
	if d.lookup == "" {
		d.lookup = "sioc_lookup"
	}
	if d.jobsCollection == "" {
		d.jobsCollection = "sioc_search_jobs"
	}
	if d.maxPerRun <= 0 {
		d.maxPerRun = 50
	}
	return d
}

// SearchQuery restricts query to the searched index and appends the report
// pipeline writing the match statistics of the indicator to the lookup.
func (d *Dispatcher) SearchQuery(query, indicatorID string) string {
	q := strings.ReplaceAll(query, " earliest=", " index="+d.index+" earliest=")

	// a trailing fields command must keep the index for the stats below
	if i := strings.LastIndex(q, "|"); i >= 0 && strings.HasPrefix(strings.TrimSpace(q[i+1:]), "fields ") {
		q += ", index"
	}

	return q + " | stats values(index) as match_indexes earliest(_time) as match_first_seen" +
		" latest(_time) as match_last_seen count as match_count" +
		fmt.Sprintf(` | eval indicator_id="%s"`, escapeQuoted(indicatorID)) +
		fmt.Sprintf(" | lookup %s indicator_id AS indicator_id OUTPUTNEW", d.lookup) +
		fmt.Sprintf(" | outputlookup %s append=True key_field=_key max=1", d.lookup)
}

// Dispatch triggers a search per request, in order. Requests without a
// query are reported as StatusNoPattern and do not count against the limit;
// requests over the limit are deferred to the next run.
func (d *Dispatcher) Dispatch(ctx context.Context, requests []Request) []Outcome {
	outcomes := make([]Outcome, 0, len(requests))
	attempted := 0

	for _, r := range requests {
		out := Outcome{IndicatorID: r.Indicator.ID}
		switch {
		case r.Query == "":
			out.Status = StatusNoPattern
		case attempted >= d.maxPerRun:
			out.Status = StatusDeferred
		default:
			attempted++
			jobID, err := d.trigger(ctx, r)
			if err != nil {
				d.logger.Error("search job failed", "indicator_id", r.Indicator.ID, "error", err)
				out.Status = StatusFailed
			} else {
				out.JobID = jobID
				out.Status = StatusTriggered
			}
		}
		outcomes = append(outcomes, out)
	}

	if deferred := len(requests) - attempted - countStatus(outcomes, StatusNoPattern); deferred > 0 {
		d.logger.Warn("max number of searches per run reached, remaining searches deferred to the next run",
			"max_per_run", d.maxPerRun, "deferred", deferred)
	}
	return outcomes
}

func (d *Dispatcher) trigger(ctx context.Context, r Request) (string, error) {
	query := d.SearchQuery(r.Query, r.Indicator.ID)
	jobID, err := d.client.CreateJob(ctx, query, map[string]string{"exec_mode": "normal"})
	if err != nil {
		return "", apperrors.Upstream(err, "create search job")
	}
	if err := d.track(ctx, jobID, r); err != nil {
		// the job runs anyway; only its tracking record is missing
		d.logger.Warn("failed to record search job", "job_id", jobID, "indicator_id", r.Indicator.ID, "error", err)
	}
	d.logger.Info("search job triggered", "job_id", jobID, "indicator_id", r.Indicator.ID)
	return jobID, nil
}

func (d *Dispatcher) track(ctx context.Context, jobID string, r Request) error {
	if err := d.ensureCollection(ctx); err != nil {
		return err
	}

	ind := r.Indicator
	phases := ind.KillChainPhaseNames()
	if phases == nil {
		phases = []string{}
	}
	job := Job{
		JobID:                         jobID,
		Status:                        StatusTriggered,
		TriggeredAt:                   float64(d.now().UnixNano()) / 1e9,
		IndicatorID:                   ind.ID,
		IndicatorCreated:              ind.Created,
		IndicatorCreatedByRef:         ind.CreatedByRef,
		IndicatorTypes:                ind.IndicatorTypes,
		IndicatorKillChainPhases:      phases,
		IndicatorName:                 ind.Name,
		IndicatorPattern:              ind.Pattern,
		IndicatorPatternType:          ind.PatternType,
		IndicatorValidFrom:            ind.ValidFrom,
		IndicatorValidUntil:           ind.ValidUntil,
		IndicatorXPatternSplunk:       r.Query,
		IndicatorXInthreatSourcesRefs: ind.XInthreatSourcesRefs,
	}

	key, err := d.client.Insert(ctx, d.jobsCollection, job)
	if err != nil {
		return apperrors.Store(err, "insert search job").WithDetail("collection", d.jobsCollection)
	}
	d.logger.Debug("search job recorded", "collection", d.jobsCollection, "key", key)
	return nil
}

func (d *Dispatcher) ensureCollection(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ensured {
		return nil
	}
	exists, err := d.client.CollectionExists(ctx, d.jobsCollection)
	if err != nil {
		return apperrors.Store(err, "check collection").WithDetail("collection", d.jobsCollection)
	}
	if !exists {
		if err := d.client.CreateCollection(ctx, d.jobsCollection); err != nil {
			return apperrors.Store(err, "create collection").WithDetail("collection", d.jobsCollection)
		}
	}
	d.ensured = true
	return nil
}

func countStatus(outcomes []Outcome, status string) int {
	n := 0
	for _, o := range outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}

func escapeQuoted(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
