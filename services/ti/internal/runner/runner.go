// Package runner schedules ingestion cycles over the configured sources.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/errors"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/logger"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/repository"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/metrics"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/reconcile"
)

// Source is one ingestion source. Run processes everything available and
// returns; progress is persisted by the source itself.
type Source interface {
	Name() string
	Run(ctx context.Context) (*Result, error)
}

// Locker serializes a source across processes.
type Locker interface {
	WithLock(ctx context.Context, name string, fn func(context.Context) error) error
}

// SourceState is the state of a source between cycles.
type SourceState string

const (
	StateIdle    SourceState = "idle"
	StateSyncing SourceState = "syncing"
	StateError   SourceState = "error"
)

// Result is the outcome of one source cycle.
type Result struct {
	Source     string             `json:"source"`
	StartTime  time.Time          `json:"start_time"`
	EndTime    time.Time          `json:"end_time"`
	Duration   time.Duration      `json:"duration"`
	Success    bool               `json:"success"`
	Error      string             `json:"error,omitempty"`
	Pages      int                `json:"pages,omitempty"`
	Entries    int                `json:"entries,omitempty"`
	Indicators int                `json:"indicators"`
	Invalid    int                `json:"invalid"`
	Summary    *reconcile.Summary `json:"summary,omitempty"`
}

// Status is the runtime state of a source.
type Status struct {
	Name        string      `json:"name"`
	State       SourceState `json:"state"`
	LastRun     time.Time   `json:"last_run"`
	LastSuccess time.Time   `json:"last_success"`
	LastError   string      `json:"last_error,omitempty"`
	Runs        uint64      `json:"runs"`
	Failures    uint64      `json:"failures"`
	Indicators  int64       `json:"indicators"`
}

// Runner executes cycles over its sources, concurrently, then sleeps.
type Runner struct {
	sources  []Source
	interval time.Duration
	lock     Locker
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu     sync.RWMutex
	status map[string]*Status

	cycles      atomic.Uint64
	cycleErrors atomic.Uint64
	ready       atomic.Bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithLocker runs every source under a lease named after it.
func WithLocker(l Locker) Option {
	return func(r *Runner) { r.lock = l }
}

// WithMetrics records cycle metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// New creates a runner sleeping interval between cycles.
func New(sources []Source, interval time.Duration, logger *slog.Logger, opts ...Option) *Runner {
	r := &Runner{
		sources:  sources,
		interval: interval,
		logger:   logger.With("component", "runner"),
		status:   make(map[string]*Status, len(sources)),
	}
	for _, s := range sources {
		r.status[s.Name()] = &Status{Name: s.Name(), State: StateIdle}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes cycles until ctx is cancelled or a source fails fatally.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("starting runner", "sources", len(r.sources), "interval", r.interval)
	for {
		if _, err := r.RunCycle(ctx); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			r.logger.Info("runner stopped")
			return nil
		case <-time.After(r.interval):
		}
	}
}

// RunCycle runs every source once, concurrently. A failed source never
// cancels its siblings; only fatal errors are returned.
func (r *Runner) RunCycle(ctx context.Context) ([]*Result, error) {
	cycleID := uuid.NewString()
	ctx = logger.ContextWithCycleID(ctx, cycleID)
	log := logger.FromContext(ctx, r.logger)
	log.Info("cycle started")

	results := make([]*Result, len(r.sources))
	var g errgroup.Group
	for i, s := range r.sources {
		i, s := i, s
		g.Go(func() error {
			res, err := r.runSource(logger.ContextWithSource(ctx, s.Name()), s)
			results[i] = res
			if apperrors.IsFatal(err) {
				return err
			}
			return nil
		})
	}
	err := g.Wait()

	r.cycles.Add(1)
	r.ready.Store(true)
	log.Info("cycle finished")
	return results, err
}

func (r *Runner) runSource(ctx context.Context, s Source) (*Result, error) {
	log := logger.FromContext(ctx, r.logger)
	start := time.Now()
	r.setState(s.Name(), StateSyncing)

	var res *Result
	run := func(ctx context.Context) (err error) {
		defer func() {
			if p := recover(); p != nil {
				log.Error("source panicked", "panic", p, "stack", string(debug.Stack()))
				err = apperrors.New(apperrors.CodeInternal, fmt.Sprintf("source panicked: %v", p))
			}
		}()
		res, err = s.Run(ctx)
		return err
	}

	var err error
	if r.lock != nil {
		err = r.lock.WithLock(ctx, s.Name(), run)
		if errors.Is(err, repository.ErrLockHeld) {
			log.Info("source locked by another instance, skipped")
			r.setState(s.Name(), StateIdle)
			return &Result{Source: s.Name(), StartTime: start, EndTime: time.Now(), Success: true}, nil
		}
	} else {
		err = run(ctx)
	}

	if res == nil {
		res = &Result{Source: s.Name()}
	}
	res.StartTime = start
	res.EndTime = time.Now()
	res.Duration = res.EndTime.Sub(start)
	res.Success = err == nil

	code := ""
	if err != nil {
		res.Error = err.Error()
		code = errorCode(err)
		r.cycleErrors.Add(1)
		if apperrors.IsFatal(err) {
			log.Error("source failed fatally", "error", err)
		} else {
			log.Error("source cycle aborted, checkpoint kept", "error", err, "code", code)
		}
	} else {
		log.Info("source cycle completed",
			"duration", res.Duration,
			"pages", res.Pages,
			"entries", res.Entries,
			"indicators", res.Indicators,
		)
	}
	r.metrics.ObserveCycle(s.Name(), res.Duration, code)
	r.record(res)
	return res, err
}

func errorCode(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return string(appErr.Code)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "CANCELLED"
	}
	return string(apperrors.CodeUnknown)
}

func (r *Runner) setState(name string, state SourceState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.status[name]; ok {
		st.State = state
	}
}

func (r *Runner) record(res *Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.status[res.Source]
	if !ok {
		return
	}
	st.Runs++
	st.LastRun = res.EndTime
	st.Indicators += int64(res.Indicators)
	if res.Success {
		st.State = StateIdle
		st.LastSuccess = res.EndTime
		st.LastError = ""
		return
	}
	st.State = StateError
	st.Failures++
	st.LastError = res.Error
}

// Statuses returns a snapshot of every source status, ordered by name.
func (r *Runner) Statuses() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Status, 0, len(r.status))
	for _, st := range r.status {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Ready reports whether a first cycle completed.
func (r *Runner) Ready() bool {
	return r.ready.Load()
}

// Stats returns runner statistics.
func (r *Runner) Stats() map[string]interface{} {
	return map[string]interface{}{
		"sources":      len(r.sources),
		"cycles":       r.cycles.Load(),
		"cycle_errors": r.cycleErrors.Load(),
		"ready":        r.ready.Load(),
	}
}
