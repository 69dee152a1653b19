package main

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/config"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/connector/splunk"
	apperrors "github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/errors"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/repository"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/api"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/archive"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/checkpoint"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/feed"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/ioc"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/kvstore"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/metrics"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/reconcile"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/runner"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/search"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/sink"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/translate"
)

// app holds the wired components of one process.
type app struct {
	runner      *runner.Runner
	checkpoints checkpoint.Store
	registry    *prometheus.Registry
	deps        map[string]repository.HealthChecker
	stats       map[string]api.StatsProvider

	closers []func() error
	logger  *slog.Logger
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *app, err error) {
	a := &app{
		logger: log,
		deps:   make(map[string]repository.HealthChecker),
		stats:  make(map[string]api.StatsProvider),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(a.registry)

	var conn *repository.RedisConn
	if cfg.NeedsRedis() {
		conn, err = repository.NewRedisConn(cfg.Redis)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeConfig, "connect to redis")
		}
		a.closers = append(a.closers, conn.Close)
		a.deps["redis"] = conn
		log.Info("redis connection established", "addresses", cfg.Redis.Addresses)
	}

	var client *splunk.Client
	if cfg.NeedsSplunk() {
		client, err = splunk.NewClient(&cfg.Splunk, log)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeConfig, "splunk client")
		}
		if err := client.Connect(ctx); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeCredential, "connect to splunk")
		}
		a.deps["splunk"] = client
		log.Info("splunk session established", "host", cfg.Splunk.Host)
	}

	cp, closeCP, err := checkpoint.Open(cfg.Checkpoint, conn, log)
	if err != nil {
		return nil, err
	}
	a.checkpoints = cp
	a.closers = append(a.closers, closeCP)

	var store reconcile.Store
	if needsStore(cfg) {
		store, err = kvstore.Open(cfg.Store, client, conn, log)
		if err != nil {
			return nil, err
		}
	}

	var sources []runner.Source
	for _, f := range cfg.Feeds {
		if f.Disabled {
			continue
		}
		pager, err := feed.NewPaginator(f, log)
		if err != nil {
			return nil, err
		}
		engine := reconcile.NewEngine(store, ioc.NewMapper(f.ServerRootURL(), log), log,
			reconcile.WithCollectionPrefix(cfg.Store.CollectionPrefix))
		sources = append(sources, runner.NewFeedSource(f, pager, engine, cp, m, log))
	}

	if len(cfg.Directories) > 0 {
		dirSources, err := a.directorySources(cfg, client, store, m, log)
		if err != nil {
			return nil, err
		}
		sources = append(sources, dirSources...)
	}

	opts := []runner.Option{runner.WithMetrics(m)}
	if cfg.Service.UseRedisLock {
		opts = append(opts, runner.WithLocker(repository.NewRedisLock(conn, cfg.Checkpoint.KeyPrefix, cfg.Service.LockTTL)))
	}
	a.runner = runner.New(sources, cfg.Service.Interval, log, opts...)
	return a, nil
}

func (a *app) directorySources(cfg *config.Config, client *splunk.Client, store reconcile.Store, m *metrics.Metrics, log *slog.Logger) ([]runner.Source, error) {
	var backend translate.Backend
	switch cfg.Translator.Backend {
	case "http":
		backend = translate.NewHTTPBackend(cfg.Translator.URL, cfg.Translator.Module,
			cfg.Translator.RecursionLimit, cfg.Translator.Timeout, log)
	default:
		backend = translate.NewSplunkBackend(cfg.Translator.RecursionLimit, cfg.Translator.DefaultEarliest)
	}
	tr := translate.New(backend, log, translate.WithCollectIndex(cfg.Translator.CollectIndex))

	out, err := sink.Open(cfg.Sink, client, log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, out.Close)
	if p, ok := out.(api.StatsProvider); ok {
		a.stats["sink"] = p
	}

	var dispatcher *search.Dispatcher
	if cfg.Search.Enabled {
		dispatcher = search.NewDispatcher(client, cfg.Search, log)
	}

	var sources []runner.Source
	for _, d := range cfg.Directories {
		scanner := archive.NewScanner(d.Path, d.CheckpointKey(), a.checkpoints, log)
		var opts []runner.DirectoryOption
		if d.Reconcile {
			engine := reconcile.NewEngine(store, ioc.NewMapper(config.DefaultServerRootURL, log), log,
				reconcile.WithCollectionPrefix(cfg.Store.CollectionPrefix))
			opts = append(opts, runner.WithReconcile(engine))
		}
		if dispatcher != nil {
			opts = append(opts, runner.WithSearch(dispatcher, a.checkpoints, d.PendingSearchKey()))
		}
		sources = append(sources, runner.NewDirectorySource(d.Name, scanner, tr, out, m, log, opts...))
	}
	return sources, nil
}

func needsStore(cfg *config.Config) bool {
	for _, f := range cfg.Feeds {
		if !f.Disabled {
			return true
		}
	}
	for _, d := range cfg.Directories {
		if d.Reconcile {
			return true
		}
	}
	return false
}

// Close releases the components in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}
