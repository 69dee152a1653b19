// Command ti ingests SEKOIA.IO indicators into Splunk.
//
// Usage:
//
//	ti [-config path] [-once] sync         run every configured source, forever or once
//	ti [-config path] scan <directory>     emit the new indicators of one archive directory
//	ti [-config path] validate             fetch the first page of every feed
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/config"
	apperrors "github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/errors"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/logger"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/api"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/feed"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/stix"
)

func main() {
	configPath := flag.String("config", os.Getenv("TI_CONFIG"), "path to the YAML configuration")
	once := flag.Bool("once", false, "run a single cycle and exit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] sync|scan <directory>|validate\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd := flag.Arg(0); cmd {
	case "", "sync":
		err = runSync(ctx, *configPath, *once)
	case "scan":
		if flag.NArg() < 2 {
			flag.Usage()
			os.Exit(2)
		}
		err = runScan(ctx, *configPath, flag.Arg(1))
	case "validate":
		err = runValidate(ctx, *configPath)
	default:
		flag.Usage()
		os.Exit(2)
	}

	if err != nil {
		slog.Error("ti exited with error", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string, modifiers ...func(*config.Config)) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path, modifiers...)
	if err != nil {
		return nil, nil, err
	}
	log := logger.New(&cfg.Logging).With("service", cfg.Service.Name)
	slog.SetDefault(log)
	return cfg, log, nil
}

func runSync(ctx context.Context, path string, once bool) error {
	cfg, log, err := loadConfig(path)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if once {
		_, err := a.runner.RunCycle(ctx)
		return err
	}

	var server *http.Server
	if cfg.Service.AdminAddr != "" {
		handler := api.NewHandler(cfg.Service.Name, a.runner, a.checkpoints, a.registry, log)
		for name, dep := range a.deps {
			handler.AddDependency(name, dep)
		}
		for name, p := range a.stats {
			handler.AddStats(name, p)
		}
		server = &http.Server{
			Addr:         cfg.Service.AdminAddr,
			Handler:      handler.Router(),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			log.Info("admin server listening", "addr", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("admin server error", "error", err)
			}
		}()
	}

	runErr := a.runner.Run(ctx)

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("admin server forced to shutdown", "error", err)
		}
	}
	log.Info("ti stopped")
	return runErr
}

// runScan processes one directory once, writing to the configured sink.
// Configured feeds and directories are ignored.
func runScan(ctx context.Context, path, dir string) error {
	cfg, log, err := loadConfig(path, func(c *config.Config) {
		c.Feeds = nil
		c.Directories = []config.DirectoryConfig{{Name: dir, Path: dir}}
	})
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	results, err := a.runner.RunCycle(ctx)
	if err != nil {
		return err
	}
	for _, res := range results {
		if res != nil && !res.Success {
			return apperrors.New(apperrors.CodeInternal, res.Error)
		}
	}
	return nil
}

// runValidate checks the credentials and reachability of every feed.
func runValidate(ctx context.Context, path string) error {
	cfg, log, err := loadConfig(path)
	if err != nil {
		return err
	}

	var failed int
	for _, f := range cfg.Feeds {
		if f.Disabled {
			continue
		}
		p, err := feed.NewPaginator(f, log)
		if err != nil {
			return err
		}
		page, err := p.FetchPage(ctx, "")
		if err != nil {
			failed++
			log.Error("feed check failed", "feed", f.String(), "error", err)
			continue
		}
		indicators, invalid := stix.DecodeAll(page.Items)
		log.Info("feed reachable",
			"feed", f.String(),
			"items", len(page.Items),
			"indicators", len(indicators),
			"invalid", len(invalid),
		)
	}
	if failed > 0 {
		return fmt.Errorf("%d feed(s) failed validation", failed)
	}
	return nil
}
