// Package main provides the genvault host process: it selects the storage
// mode once at startup, wires the result store, and serves the gallery API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/muaviaUsmani/genvault/internal/config"
	"github.com/muaviaUsmani/genvault/internal/fetch"
	"github.com/muaviaUsmani/genvault/internal/gallery"
	"github.com/muaviaUsmani/genvault/internal/lock"
	"github.com/muaviaUsmani/genvault/internal/logger"
	"github.com/muaviaUsmani/genvault/internal/metrics"
	"github.com/muaviaUsmani/genvault/internal/result"
	"github.com/muaviaUsmani/genvault/internal/runner"
	"github.com/muaviaUsmani/genvault/internal/scheduler"
	"github.com/muaviaUsmani/genvault/internal/settings"
	"github.com/muaviaUsmani/genvault/internal/sidecar"
	"github.com/muaviaUsmani/genvault/internal/watcher"
	"github.com/muaviaUsmani/genvault/pkg/client"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := log.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to close logger: %v\n", err)
		}
	}()
	logger.SetDefault(log)

	if err := run(cfg, log.WithComponent(logger.ComponentGallery).WithSource(logger.LogSourceInternal)); err != nil {
		log.Error("Host failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr := settings.NewManager(cfg.SettingsPath)
	current, err := mgr.Get()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	fetcher := fetch.NewHTTPFetcher(fetch.Options{Timeout: cfg.FetchTimeout})
	collector := metrics.Default()

	mode := cfg.Storage.Resolve()
	log.Info("Host starting",
		"mode", mode,
		"listen_addr", cfg.ListenAddr,
		"settings_path", mgr.Path(),
		"storage_path", current.StoragePath,
		"max_results", current.MaxResults)

	var (
		store   result.Store
		fsStore *result.FileSystemStore
	)
	switch mode {
	case config.StorageModeDocument:
		doc, err := result.OpenDocumentStore(cfg.Storage.DataDir, result.DocumentOptions{
			QuotaBytes: cfg.Storage.DocumentQuotaBytes,
			Fetcher:    fetcher,
		})
		if err != nil {
			return fmt.Errorf("open document store: %w", err)
		}
		store = doc
	default:
		var indexLocker lock.Locker
		if redisClient != nil {
			indexLocker = lock.NewRedisLocker(redisClient, "genvault:index_lock:"+current.StoragePath, 30*time.Second)
		}
		fsStore, err = result.NewFileSystemStore(result.FileSystemOptions{
			Dir:      current.StoragePath,
			Codec:    sidecar.NewDefaultCodec(),
			Fetcher:  fetcher,
			Locker:   indexLocker,
			Settings: mgr,
			Metrics:  collector,
		})
		if err != nil {
			return fmt.Errorf("open storage directory: %w", err)
		}
		store = fsStore
	}

	svc := result.NewService(store, mgr,
		result.WithBatchYield(cfg.BatchYield),
		result.WithMetrics(collector))
	defer func() {
		if err := svc.Close(); err != nil {
			log.Warn("Failed to close result store", "error", err)
		}
	}()

	mgr.OnChange(func(old, updated settings.Settings) {
		if old.StoragePath != updated.StoragePath && mode == config.StorageModeFilesystem {
			log.Warn("Storage path changed; restart to use the new directory",
				"current", old.StoragePath,
				"next", updated.StoragePath)
		}
		if updated.MaxResults != old.MaxResults {
			if n, err := svc.CleanupOldResults(context.Background(), updated.MaxResults); err != nil {
				log.Warn("Cleanup after settings change failed", "error", err)
			} else if n > 0 {
				log.Info("Applied new retention cap", "evicted", n, "max_results", updated.MaxResults)
			}
		}
	})

	if fsStore != nil {
		w := watcher.New(fsStore.Dir(), func(names []string) {
			fsStore.Invalidate(names...)
		})
		if err := w.Start(); err != nil {
			log.Warn("File watcher unavailable; external edits show after restart", "error", err)
		} else {
			defer w.Stop()
		}
	}

	registry := scheduler.NewRegistry()
	registry.MustRegister(&scheduler.Schedule{
		ID:          "reconcile",
		Cron:        cfg.ReconcileSchedule,
		Task:        "reconcile",
		Enabled:     true,
		Description: "Repair stored metadata and apply the retention cap",
	})
	cron := scheduler.NewCronScheduler(registry, 30*time.Second)
	cron.Handle("reconcile", func(ctx context.Context) error {
		report, err := svc.Reconcile(ctx)
		if err != nil {
			return err
		}
		if report.Repaired > 0 || report.Evicted > 0 {
			log.Info("Reconciled result store", "repaired", report.Repaired, "evicted", report.Evicted)
		}
		return nil
	})
	if redisClient != nil {
		cron.SetLocker(func(id string) lock.Locker {
			return lock.NewRedisLocker(redisClient, "genvault:schedule_lock:"+id, 5*time.Minute)
		})
	}
	go cron.Start(ctx)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collector)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []gallery.Option{gallery.WithGatherer(reg)}
	if cfg.PredictionAPIToken != "" {
		api := client.NewClient(cfg.PredictionAPIURL, cfg.PredictionAPIToken)
		opts = append(opts, gallery.WithPredictions(runner.New(api, svc, cfg.PollInterval)))
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           gallery.NewServer(svc, mgr, opts...).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Gallery listening", "address", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
