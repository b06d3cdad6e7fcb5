// Package main provides genvault-run: submit one prediction, wait for it,
// and persist its outputs into the configured result store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"

	"github.com/muaviaUsmani/genvault/internal/config"
	"github.com/muaviaUsmani/genvault/internal/fetch"
	"github.com/muaviaUsmani/genvault/internal/logger"
	"github.com/muaviaUsmani/genvault/internal/result"
	"github.com/muaviaUsmani/genvault/internal/runner"
	"github.com/muaviaUsmani/genvault/internal/settings"
	"github.com/muaviaUsmani/genvault/internal/sidecar"
	"github.com/muaviaUsmani/genvault/pkg/client"
)

func main() {
	model := flag.String("model", "", "model reference, owner/name or owner/name:version")
	input := flag.String("input", "{}", "prediction input as a JSON object")
	flag.Parse()

	if *model == "" {
		fmt.Fprintln(os.Stderr, "usage: genvault-run -model owner/name [-input '{\"prompt\":\"...\"}']")
		os.Exit(2)
	}

	var in map[string]interface{}
	if err := json.Unmarshal([]byte(*input), &in); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid -input: %v\n", err)
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.PredictionAPIToken == "" {
		fmt.Fprintln(os.Stderr, "PREDICTION_API_TOKEN is not set")
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)
	runLog := log.WithComponent(logger.ComponentRunner).WithSource(logger.LogSourcePrediction)

	code := run(cfg, runLog, *model, in)
	_ = log.Close()
	os.Exit(code)
}

func run(cfg *config.Config, log logger.Logger, model string, input map[string]interface{}) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := openService(cfg)
	if err != nil {
		log.Error("Failed to open result store", "error", err)
		return 1
	}
	defer svc.Close()

	api := client.NewClient(cfg.PredictionAPIURL, cfg.PredictionAPIToken)
	r := runner.New(api, svc, cfg.PollInterval)

	out, err := r.Run(ctx, model, input, result.WithProgress(func(p result.Progress) {
		log.Info("Saving output", "name", p.Name, "index", p.Index, "total", p.Total)
	}))

	var jobErr *runner.JobError
	switch {
	case errors.Is(err, context.Canceled):
		log.Warn("Prediction canceled")
		return 130
	case errors.As(err, &jobErr):
		// the remote status text is shown as-is
		fmt.Fprintf(os.Stderr, "Prediction %s %s: %s\n", jobErr.PredictionID, jobErr.Status, jobErr.Message)
		return 1
	case err != nil:
		log.Error("Prediction failed", "error", err)
		return 1
	}

	fmt.Printf("%s\t%s\n", out.Prediction.ID, out.ResultID)
	return 0
}

// openService opens the same store the host would pick
func openService(cfg *config.Config) (*result.Service, error) {
	mgr := settings.NewManager(cfg.SettingsPath)
	current, err := mgr.Get()
	if err != nil {
		return nil, err
	}
	fetcher := fetch.NewHTTPFetcher(fetch.Options{Timeout: cfg.FetchTimeout})

	var store result.Store
	if cfg.Storage.Resolve() == config.StorageModeDocument {
		store, err = result.OpenDocumentStore(cfg.Storage.DataDir, result.DocumentOptions{
			QuotaBytes: cfg.Storage.DocumentQuotaBytes,
			Fetcher:    fetcher,
		})
	} else {
		store, err = result.NewFileSystemStore(result.FileSystemOptions{
			Dir:      current.StoragePath,
			Codec:    sidecar.NewDefaultCodec(),
			Fetcher:  fetcher,
			Settings: mgr,
		})
	}
	if err != nil {
		return nil, err
	}
	return result.NewService(store, mgr, result.WithBatchYield(cfg.BatchYield)), nil
}
