// Command docharvest exports records from the document API into a blob
// store, summarizes the exported bundles into CSV tables and reports on
// those tables.
//
// Usage:
//
//	docharvest [-config file] export [-max-documents n] [-resume-mode mode] [-refresh-listing]
//	docharvest [-config file] stats [-limit n] [-workers n] [-refresh-listing]
//	docharvest [-config file] report [-documents file] [-pages file] [-max-page-numbers n]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/doc-harvester/pkg/auth"
	"github.com/Sternrassler/doc-harvester/pkg/blobstore"
	"github.com/Sternrassler/doc-harvester/pkg/cache"
	"github.com/Sternrassler/doc-harvester/pkg/client"
	"github.com/Sternrassler/doc-harvester/pkg/config"
	"github.com/Sternrassler/doc-harvester/pkg/ingest"
	"github.com/Sternrassler/doc-harvester/pkg/logging"
	"github.com/Sternrassler/doc-harvester/pkg/metrics"
	"github.com/Sternrassler/doc-harvester/pkg/report"
	"github.com/Sternrassler/doc-harvester/pkg/stats"
)

// Exit codes.
const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("docharvest", flag.ContinueOnError)
	global.SetOutput(stderr)
	configPath := global.String("config", "", "YAML config file (default $"+config.EnvConfigPath+")")
	global.Usage = func() {
		fmt.Fprintln(stderr, "usage: docharvest [-config file] <export|stats|report> [flags]")
		global.PrintDefaults()
	}
	if err := global.Parse(args); err != nil {
		return exitUsage
	}
	if global.NArg() == 0 {
		global.Usage()
		return exitUsage
	}

	command, rest := global.Arg(0), global.Args()[1:]
	var cmd func(context.Context, *config.Config, []string, io.Writer, zerolog.Logger) error
	switch command {
	case "export":
		cmd = runExport
	case "stats":
		cmd = runStats
	case "report":
		cmd = runReport
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", command)
		global.Usage()
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return exitError
	}
	cfg.Logging.Output = stderr
	logger := logging.Setup(cfg.Logging).With().Str("command", command).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.RunTimeout)
		defer cancel()
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, logger); err != nil {
				logger.Warn().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	if err := cmd(ctx, cfg, rest, stdout, logger); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitUsage
		}
		var usage usageError
		if errors.As(err, &usage) {
			fmt.Fprintln(stderr, err)
			return exitUsage
		}
		logger.Error().Err(err).Msg("Command failed")
		return exitError
	}
	return exitOK
}

// usageError marks invalid command-line input.
type usageError struct{ error }

func (e usageError) Unwrap() error { return e.error }

func runExport(ctx context.Context, cfg *config.Config, args []string, stdout io.Writer, logger zerolog.Logger) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	maxDocuments := fs.Int("max-documents", cfg.Export.MaxDocuments, "export at most n records (0 = all)")
	resumeMode := fs.String("resume-mode", cfg.Export.ResumeMode, "done set: intersect or ledger")
	refresh := fs.Bool("refresh-listing", false, "drop the cached store listing before the run")
	if err := fs.Parse(args); err != nil {
		return usageError{err}
	}
	cfg.Export.MaxDocuments = *maxDocuments
	cfg.Export.ResumeMode = *resumeMode

	if err := cfg.ValidateExport(); err != nil {
		return usageError{err}
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	if *refresh {
		if err := invalidate(ctx, store); err != nil {
			return err
		}
	}

	httpClient := &http.Client{Timeout: cfg.API.Timeout}
	tokens := auth.NewManager(&auth.PasswordSource{
		HTTPClient: httpClient,
		TokenURL:   cfg.Auth.TokenURL,
		Username:   cfg.Auth.Username,
		Password:   cfg.Auth.Password,
	}, auth.WithLease(cfg.Auth.Lease))

	api, err := client.New(cfg.Client(), tokens, logger.With().Str("component", "client").Logger())
	if err != nil {
		return err
	}

	pipeline, err := ingest.New(cfg.ExportPipeline(), api, store, logger.With().Str("component", "ingest").Logger())
	if err != nil {
		return err
	}
	res, err := pipeline.Run(ctx)
	if res != nil {
		fmt.Fprintf(stdout, "Uploaded %d new documents (%d pending, %d failed, %d empty) in %s\n",
			res.Uploaded, res.Pending, res.Failed, res.Empty, res.Duration.Round(time.Millisecond))
	}
	return err
}

func runStats(ctx context.Context, cfg *config.Config, args []string, stdout io.Writer, logger zerolog.Logger) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	limit := fs.Int("limit", cfg.Stats.Limit, "summarize at most n bundles (0 = all)")
	workers := fs.Int("workers", cfg.Stats.Workers, "tokenization workers")
	refresh := fs.Bool("refresh-listing", false, "drop the cached store listing before the run")
	if err := fs.Parse(args); err != nil {
		return usageError{err}
	}
	cfg.Stats.Limit = *limit
	cfg.Stats.Workers = *workers

	if err := cfg.Validate(); err != nil {
		return usageError{err}
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	if *refresh {
		if err := invalidate(ctx, store); err != nil {
			return err
		}
	}

	pipeline, err := stats.New(cfg.StatsPipeline(), store, stats.CountTokens, logger.With().Str("component", "stats").Logger())
	if err != nil {
		return err
	}
	res, err := pipeline.Run(ctx)
	if res != nil {
		fmt.Fprintf(stdout, "Summarized %d documents (%d pending, %d failed, %d empty) in %s\n",
			res.Summarized, res.Pending, res.Failed, res.Empty, res.Duration.Round(time.Millisecond))
	}
	return err
}

func runReport(_ context.Context, cfg *config.Config, args []string, stdout io.Writer, _ zerolog.Logger) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	documents := fs.String("documents", cfg.Stats.DocumentsPath, "document stats table")
	pages := fs.String("pages", cfg.Stats.PagesPath, "page stats table")
	maxPageNumbers := fs.Int("max-page-numbers", cfg.Report.MaxPageNumbers, "rows of the per-page-number table (0 = all)")
	if err := fs.Parse(args); err != nil {
		return usageError{err}
	}

	data, err := report.Load(*documents, *pages)
	if err != nil {
		return err
	}
	return report.Summarize(data).Write(stdout, *maxPageNumbers)
}

// openStore builds the configured blob store, wrapped with the listing
// cache when one is configured. The returned func releases its clients.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (blobstore.Store, func(), error) {
	var closers []func() error
	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Warn().Err(err).Msg("Failed to close client")
			}
		}
	}

	var store blobstore.Store
	switch cfg.Store.Backend {
	case config.StoreGCS:
		gcs, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create storage client: %w", err)
		}
		closers = append(closers, gcs.Close)
		s := blobstore.NewGCS(gcs, cfg.Store.Bucket, logger.With().Str("component", "blobstore").Logger())
		s.CreateOnly = cfg.Store.CreateOnly
		store = s
	case config.StoreDir:
		store = blobstore.NewDir(cfg.Store.Dir)
	case config.StoreMemory:
		store = blobstore.NewMemory()
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	var keys cache.KeySet
	switch cfg.Cache.Backend {
	case config.CacheRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			closeAll()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.Cache.RedisAddr, err)
		}
		logger.Info().Str("addr", cfg.Cache.RedisAddr).Msg("Connected to Redis")
		closers = append(closers, rdb.Close)
		keys = cache.NewRedisKeySet(rdb, cfg.Cache.TTL)
	case config.CacheFile:
		keys = cache.NewFileKeySet(cfg.Cache.Dir)
	default:
		return store, closeAll, nil
	}

	cached := blobstore.NewCached(store, keys, cfg.Store.Prefix, logger.With().Str("component", "cache").Logger())
	return cached, closeAll, nil
}

func invalidate(ctx context.Context, store blobstore.Store) error {
	cached, ok := store.(*blobstore.Cached)
	if !ok {
		return nil
	}
	if err := cached.Invalidate(ctx); err != nil {
		return fmt.Errorf("drop cached listing: %w", err)
	}
	return nil
}
