package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/doc-harvester/pkg/blobstore"
	"github.com/Sternrassler/doc-harvester/pkg/document"
	"github.com/Sternrassler/doc-harvester/pkg/ledger"
	"github.com/Sternrassler/doc-harvester/pkg/workpool"
)

// Prometheus metrics for the stats pipeline.
var (
	documentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docharvest_stats_documents_total",
		Help: "Total bundles processed by the stats pipeline by outcome",
	}, []string{"outcome"}) // "summarized", "fetch_failed", "analyze_failed", "write_failed"

	tokenizeSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "docharvest_stats_tokenize_seconds",
		Help:    "Time spent parsing and tokenizing one bundle",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})
)

// Config holds the stats pipeline configuration.
type Config struct {
	// Prefix is the object key prefix of the bundles.
	Prefix string

	// FetchConcurrency bounds simultaneous bundle downloads.
	FetchConcurrency int

	// Workers is the size of the tokenization pool.
	Workers int

	// Limit caps the number of bundles processed in one run. Zero means no cap.
	Limit int

	// DocumentsPath is the document stats table.
	DocumentsPath string

	// PagesPath is the page stats table.
	PagesPath string

	// SummarizedPath is the ledger of summarized record IDs.
	SummarizedPath string

	// EmptyLogPath records IDs of bundles without pages. Empty disables it.
	EmptyLogPath string

	// SyncLedger fsyncs the summarized ledger after every append.
	SyncLedger bool
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		FetchConcurrency: 10,
		Workers:          runtime.NumCPU(),
		DocumentsPath:    "document_stats.csv",
		PagesPath:        "page_token_counts.csv",
		SummarizedPath:   "summarized_ids.txt",
		EmptyLogPath:     "empty_docs_all.txt",
	}
}

// Result summarizes one run.
type Result struct {
	RunID      string
	Listed     int
	Done       int
	Pending    int
	Summarized int
	Empty      int
	Failed     int
	Duration   time.Duration
}

// fetched is a downloaded bundle waiting for the worker pool.
type fetched struct {
	id   string
	key  string
	data []byte
}

// analysis is the output of one pool task.
type analysis struct {
	doc   document.DocumentStats
	pages []document.PageStats
}

// Pipeline is the stats pipeline.
type Pipeline struct {
	config   Config
	store    blobstore.Store
	tokenize Tokenizer
	logger   zerolog.Logger
}

// New creates a pipeline. A nil tokenize uses CountTokens.
func New(cfg Config, store blobstore.Store, tokenize Tokenizer, logger zerolog.Logger) (*Pipeline, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.DocumentsPath == "" || cfg.PagesPath == "" || cfg.SummarizedPath == "" {
		return nil, fmt.Errorf("documents, pages and summarized paths are required")
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = 10
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if tokenize == nil {
		tokenize = CountTokens
	}

	return &Pipeline{
		config:   cfg,
		store:    store,
		tokenize: tokenize,
		logger:   logger,
	}, nil
}

// Run summarizes every bundle not yet in the summarized ledger. Downloads
// run under FetchConcurrency; parsing and tokenization run on a pool of
// Workers; rows are appended as each bundle completes. A bundle that fails
// at any step is logged and stays pending for the next run.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	runID := uuid.NewString()
	logger := p.logger.With().Str("run_id", runID).Logger()

	summarized, err := ledger.Open(p.config.SummarizedPath, ledger.WithSync(p.config.SyncLedger))
	if err != nil {
		return nil, err
	}
	defer summarized.Close()

	docTable, err := ledger.OpenTable(p.config.DocumentsPath, document.DocumentStatsHeader)
	if err != nil {
		return nil, err
	}
	defer docTable.Close()

	pageTable, err := ledger.OpenTable(p.config.PagesPath, document.PageStatsHeader)
	if err != nil {
		return nil, err
	}
	defer pageTable.Close()

	var empty *ledger.Ledger
	if p.config.EmptyLogPath != "" {
		empty, err = ledger.Open(p.config.EmptyLogPath)
		if err != nil {
			return nil, err
		}
		defer empty.Close()
	}

	listed, done := 0, 0
	var pending []fetched
	for key := range blobstore.ListKeys(ctx, p.store, p.config.Prefix, logger) {
		id, ok := blobstore.IDFromKey(key)
		if !ok {
			continue
		}
		listed++
		if summarized.Contains(id) {
			done++
			continue
		}
		pending = append(pending, fetched{id: id, key: key})
	}
	if p.config.Limit > 0 && len(pending) > p.config.Limit {
		pending = pending[:p.config.Limit]
	}

	logger.Info().
		Int("listed", listed).
		Int("done", done).
		Int("pending", len(pending)).
		Int("fetch_concurrency", p.config.FetchConcurrency).
		Int("workers", p.config.Workers).
		Msg("Starting stats run")

	result := &Result{
		RunID:   runID,
		Listed:  listed,
		Done:    done,
		Pending: len(pending),
	}

	var failed atomic.Int64
	tasks := p.fetch(ctx, pending, &failed, logger)

	pool := workpool.New(p.analyze, workpool.Config{
		Name:       "tokenize",
		Workers:    p.config.Workers,
		BufferSize: p.config.Workers,
	}, logger)

	for res := range pool.Run(ctx, tasks) {
		docLogger := logger.With().Str("doc_id", res.Task.id).Logger()

		if res.Err != nil {
			failed.Add(1)
			documentsTotal.WithLabelValues("analyze_failed").Inc()
			docLogger.Warn().Err(res.Err).Str("key", res.Task.key).Msg("Bundle analysis failed")
			continue
		}

		if err := p.record(summarized, docTable, pageTable, res.Task.id, res.Value); err != nil {
			failed.Add(1)
			documentsTotal.WithLabelValues("write_failed").Inc()
			docLogger.Warn().Err(err).Msg("Failed to record stats")
			continue
		}
		result.Summarized++
		documentsTotal.WithLabelValues("summarized").Inc()
		if len(res.Value.pages) == 0 {
			result.Empty++
			if empty != nil {
				if _, err := empty.Add(res.Task.id); err != nil {
					docLogger.Warn().Err(err).Msg("Failed to record empty document")
				}
			}
		}
		docLogger.Info().Msgf("%d/%d done", result.Summarized, len(pending))
	}

	result.Failed = int(failed.Load())
	result.Duration = time.Since(start)

	logger.Info().
		Int("summarized", result.Summarized).
		Int("failed", result.Failed).
		Dur("duration", result.Duration).
		Msg("Stats run complete")

	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("stats run interrupted: %w", err)
	}
	return result, nil
}

// fetch downloads pending bundles with bounded concurrency and sends them on
// the returned channel, which is closed once every download has finished.
func (p *Pipeline) fetch(ctx context.Context, pending []fetched, failed *atomic.Int64, logger zerolog.Logger) <-chan fetched {
	tasks := make(chan fetched, p.config.Workers)

	go func() {
		defer close(tasks)

		var g errgroup.Group
		g.SetLimit(p.config.FetchConcurrency)

		for _, item := range pending {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				data, err := p.store.Get(ctx, item.key)
				if err != nil {
					failed.Add(1)
					documentsTotal.WithLabelValues("fetch_failed").Inc()
					logger.Warn().Err(err).Str("doc_id", item.id).Str("key", item.key).Msg("Bundle download failed")
					return nil
				}
				item.data = data
				select {
				case tasks <- item:
				case <-ctx.Done():
				}
				return nil
			})
		}
		// Per-item failures are handled above; Wait only joins.
		_ = g.Wait()
	}()

	return tasks
}

// analyze parses and tokenizes one bundle. It runs on the worker pool.
func (p *Pipeline) analyze(_ context.Context, item fetched) (analysis, error) {
	start := time.Now()
	defer func() {
		tokenizeSeconds.Observe(time.Since(start).Seconds())
	}()

	var b document.Bundle
	if err := json.Unmarshal(item.data, &b); err != nil {
		return analysis{}, fmt.Errorf("decode bundle %s: %w", item.key, err)
	}
	if b.ID == "" {
		b.ID = item.id
	}

	doc, pages := Compute(&b, p.tokenize)
	return analysis{doc: doc, pages: pages}, nil
}

// record appends the rows of one bundle, then marks it summarized. The
// ledger entry is written only after both rows are.
func (p *Pipeline) record(summarized *ledger.Ledger, docTable, pageTable *ledger.Table, id string, a analysis) error {
	if err := docTable.Append(a.doc.Row()); err != nil {
		return err
	}
	if len(a.pages) > 0 {
		rows := make([][]string, len(a.pages))
		for i, ps := range a.pages {
			rows[i] = ps.Row()
		}
		if err := pageTable.Append(rows...); err != nil {
			return err
		}
	}
	if _, err := summarized.Add(id); err != nil {
		return err
	}
	return nil
}
