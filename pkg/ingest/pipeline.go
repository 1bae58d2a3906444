// Package ingest exports records from the document API into the object
// store. A producer enqueues pending record IDs on a bounded queue; a fixed
// pool of consumers fetches each record, uploads its bundle and records it
// in the export ledger.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/doc-harvester/pkg/auth"
	"github.com/Sternrassler/doc-harvester/pkg/blobstore"
	"github.com/Sternrassler/doc-harvester/pkg/client"
	"github.com/Sternrassler/doc-harvester/pkg/document"
	"github.com/Sternrassler/doc-harvester/pkg/ledger"
)

// Prometheus metrics for the ingestion pipeline.
var (
	documentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docharvest_ingest_documents_total",
		Help: "Total records processed by the ingestion pipeline by outcome",
	}, []string{"outcome"}) // "uploaded", "failed", "empty"

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docharvest_ingest_queue_depth",
		Help: "Number of record IDs waiting in the ingestion queue",
	})

	activeConsumers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docharvest_ingest_consumers_active",
		Help: "Number of running ingestion consumers",
	})
)

// ResumeMode selects how the set of already exported records is computed.
type ResumeMode string

const (
	// ResumeIntersect treats a record as done only if it is in the export
	// ledger and its bundle is present in the object store.
	ResumeIntersect ResumeMode = "intersect"

	// ResumeLedger trusts the export ledger alone.
	ResumeLedger ResumeMode = "ledger"
)

// Source is the document API as seen by the pipeline. *client.Client
// implements it.
type Source interface {
	ListPages(ctx context.Context, resourceID string, pageSize, maxItems int) iter.Seq2[[]client.RecordDescriptor, error]
	FetchBundle(ctx context.Context, id string) (*document.Bundle, error)
}

// Config holds the ingestion pipeline configuration.
type Config struct {
	// ResourceID is the project whose records are exported.
	ResourceID string

	// PageSize is the listing page size.
	PageSize int

	// MaxListed caps the number of listed descriptors. Zero lists all.
	MaxListed int

	// MaxDocuments caps the number of records enqueued in one run. Zero
	// enqueues every pending record.
	MaxDocuments int

	// Consumers is the number of concurrent consumers.
	Consumers int

	// QueueSize is the capacity of the queue between producer and consumers.
	QueueSize int

	// Prefix is the object key prefix for bundles.
	Prefix string

	// ResumeMode selects how done records are computed.
	ResumeMode ResumeMode

	// LedgerPath is the export ledger.
	LedgerPath string

	// EmptyLogPath records IDs whose text payload was missing. Empty disables it.
	EmptyLogPath string

	// IDCachePath stores the full ID listing between runs. Empty disables it.
	IDCachePath string

	// SyncLedger fsyncs the ledger after every append.
	SyncLedger bool
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		PageSize:     100,
		Consumers:    10,
		QueueSize:    100,
		ResumeMode:   ResumeIntersect,
		LedgerPath:   "uploaded_ids_cache.txt",
		EmptyLogPath: "empty_docs_all.txt",
		IDCachePath:  "dc_document_ids_cache.txt",
	}
}

// Result summarizes one run.
type Result struct {
	RunID    string
	Known    int
	Done     int
	Pending  int
	Enqueued int
	Uploaded int
	Failed   int
	Empty    int
	Duration time.Duration
}

// job is one queue element. A stop job tells its consumer to exit.
type job struct {
	id   string
	stop bool
}

// Pipeline is the ingestion pipeline.
type Pipeline struct {
	config Config
	source Source
	store  blobstore.Store
	logger zerolog.Logger
}

// New creates a pipeline.
func New(cfg Config, source Source, store blobstore.Store, logger zerolog.Logger) (*Pipeline, error) {
	if source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.ResourceID == "" {
		return nil, fmt.Errorf("resource id is required")
	}
	if cfg.LedgerPath == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	switch cfg.ResumeMode {
	case "":
		cfg.ResumeMode = ResumeIntersect
	case ResumeIntersect, ResumeLedger:
	default:
		return nil, fmt.Errorf("unknown resume mode %q", cfg.ResumeMode)
	}
	if cfg.Consumers <= 0 {
		cfg.Consumers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}

	return &Pipeline{
		config: cfg,
		source: source,
		store:  store,
		logger: logger,
	}, nil
}

// run holds the state of one Run call.
type run struct {
	*Pipeline
	logger   zerolog.Logger
	ledger   *ledger.Ledger
	empty    *ledger.Ledger
	total    int
	finished atomic.Int64
	uploaded atomic.Int64
	failed   atomic.Int64
	empties  atomic.Int64
}

// Run exports every pending record. Per-record failures are logged and
// leave the record pending for the next run; Run returns an error only when
// the pipeline cannot start or the credential endpoint fails.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	runID := uuid.NewString()
	logger := p.logger.With().Str("run_id", runID).Logger()

	exported, err := ledger.Open(p.config.LedgerPath, ledger.WithSync(p.config.SyncLedger))
	if err != nil {
		return nil, err
	}
	defer exported.Close()

	var empty *ledger.Ledger
	if p.config.EmptyLogPath != "" {
		empty, err = ledger.Open(p.config.EmptyLogPath)
		if err != nil {
			return nil, err
		}
		defer empty.Close()
	}

	known, err := p.knownIDs(ctx, logger)
	if err != nil {
		return nil, err
	}

	done := p.doneSet(ctx, exported, logger)
	pending := ledger.Pending(known, done)
	if p.config.MaxDocuments > 0 && len(pending) > p.config.MaxDocuments {
		pending = pending[:p.config.MaxDocuments]
	}

	logger.Info().
		Int("known", len(known)).
		Int("done", done.Len()).
		Int("pending", len(pending)).
		Int("consumers", p.config.Consumers).
		Msg("Starting export")

	r := &run{
		Pipeline: p,
		logger:   logger,
		ledger:   exported,
		empty:    empty,
		total:    len(pending),
	}
	enqueued := r.process(ctx, pending)

	result := &Result{
		RunID:    runID,
		Known:    len(known),
		Done:     done.Len(),
		Pending:  len(pending),
		Enqueued: enqueued,
		Uploaded: int(r.uploaded.Load()),
		Failed:   int(r.failed.Load()),
		Empty:    int(r.empties.Load()),
		Duration: time.Since(start),
	}

	logger.Info().
		Int("uploaded", result.Uploaded).
		Int("failed", result.Failed).
		Int("empty", result.Empty).
		Dur("duration", result.Duration).
		Msg("Export complete")

	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("export interrupted: %w", err)
	}
	return result, nil
}

// knownIDs returns every record ID of the project, from the ID cache when
// present, otherwise by walking the listing. A walk that ends early is used
// as is but not cached.
func (p *Pipeline) knownIDs(ctx context.Context, logger zerolog.Logger) ([]string, error) {
	idCache := IDCache{Path: p.config.IDCachePath}
	if p.config.IDCachePath != "" {
		ids, ok, err := idCache.Load()
		if err != nil {
			logger.Warn().Err(err).Str("path", p.config.IDCachePath).Msg("Ignoring unreadable id cache")
		} else if ok {
			logger.Info().Int("ids", len(ids)).Str("path", p.config.IDCachePath).Msg("Loaded record ids from cache")
			return ids, nil
		}
	}

	var ids []string
	complete := true
	for batch, err := range p.source.ListPages(ctx, p.config.ResourceID, p.config.PageSize, p.config.MaxListed) {
		if err != nil {
			var authErr *auth.AuthError
			if errors.As(err, &authErr) {
				return nil, fmt.Errorf("list records: %w", err)
			}
			logger.Warn().Err(err).Int("listed", len(ids)).Msg("Listing failed, continuing with records listed so far")
			complete = false
			break
		}
		for _, d := range batch {
			if id := d.RecordID(); id != "" {
				ids = append(ids, id)
			}
		}
	}
	if p.config.MaxListed > 0 && len(ids) >= p.config.MaxListed {
		complete = false
	}

	logger.Info().Int("ids", len(ids)).Bool("complete", complete).Msg("Listed record ids")

	if complete && p.config.IDCachePath != "" {
		if err := idCache.Save(ids); err != nil {
			logger.Warn().Err(err).Str("path", p.config.IDCachePath).Msg("Failed to write id cache")
		}
	}
	return ids, nil
}

// doneSet computes the records that need no work.
func (p *Pipeline) doneSet(ctx context.Context, exported *ledger.Ledger, logger zerolog.Logger) ledger.Set {
	recorded := exported.IDs()
	if p.config.ResumeMode == ResumeLedger {
		logger.Warn().Int("recorded", recorded.Len()).Msg("Resuming from ledger alone; uploads that failed after being recorded will not be retried")
		return recorded
	}

	stored := ledger.NewSet()
	for key := range blobstore.ListKeys(ctx, p.store, p.config.Prefix, logger) {
		if id, ok := blobstore.IDFromKey(key); ok {
			stored.Add(id)
		}
	}

	done := recorded.Intersect(stored)
	if unconfirmed := recorded.Difference(stored).Len(); unconfirmed > 0 {
		logger.Info().Int("unconfirmed", unconfirmed).Msg("Recorded ids without a stored bundle will be re-exported")
	}
	return done
}

// process runs the producer and consumers over pending and returns the
// number of IDs enqueued.
func (r *run) process(ctx context.Context, pending []string) int {
	jobs := make(chan job, r.config.QueueSize)

	var inflight sync.WaitGroup
	var consumers sync.WaitGroup
	for i := 0; i < r.config.Consumers; i++ {
		consumers.Add(1)
		go r.consume(ctx, i, jobs, &inflight, &consumers)
	}

	enqueued := 0
produce:
	for _, id := range pending {
		inflight.Add(1)
		select {
		case jobs <- job{id: id}:
			enqueued++
			queueDepth.Set(float64(len(jobs)))
		case <-ctx.Done():
			inflight.Done()
			r.logger.Warn().Int("enqueued", enqueued).Msg("Export cancelled, no more records will be enqueued")
			break produce
		}
	}

	// Drain, then stop every consumer.
	inflight.Wait()
	for i := 0; i < r.config.Consumers; i++ {
		jobs <- job{stop: true}
	}
	consumers.Wait()
	queueDepth.Set(0)

	return enqueued
}

func (r *run) consume(ctx context.Context, workerID int, jobs <-chan job, inflight, consumers *sync.WaitGroup) {
	defer consumers.Done()
	activeConsumers.Inc()
	defer activeConsumers.Dec()

	processed := 0
	for j := range jobs {
		if j.stop {
			r.logger.Debug().Int("worker_id", workerID).Int("processed", processed).Msg("Consumer stopping")
			return
		}
		queueDepth.Set(float64(len(jobs)))
		r.export(ctx, j.id)
		processed++
		inflight.Done()
	}
}

// export fetches, uploads and records one record. Failures are logged and
// leave the record out of the ledger.
func (r *run) export(ctx context.Context, id string) {
	logger := r.logger.With().Str("doc_id", id).Logger()

	if err := r.exportOne(ctx, id, logger); err != nil {
		r.failed.Add(1)
		documentsTotal.WithLabelValues("failed").Inc()
		logger.Warn().Err(err).Msg("Record export failed")
	}

	done := r.finished.Add(1)
	logger.Info().Msgf("%d/%d done", done, r.total)
}

func (r *run) exportOne(ctx context.Context, id string, logger zerolog.Logger) error {
	key, err := blobstore.KeyFromID(r.config.Prefix, id)
	if err != nil {
		return err
	}

	bundle, err := r.source.FetchBundle(ctx, id)
	if err != nil {
		return err
	}
	if bundle.Pages == nil {
		bundle.Pages = []document.Page{}
	}

	data, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}

	if err := r.store.Put(ctx, key, data); err != nil {
		return err
	}
	logger.Debug().Str("key", key).Int("pages", len(bundle.Pages)).Msg("Bundle uploaded")

	if _, err := r.ledger.Add(id); err != nil {
		return fmt.Errorf("record export: %w", err)
	}
	r.uploaded.Add(1)
	documentsTotal.WithLabelValues("uploaded").Inc()

	if bundle.Empty() {
		r.empties.Add(1)
		documentsTotal.WithLabelValues("empty").Inc()
		logger.Info().Msg("Record has no text")
		if r.empty != nil {
			if _, err := r.empty.Add(id); err != nil {
				logger.Warn().Err(err).Msg("Failed to record empty document")
			}
		}
	}
	return nil
}
