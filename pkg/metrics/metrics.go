// Package metrics exposes the Prometheus metrics of the harvester.
// All metrics are defined in their respective packages (auth, client,
// ratelimit, cache, blobstore, ingest, stats, workpool) and registered via
// promauto on the default registry.
//
// This package provides the HTTP endpoint and a reference of all metrics.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry is the default Prometheus registry used by the harvester.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler returns the /metrics handler for the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// NewServeMux returns a mux serving /metrics and /health.
func NewServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", Handler())
	mux.HandleFunc("GET /health", healthHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// Serve serves NewServeMux on addr until ctx is done.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewServeMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("Serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Metrics Documentation
//
// Credential Metrics (pkg/auth):
//   - docharvest_token_refreshes_total{outcome} (Counter): Token fetches by outcome
//   - docharvest_token_refresh_duration_seconds (Histogram): Token fetch latency
//
// Request Metrics (pkg/client):
//   - docharvest_requests_total{endpoint, status} (Counter): Requests by endpoint and HTTP status
//   - docharvest_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - docharvest_errors_total{class} (Counter): Errors by class (forbidden, rate_limit, server, client, network)
//
// Retry Metrics (pkg/client):
//   - docharvest_retries_total{error_class} (Counter): Retry attempts by error class
//   - docharvest_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - docharvest_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Throttling Metrics (pkg/ratelimit):
//   - docharvest_throttled_total{status} (Counter): 403 and 429 responses observed
//   - docharvest_cooldown_waits_total (Counter): Requests held back by a shared cooldown
//   - docharvest_cooldown_seconds (Gauge): Remaining cooldown
//
// Listing Cache Metrics (pkg/cache):
//   - docharvest_cache_hits_total{layer} (Counter): Listings served from the key set
//   - docharvest_cache_misses_total{layer} (Counter): Listings that walked the store
//   - docharvest_cache_keys{layer} (Gauge): Keys in the last replaced listing
//   - docharvest_cache_errors_total{operation} (Counter): Key set operation errors
//
// Store Metrics (pkg/blobstore):
//   - docharvest_blobstore_operations_total{op, outcome} (Counter): list/get/put by outcome
//   - docharvest_blobstore_bytes_total{op} (Counter): Bytes read and written
//
// Pipeline Metrics (pkg/ingest, pkg/stats, pkg/workpool):
//   - docharvest_ingest_documents_total{outcome} (Counter): Exported records by outcome
//   - docharvest_ingest_queue_depth (Gauge): Records waiting in the export queue
//   - docharvest_ingest_consumers_active (Gauge): Consumers processing a record
//   - docharvest_stats_documents_total{outcome} (Counter): Summarized bundles by outcome
//   - docharvest_stats_tokenize_seconds (Histogram): Parse and tokenize time per bundle
//   - docharvest_workpool_tasks_total{pool, outcome} (Counter): Pool tasks by outcome
//   - docharvest_workpool_busy_workers{pool} (Gauge): Workers running a task
//
// Example Prometheus Queries:
//
//   # Listing cache hit rate
//   sum(rate(docharvest_cache_hits_total[5m])) /
//   (sum(rate(docharvest_cache_hits_total[5m])) + sum(rate(docharvest_cache_misses_total[5m])))
//
//   # Throttling pressure
//   sum by (status) (rate(docharvest_throttled_total[5m]))
//
//   # Export throughput
//   rate(docharvest_ingest_documents_total{outcome="uploaded"}[5m])
//
//   # P95 request latency
//   histogram_quantile(0.95, rate(docharvest_request_duration_seconds_bucket[5m]))
