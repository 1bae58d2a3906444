package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks listings served from cache by layer
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docharvest_cache_hits_total",
			Help: "Total number of key listings served from cache",
		},
		[]string{"layer"}, // "redis", "file"
	)

	// CacheMisses tracks listings not present in cache
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docharvest_cache_misses_total",
			Help: "Total number of key listing cache misses",
		},
		[]string{"layer"},
	)

	// CacheKeys tracks the size of the last listing read or written
	CacheKeys = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docharvest_cache_keys",
			Help: "Number of keys in the last cached listing read or written",
		},
		[]string{"layer"},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docharvest_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "keys", "replace", "add"
	)
)
