// Package metrics exports Prometheus metrics for the caching transport.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks responses served from the cache, by kind
	// ("fresh", "revalidated", "forced").
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transport_cache_hits_total",
			Help: "Total number of responses served from cache",
		},
		[]string{"kind"},
	)

	// CacheMisses tracks lookups that found no usable entry, by forward
	// reason ("uri-miss", "vary-miss", "bypass", "method", "miss").
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transport_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"reason"},
	)

	// Revalidations tracks conditional requests by outcome
	// ("not-modified", "replaced", "failed").
	Revalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transport_cache_revalidations_total",
			Help: "Total number of revalidation round trips",
		},
		[]string{"outcome"},
	)

	// Stores tracks envelopes written to the storage backend.
	Stores = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "transport_cache_stores_total",
			Help: "Total number of envelopes stored",
		},
	)

	// StorageErrors tracks storage failures by operation
	// ("get", "put", "delete", "decode").
	StorageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transport_cache_storage_errors_total",
			Help: "Total number of storage operation errors",
		},
		[]string{"operation"},
	)
)
