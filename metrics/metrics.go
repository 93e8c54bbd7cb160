// Package metrics defines prometheus collectors of the coordination layer.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Status label values of vectorized collectors.
const (
	Fail = "fail"
	Ok   = "ok"
)

// Collectors for connection pool metrics.
var (
	PoolAcquireTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sqlitemcp_pool_acquire_total",
		Help: "Cumulative number of successful connection checkouts.",
	})
	PoolExhaustedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sqlitemcp_pool_exhausted_total",
		Help: "Cumulative number of checkouts which timed out awaiting a pool slot.",
	})
	PoolAcquireWaitSecondsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sqlitemcp_pool_acquire_wait_seconds_total",
		Help: "Cumulative number of seconds spent awaiting a pooled connection.",
	})
)

// Collectors for cross-process lease metrics.
var (
	LeaseAcquireTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlitemcp_lease_acquire_total",
		Help: "Cumulative number of exclusive file lease acquisition attempts.",
	}, []string{"status"})
	LeaseWaitSecondsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sqlitemcp_lease_wait_seconds_total",
		Help: "Cumulative number of seconds spent awaiting the exclusive file lease.",
	})
)

// Collectors for optimistic concurrency and consistency cache metrics.
var (
	VersionConflictTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sqlitemcp_version_conflict_total",
		Help: "Cumulative number of updates rejected by a version check.",
	})
	CacheHitTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sqlitemcp_cache_hit_total",
		Help: "Cumulative number of reads served from the consistency cache.",
	})
	CacheMissTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sqlitemcp_cache_miss_total",
		Help: "Cumulative number of cached reads which fell through to the pool.",
	})
	CacheEvictTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sqlitemcp_cache_evict_total",
		Help: "Cumulative number of cache entries invalidated by writes.",
	})
)

// Collectors for transaction log metrics.
var (
	TxnLogAppendTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlitemcp_txnlog_append_total",
		Help: "Cumulative number of transaction log appends.",
	}, []string{"status"})
)

// CoordinatorCollectors lists collectors registered by the serve binary.
func CoordinatorCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		PoolAcquireTotal,
		PoolExhaustedTotal,
		PoolAcquireWaitSecondsTotal,
		LeaseAcquireTotal,
		LeaseWaitSecondsTotal,
		VersionConflictTotal,
		CacheHitTotal,
		CacheMissTotal,
		CacheEvictTotal,
		TxnLogAppendTotal,
	}
}
