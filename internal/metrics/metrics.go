// Package metrics exports the heap's Prometheus counters and gauges,
// matching erigon-lib's pervasive use of prometheus/client_golang for
// engine instrumentation.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Promotions counts extents materialized onto a faster tier by LAS.Read.
	Promotions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "heaplane",
		Subsystem: "las",
		Name:      "promotions_total",
		Help:      "Extents promoted to a faster tier on materialization.",
	}, []string{"from_tier", "to_tier"})

	// Demotions counts extents written back down and released from DRAM.
	Demotions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "heaplane",
		Subsystem: "las",
		Name:      "demotions_total",
		Help:      "Extents demoted and released from a faster tier.",
	}, []string{"from_tier", "to_tier"})

	// Compactions counts completed compaction rounds.
	Compactions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "heaplane",
		Subsystem: "las",
		Name:      "compactions_total",
		Help:      "Completed compaction rounds merging candidate extents.",
	})

	// Evictions counts extents unswizzled and removed from the eviction map
	// under memory pressure.
	Evictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "heaplane",
		Subsystem: "las",
		Name:      "evictions_total",
		Help:      "Extents evicted from a faster tier under memory pressure.",
	})

	// ConflictAborts counts transactions aborted on a slot-level conflict.
	ConflictAborts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "heaplane",
		Subsystem: "txn",
		Name:      "conflict_aborts_total",
		Help:      "Transactions aborted due to a concurrent slot conflict.",
	})

	// Commits counts successful commits.
	Commits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "heaplane",
		Subsystem: "txn",
		Name:      "commits_total",
		Help:      "Transactions that reached in-memory commit.",
	})

	// DurabilityLatency observes seconds from commit to durability resolution.
	DurabilityLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "heaplane",
		Subsystem: "txn",
		Name:      "durability_latency_seconds",
		Help:      "Time from in-memory commit to durable linearizability.",
		Buckets:   prometheus.DefBuckets,
	})

	// MaterializationDedup counts singleflight hits where a concurrent read
	// joined an in-flight materialization instead of starting a new one.
	MaterializationDedup = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "heaplane",
		Subsystem: "las",
		Name:      "materialization_dedup_total",
		Help:      "Reads that joined an already in-flight extent materialization.",
	})
)

// Registry is a dedicated registry so embedding applications can choose
// whether to merge it into their own, rather than heaplane mutating the
// global default registry as a side effect of import.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		Promotions, Demotions, Compactions, Evictions,
		ConflictAborts, Commits, DurabilityLatency, MaterializationDedup,
	)
}
