package ivydb

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsRegistry is the process-wide Prometheus registration, shared by
// every environment in the process (§9 global state: one lazily-initialized
// registry for process-wide engine state, guarded by a dedicated mutex).
// Metrics are opt-in: they are registered once, on first use, rather than at
// package init, so programs that never call EnableMetrics never pay for a
// Prometheus dependency they don't use.
var (
	metricsOnce sync.Once

	txnCommits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ivydb",
		Name:      "txn_commits_total",
		Help:      "Number of committed transactions, partitioned by read/write kind.",
	}, []string{"kind"})

	txnAborts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ivydb",
		Name:      "txn_aborts_total",
		Help:      "Number of aborted write transactions.",
	})

	pagesSpilled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ivydb",
		Name:      "pages_spilled_total",
		Help:      "Dirty pages written out early under memory pressure.",
	})

	gcPagesReclaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ivydb",
		Name:      "gc_pages_reclaimed_total",
		Help:      "Retired pages reused from the free-list table by the writer.",
	})

	readersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ivydb",
		Name:      "reader_slots_active",
		Help:      "Live reader slots in the shared lock region.",
	})
)

// EnableMetrics registers the engine's Prometheus collectors with reg. Safe
// to call multiple times or from multiple environments in the same process;
// registration happens exactly once.
func EnableMetrics(reg prometheus.Registerer) {
	metricsOnce.Do(func() {
		reg.MustRegister(txnCommits, txnAborts, pagesSpilled, gcPagesReclaimed, readersActive)
	})
}
