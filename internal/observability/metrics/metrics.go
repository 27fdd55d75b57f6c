// Package metrics captures entitlement-engine health signals. Instances
// are constructor-injected so tests can register against private
// registries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

const (
	DeductionResultApplied      = "applied"
	DeductionResultCapped       = "capped"
	DeductionResultRejected     = "rejected"
	DeductionResultDegraded     = "degraded"
	DeductionResultFeatureMiss  = "feature_not_found"
	DeductionResultInternalFail = "error"
)

// Metrics exposes the engine's instruments.
type Metrics struct {
	deductions  *prometheus.CounterVec
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
	staleWrites prometheus.Counter
	syncBatches prometheus.Counter
	syncPairs   prometheus.Counter
	flushSize   prometheus.Histogram
}

// New registers the engine metrics against the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		deductions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ration_deductions_total",
			Help: "Deduction outcomes by result.",
		}, []string{"result"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ration_balance_cache_hits_total",
			Help: "Aggregate cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ration_balance_cache_misses_total",
			Help: "Aggregate cache misses (ledger fills).",
		}),
		staleWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ration_stale_writes_total",
			Help: "Atomic applies rejected by the concurrency token.",
		}),
		syncBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ration_sync_batches_total",
			Help: "Batches handed to the sync queue.",
		}),
		syncPairs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ration_sync_pairs_total",
			Help: "Deduplicated customer pairs flushed.",
		}),
		flushSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ration_sync_flush_pairs",
			Help:    "Pairs per flush.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
	}
	reg.MustRegister(
		m.deductions,
		m.cacheHits,
		m.cacheMisses,
		m.staleWrites,
		m.syncBatches,
		m.syncPairs,
		m.flushSize,
	)
	return m
}

func NewDefault() *Metrics { return New(prometheus.DefaultRegisterer) }

func (m *Metrics) IncDeduction(result string) { m.deductions.WithLabelValues(result).Inc() }
func (m *Metrics) IncCacheHit()               { m.cacheHits.Inc() }
func (m *Metrics) IncCacheMiss()              { m.cacheMisses.Inc() }
func (m *Metrics) IncStaleWrite()             { m.staleWrites.Inc() }

func (m *Metrics) SyncBatchFlushed(pairs int) {
	m.syncBatches.Inc()
	m.syncPairs.Add(float64(pairs))
	m.flushSize.Observe(float64(pairs))
}

var Module = fx.Module("observability.metrics",
	fx.Provide(NewDefault),
)
