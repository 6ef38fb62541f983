// Package metrics exposes the pipeline's Prometheus collectors on a
// private registry so the /metrics endpoint only serves our series.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector bundles every metric the pipeline emits. A nil *Collector
// is valid and records nothing, which keeps tests free of registries.
type Collector struct {
	registry *prometheus.Registry

	fetchesTotal    *prometheus.CounterVec
	rowsUpserted    *prometheus.CounterVec
	chunksCommitted *prometheus.CounterVec
	errorsTotal     *prometheus.CounterVec
	runningSyncs    prometheus.Gauge
	fetchDuration   *prometheus.HistogramVec
	upsertDuration  *prometheus.HistogramVec
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		fetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tallysync_fetches_total",
			Help: "Upstream fetches issued, by entity kind.",
		}, []string{"kind"}),
		rowsUpserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tallysync_rows_upserted_total",
			Help: "Rows written to the warehouse, by table.",
		}, []string{"table"}),
		chunksCommitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tallysync_chunks_committed_total",
			Help: "Snapshot chunks committed, by entity kind.",
		}, []string{"kind"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tallysync_errors_total",
			Help: "Errors by stage (fetch, parse, upsert).",
		}, []string{"stage"}),
		runningSyncs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tallysync_running_syncs",
			Help: "Company syncs currently in flight.",
		}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tallysync_fetch_duration_seconds",
			Help:    "Upstream fetch latency.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"kind"}),
		upsertDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tallysync_upsert_duration_seconds",
			Help:    "Warehouse transaction latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"table"}),
	}
	c.registry.MustRegister(
		c.fetchesTotal, c.rowsUpserted, c.chunksCommitted, c.errorsTotal,
		c.runningSyncs, c.fetchDuration, c.upsertDuration,
	)
	return c
}

// Registry returns the private registry for promhttp.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return prometheus.NewRegistry()
	}
	return c.registry
}

func (c *Collector) ObserveFetch(kind string, d time.Duration) {
	if c == nil {
		return
	}
	c.fetchesTotal.WithLabelValues(kind).Inc()
	c.fetchDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (c *Collector) ObserveUpsert(table string, rows int, d time.Duration) {
	if c == nil {
		return
	}
	c.rowsUpserted.WithLabelValues(table).Add(float64(rows))
	c.upsertDuration.WithLabelValues(table).Observe(d.Seconds())
}

func (c *Collector) ChunkCommitted(kind string) {
	if c == nil {
		return
	}
	c.chunksCommitted.WithLabelValues(kind).Inc()
}

func (c *Collector) Error(stage string) {
	if c == nil {
		return
	}
	c.errorsTotal.WithLabelValues(stage).Inc()
}

func (c *Collector) SyncStarted() {
	if c == nil {
		return
	}
	c.runningSyncs.Inc()
}

func (c *Collector) SyncFinished() {
	if c == nil {
		return
	}
	c.runningSyncs.Dec()
}
