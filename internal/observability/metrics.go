// Package observability provides Prometheus metrics for the detection engine.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Cycle metrics
	CyclesTotal   *prometheus.CounterVec
	CycleDuration prometheus.Histogram
	LastCycle     prometheus.Gauge

	// Ingestion metrics
	SnapshotsFetched  *prometheus.CounterVec
	SnapshotsRejected *prometheus.CounterVec
	FetchFailures     *prometheus.CounterVec
	FetchDuration     *prometheus.HistogramVec

	// Detection metrics
	DataErrors       prometheus.Counter
	AlertsFired      *prometheus.CounterVec
	AlertsSuppressed *prometheus.CounterVec
	EmitErrors       prometheus.Counter

	// History metrics
	HistorySeries    prometheus.Gauge
	HistorySnapshots prometheus.Gauge
	HistoryEvicted   prometheus.Counter

	gatherer prometheus.Gatherer
}

// NewMetrics registers all metrics on reg. A nil reg uses a private registry.
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	if namespace == "" {
		namespace = "spikewatch"
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		CyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "runs_total",
			Help:      "Poll cycles by outcome",
		}, []string{"status"}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "duration_seconds",
			Help:      "Wall time of a full poll cycle",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		LastCycle: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time of the last finished cycle",
		}),
		SnapshotsFetched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "snapshots_fetched_total",
			Help:      "Snapshots returned by sources",
		}, []string{"exchange"}),
		SnapshotsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "snapshots_rejected_total",
			Help:      "Snapshots refused by the history store",
		}, []string{"reason"}),
		FetchFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "fetch_failures_total",
			Help:      "Failed batch fetches",
		}, []string{"exchange"}),
		FetchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "fetch_duration_seconds",
			Help:      "Batch fetch latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"exchange"}),
		DataErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "data_errors_total",
			Help:      "Window evaluations skipped on malformed data",
		}),
		AlertsFired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "alerts_fired_total",
			Help:      "Alerts that passed the dedup gate",
		}, []string{"exchange", "category"}),
		AlertsSuppressed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "alerts_suppressed_total",
			Help:      "Matches dropped while cooling down",
		}, []string{"exchange", "category"}),
		EmitErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerting",
			Name:      "emit_errors_total",
			Help:      "Alert deliveries that failed",
		}),
		HistorySeries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "series",
			Help:      "Tracked (symbol, exchange) series",
		}),
		HistorySnapshots: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "snapshots",
			Help:      "Snapshots held in memory",
		}),
		HistoryEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "evicted_total",
			Help:      "Snapshots evicted past the retention horizon",
		}),
		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
