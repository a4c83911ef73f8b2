package observability

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the analytics engine
type Metrics struct {
	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
	CacheSetsTotal   *prometheus.CounterVec
	CacheErrorsTotal *prometheus.CounterVec

	// Aggregation metrics
	AggregationRunsTotal   *prometheus.CounterVec
	AggregationDuration    *prometheus.HistogramVec
	AggregationErrorsTotal *prometheus.CounterVec
	AggregatesWrittenTotal *prometheus.CounterVec

	// Forecast metrics
	ForecastRequestsTotal *prometheus.CounterVec

	// Report metrics
	ReportDeliveriesTotal *prometheus.CounterVec
	ReportRenderDuration  prometheus.Histogram
	ReportsDueGauge       prometheus.Gauge

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openbracket_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"tier"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openbracket_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"tier"},
		),
		CacheSetsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openbracket_cache_sets_total",
				Help: "Total number of cache writes",
			},
			[]string{"tier"},
		),
		CacheErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openbracket_cache_errors_total",
				Help: "Total number of cache backend errors",
			},
			[]string{"operation"},
		),

		AggregationRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openbracket_aggregation_runs_total",
				Help: "Total number of aggregation runs",
			},
			[]string{"kind", "status"},
		),
		AggregationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "openbracket_aggregation_duration_seconds",
				Help:    "Aggregation run duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		AggregationErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openbracket_aggregation_errors_total",
				Help: "Total number of aggregation errors",
			},
			[]string{"kind"},
		),
		AggregatesWrittenTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openbracket_aggregates_written_total",
				Help: "Total number of aggregate rows upserted",
			},
			[]string{"kind"},
		),

		ForecastRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openbracket_forecast_requests_total",
				Help: "Total number of forecast requests",
			},
			[]string{"kind", "status"},
		),

		ReportDeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openbracket_report_deliveries_total",
				Help: "Total number of scheduled report deliveries",
			},
			[]string{"status"},
		),
		ReportRenderDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "openbracket_report_render_duration_seconds",
				Help:    "Report render duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		ReportsDueGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "openbracket_reports_due",
				Help: "Number of scheduled reports currently due to run",
			},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "openbracket_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "openbracket_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
	}

	registry.MustRegister(
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheSetsTotal,
		m.CacheErrorsTotal,
		m.AggregationRunsTotal,
		m.AggregationDuration,
		m.AggregationErrorsTotal,
		m.AggregatesWrittenTotal,
		m.ForecastRequestsTotal,
		m.ReportDeliveriesTotal,
		m.ReportRenderDuration,
		m.ReportsDueGauge,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// ObserveDBPool records the connection pool gauges from db.Stats().
func (m *Metrics) ObserveDBPool(stats sql.DBStats) {
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
}

// NewTestMetrics creates metrics on a throwaway registry for tests
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
