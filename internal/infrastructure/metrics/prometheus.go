package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusExporter exports metrics to Prometheus format.
// Cache figures are read from the collector at scrape time.
type PrometheusExporter struct {
	collector *Collector
	registry  *prometheus.Registry

	decisions     *prometheus.CounterVec
	auditFailures prometheus.Counter
	auditDropped  prometheus.Counter
	grpcRequests  *prometheus.CounterVec
	grpcDuration  *prometheus.HistogramVec
	grpcErrors    *prometheus.CounterVec
}

// NewPrometheusExporter registers the kanshi series on a private registry
// and attaches itself to collector.
func NewPrometheusExporter(collector *Collector) *PrometheusExporter {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	e := &PrometheusExporter{
		collector: collector,
		registry:  registry,
		decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kanshi_decisions_total",
				Help: "Total number of permission decisions by reason",
			},
			[]string{"reason", "allowed", "cached"},
		),
		auditFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "kanshi_audit_persist_failures_total",
			Help: "Total number of audit entries that failed to persist",
		}),
		auditDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "kanshi_audit_dropped_total",
			Help: "Total number of audit entries dropped from a full pending queue",
		}),
		grpcRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kanshi_grpc_requests_total",
				Help: "Total number of gRPC requests",
			},
			[]string{"method"},
		),
		grpcDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kanshi_grpc_request_duration_seconds",
				Help:    "Duration of gRPC requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
			},
			[]string{"method"},
		),
		grpcErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kanshi_grpc_errors_total",
				Help: "Total number of gRPC errors by status code",
			},
			[]string{"method", "code"},
		),
	}

	cacheMetric := func(read func(*CacheMetrics) float64) func() float64 {
		return func() float64 { return read(collector.GetCacheMetrics()) }
	}
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "kanshi_decision_cache_hits_total",
		Help: "Total number of decision cache hits",
	}, cacheMetric(func(m *CacheMetrics) float64 { return float64(m.Hits) }))
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "kanshi_decision_cache_misses_total",
		Help: "Total number of decision cache misses",
	}, cacheMetric(func(m *CacheMetrics) float64 { return float64(m.Misses) }))
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "kanshi_decision_cache_evictions_total",
		Help: "Total number of decision cache evictions due to memory limits",
	}, cacheMetric(func(m *CacheMetrics) float64 { return float64(m.Evictions) }))
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "kanshi_decision_cache_errors_total",
		Help: "Total number of shared cache backend failures",
	}, cacheMetric(func(m *CacheMetrics) float64 { return float64(m.Errors) }))
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "kanshi_decision_cache_hit_rate",
		Help: "Current cache hit rate (0.0 to 1.0)",
	}, cacheMetric(func(m *CacheMetrics) float64 { return m.HitRate }))
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "kanshi_decision_cache_keys_current",
		Help: "Current number of keys in the memory cache",
	}, cacheMetric(func(m *CacheMetrics) float64 { return float64(m.KeysCurrent) }))
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "kanshi_decision_cache_memory_bytes",
		Help: "Current memory usage of the memory cache in bytes",
	}, cacheMetric(func(m *CacheMetrics) float64 { return float64(m.MemoryBytes) }))

	collector.exporter = e
	return e
}

// Registry returns the registry holding the exported series.
func (e *PrometheusExporter) Registry() *prometheus.Registry {
	return e.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (e *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{Registry: e.registry})
}

// RecordRequest records a request in Prometheus.
func (e *PrometheusExporter) RecordRequest(method string) {
	e.grpcRequests.WithLabelValues(method).Inc()
}

// RecordDuration records a duration in Prometheus.
func (e *PrometheusExporter) RecordDuration(method string, durationSeconds float64) {
	e.grpcDuration.WithLabelValues(method).Observe(durationSeconds)
}

// RecordError records an error in Prometheus.
func (e *PrometheusExporter) RecordError(method, code string) {
	e.grpcErrors.WithLabelValues(method, code).Inc()
}

func (e *PrometheusExporter) recordDecision(reason string, allowed, cached bool) {
	e.decisions.WithLabelValues(reason, strconv.FormatBool(allowed), strconv.FormatBool(cached)).Inc()
}
