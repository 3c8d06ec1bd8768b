package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusExporter publishes orchestration metrics.
type PrometheusExporter struct {
	registry *prometheus.Registry

	// Request metrics
	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	activeSessions prometheus.Gauge
	overloads      prometheus.Counter

	// Routing metrics
	routeDecisions  *prometheus.CounterVec
	routeConfidence *prometheus.HistogramVec

	// Tool call metrics
	toolCalls   *prometheus.CounterVec
	toolLatency *prometheus.HistogramVec

	// Provider metrics
	llmTokens  *prometheus.CounterVec
	llmLatency *prometheus.HistogramVec

	// Cache metrics
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// Persistence metrics
	persistRetries prometheus.Counter
	dirtyStates    prometheus.Counter
	checkpoints    *prometheus.CounterVec

	// Error metrics
	errorsTotal *prometheus.CounterVec

	// Safety metrics
	safetyViolations *prometheus.CounterVec
}

// ExporterConfig configures the Prometheus exporter.
type ExporterConfig struct {
	// Registry to use (if nil, creates a new one)
	Registry *prometheus.Registry

	// Buckets for latency histograms (in seconds)
	LatencyBuckets []float64
}

// DefaultExporterConfig returns default exporter configuration.
func DefaultExporterConfig() ExporterConfig {
	return ExporterConfig{
		LatencyBuckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}
}

var confidenceBuckets = []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1}

// NewPrometheusExporter creates a metrics exporter.
func NewPrometheusExporter(cfg ExporterConfig) *PrometheusExporter {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultExporterConfig().LatencyBuckets
	}

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := &PrometheusExporter{registry: registry}

	e.requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "switchboard",
			Subsystem: "core",
			Name:      "requests_total",
			Help:      "Total number of processed requests",
		},
		[]string{"handler", "method", "status"},
	)

	e.requestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "switchboard",
			Subsystem: "core",
			Name:      "request_latency_seconds",
			Help:      "Request processing latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"handler"},
	)

	e.activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "switchboard",
			Subsystem: "core",
			Name:      "active_requests",
			Help:      "Number of requests currently in flight",
		},
	)

	e.overloads = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "switchboard",
			Subsystem: "core",
			Name:      "overload_rejections_total",
			Help:      "Requests rejected because the inflight limit was reached",
		},
	)

	e.routeDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "switchboard",
			Subsystem: "core",
			Name:      "route_decisions_total",
			Help:      "Routing decisions by pipeline stage",
		},
		[]string{"method"},
	)

	e.routeConfidence = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "switchboard",
			Subsystem: "core",
			Name:      "route_confidence",
			Help:      "Confidence of routing decisions",
			Buckets:   confidenceBuckets,
		},
		[]string{"method"},
	)

	e.toolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "switchboard",
			Subsystem: "core",
			Name:      "tool_calls_total",
			Help:      "Total number of tool invocations",
		},
		[]string{"tool_name", "status"},
	)

	e.toolLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "switchboard",
			Subsystem: "core",
			Name:      "tool_latency_seconds",
			Help:      "Tool invocation latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"tool_name"},
	)

	e.llmTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "switchboard",
			Subsystem: "core",
			Name:      "llm_tokens_total",
			Help:      "Total LLM tokens consumed",
		},
		[]string{"model", "token_type"},
	)

	e.llmLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "switchboard",
			Subsystem: "core",
			Name:      "llm_latency_seconds",
			Help:      "LLM request latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"model", "provider"},
	)

	e.cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "switchboard",
			Subsystem: "core",
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	e.cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "switchboard",
			Subsystem: "core",
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	e.persistRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "switchboard",
			Subsystem: "core",
			Name:      "persist_retries_total",
			Help:      "State persistence attempts beyond the first",
		},
	)

	e.dirtyStates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "switchboard",
			Subsystem: "core",
			Name:      "dirty_states_total",
			Help:      "Turns completed with unpersisted state",
		},
	)

	e.checkpoints = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "switchboard",
			Subsystem: "core",
			Name:      "checkpoints_total",
			Help:      "Checkpoint creations by outcome",
		},
		[]string{"status"},
	)

	e.errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "switchboard",
			Subsystem: "core",
			Name:      "errors_total",
			Help:      "Classified errors by type",
		},
		[]string{"error_type"},
	)

	e.safetyViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "switchboard",
			Subsystem: "core",
			Name:      "safety_violations_total",
			Help:      "Safety filter violations by direction and category",
		},
		[]string{"direction", "category"},
	)

	registry.MustRegister(
		e.requests,
		e.requestLatency,
		e.activeSessions,
		e.overloads,
		e.routeDecisions,
		e.routeConfidence,
		e.toolCalls,
		e.toolLatency,
		e.llmTokens,
		e.llmLatency,
		e.cacheHits,
		e.cacheMisses,
		e.persistRetries,
		e.dirtyStates,
		e.checkpoints,
		e.errorsTotal,
		e.safetyViolations,
	)

	return e
}

// RecordRequest records one processed request.
func (e *PrometheusExporter) RecordRequest(handler, method string, latency time.Duration, success bool) {
	if handler == "" {
		handler = "none"
	}
	status := "success"
	if !success {
		status = "error"
	}
	e.requests.WithLabelValues(handler, method, status).Inc()
	e.requestLatency.WithLabelValues(handler).Observe(latency.Seconds())
}

// RecordRouteDecision records the stage and confidence of a decision.
func (e *PrometheusExporter) RecordRouteDecision(method string, confidence float64) {
	e.routeDecisions.WithLabelValues(method).Inc()
	e.routeConfidence.WithLabelValues(method).Observe(confidence)
}

// RecordToolCall records a tool invocation.
func (e *PrometheusExporter) RecordToolCall(toolName string, latency time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	e.toolCalls.WithLabelValues(toolName, status).Inc()
	e.toolLatency.WithLabelValues(toolName).Observe(latency.Seconds())
}

// RecordLLMCall records latency and token usage of one provider call.
func (e *PrometheusExporter) RecordLLMCall(model, provider string, latency time.Duration, promptTokens, completionTokens int) {
	e.llmLatency.WithLabelValues(model, provider).Observe(latency.Seconds())
	if promptTokens > 0 {
		e.llmTokens.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		e.llmTokens.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
}

// RecordCacheHit records a cache hit.
func (e *PrometheusExporter) RecordCacheHit(cacheType string) {
	e.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss.
func (e *PrometheusExporter) RecordCacheMiss(cacheType string) {
	e.cacheMisses.WithLabelValues(cacheType).Inc()
}

// AddActiveRequests adjusts the inflight gauge.
func (e *PrometheusExporter) AddActiveRequests(delta int) {
	e.activeSessions.Add(float64(delta))
}

// RecordOverload counts a rejected request.
func (e *PrometheusExporter) RecordOverload() {
	e.overloads.Inc()
}

// RecordPersistRetry counts one persistence retry.
func (e *PrometheusExporter) RecordPersistRetry() {
	e.persistRetries.Inc()
}

// RecordDirtyState counts a turn that finished without durable state.
func (e *PrometheusExporter) RecordDirtyState() {
	e.dirtyStates.Inc()
}

// RecordCheckpoint counts a checkpoint attempt.
func (e *PrometheusExporter) RecordCheckpoint(success bool) {
	status := "success"
	if !success {
		status = "deferred"
	}
	e.checkpoints.WithLabelValues(status).Inc()
}

// RecordError counts a classified error.
func (e *PrometheusExporter) RecordError(errorType string) {
	e.errorsTotal.WithLabelValues(errorType).Inc()
}

// RecordSafetyViolation counts a safety filter hit.
func (e *PrometheusExporter) RecordSafetyViolation(direction, category string) {
	e.safetyViolations.WithLabelValues(direction, category).Inc()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (e *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// ServeHTTP implements http.Handler for the metrics endpoint.
func (e *PrometheusExporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.Handler().ServeHTTP(w, r)
}

// Registry returns the underlying Prometheus registry.
func (e *PrometheusExporter) Registry() *prometheus.Registry {
	return e.registry
}
