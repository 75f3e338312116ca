// Package metrics provides Prometheus metrics collection for the pipeline.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/docflow/idp-core/internal/runtime"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Status API HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Stage metrics
	StageRunsTotal    *prometheus.CounterVec
	StageDuration     *prometheus.HistogramVec
	DocumentsInFlight *prometheus.GaugeVec

	// Provider metrics
	ProviderCallsTotal    *prometheus.CounterVec
	ProviderCallDuration  *prometheus.HistogramVec
	CircuitBreakerState   *prometheus.GaugeVec

	// Admission metrics
	AdmissionDecisionsTotal *prometheus.CounterVec
	AdmissionInFlight       prometheus.Gauge

	// Tracking store metrics
	DatabaseQueriesTotal    *prometheus.CounterVec
	DatabaseQueryDuration   *prometheus.HistogramVec
	DatabaseConnectionsOpen prometheus.Gauge

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests to the status API",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors, labeled by taxonomy kind",
			},
			[]string{"service", "kind", "stage"},
		),

		StageRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_stage_runs_total",
				Help: "Total number of pipeline stage executions",
			},
			[]string{"stage", "status"},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_stage_duration_seconds",
				Help:    "Pipeline stage duration in seconds",
				Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"stage"},
		),
		DocumentsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipeline_documents_in_flight",
				Help: "Current number of documents in each pipeline status",
			},
			[]string{"status"},
		),

		ProviderCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_calls_total",
				Help: "Total number of calls to document-processing providers",
			},
			[]string{"stage", "provider", "status"},
		),
		ProviderCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "provider_call_duration_seconds",
				Help:    "Provider call duration in seconds",
				Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"stage", "provider"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "provider_circuit_breaker_state",
				Help: "Circuit breaker state per provider (0=closed, 1=half-open, 2=open)",
			},
			[]string{"stage", "provider"},
		),

		AdmissionDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admission_decisions_total",
				Help: "Total number of admission decisions",
			},
			[]string{"decision"},
		),
		AdmissionInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "admission_in_flight_documents",
				Help: "Current number of documents counted against the admission concurrency limit",
			},
		),

		DatabaseQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracking_store_queries_total",
				Help: "Total number of tracking store data-API queries",
			},
			[]string{"service", "operation", "status"},
		),
		DatabaseQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tracking_store_query_duration_seconds",
				Help:    "Tracking store query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service", "operation"},
		),
		DatabaseConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tracking_store_connections_open",
				Help: "Current number of open connections to the Postgres instance backing the tracking store",
			},
		),

		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.StageRunsTotal,
			m.StageDuration,
			m.DocumentsInFlight,
			m.ProviderCallsTotal,
			m.ProviderCallDuration,
			m.CircuitBreakerState,
			m.AdmissionDecisionsTotal,
			m.AdmissionInFlight,
			m.DatabaseQueriesTotal,
			m.DatabaseQueryDuration,
			m.DatabaseConnectionsOpen,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records a status API HTTP request.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error, labeled by its taxonomy kind.
func (m *Metrics) RecordError(service, kind, stage string) {
	m.ErrorsTotal.WithLabelValues(service, kind, stage).Inc()
}

// RecordStageRun records a pipeline stage execution.
func (m *Metrics) RecordStageRun(stage, status string, duration time.Duration) {
	m.StageRunsTotal.WithLabelValues(stage, status).Inc()
	m.StageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// SetDocumentsInFlight sets the number of documents currently in a given
// pipeline status.
func (m *Metrics) SetDocumentsInFlight(status string, count int) {
	m.DocumentsInFlight.WithLabelValues(status).Set(float64(count))
}

// RecordProviderCall records a call to a document-processing provider.
func (m *Metrics) RecordProviderCall(stage, provider, status string, duration time.Duration) {
	m.ProviderCallsTotal.WithLabelValues(stage, provider, status).Inc()
	m.ProviderCallDuration.WithLabelValues(stage, provider).Observe(duration.Seconds())
}

// SetCircuitBreakerState records the current circuit breaker state for a
// provider (0=closed, 1=half-open, 2=open).
func (m *Metrics) SetCircuitBreakerState(stage, provider string, state int) {
	m.CircuitBreakerState.WithLabelValues(stage, provider).Set(float64(state))
}

// RecordAdmissionDecision records an admission decision ("admitted",
// "rejected_capacity", "rejected_duplicate").
func (m *Metrics) RecordAdmissionDecision(decision string) {
	m.AdmissionDecisionsTotal.WithLabelValues(decision).Inc()
}

// SetAdmissionInFlight sets the current admission-counted in-flight total.
func (m *Metrics) SetAdmissionInFlight(count int) {
	m.AdmissionInFlight.Set(float64(count))
}

// RecordDatabaseQuery records a tracking store data-API query.
func (m *Metrics) RecordDatabaseQuery(service, operation, status string, duration time.Duration) {
	m.DatabaseQueriesTotal.WithLabelValues(service, operation, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// SetDatabaseConnections sets the number of open tracking store connections.
func (m *Metrics) SetDatabaseConnections(count int) {
	m.DatabaseConnectionsOpen.Set(float64(count))
}

// UpdateUptime updates the service uptime.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight HTTP requests counter.
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight HTTP requests counter.
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

// Helper functions

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
//   - production: disabled unless explicitly enabled via METRICS_ENABLED
//   - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	return runtime.ParseBoolValue(raw)
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
