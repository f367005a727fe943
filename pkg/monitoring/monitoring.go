// Package monitoring provides metrics, tracing and health checks for conductor
package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/rizome-dev/conductor/pkg/config"
	"github.com/rizome-dev/conductor/pkg/logging"
)

// Version is reported in health info and trace resources
var Version = "dev"

// Monitor manages metrics, tracing and health checks. A nil *Monitor is
// valid and records nothing.
type Monitor struct {
	config   *config.MonitoringConfig
	registry *prometheus.Registry
	tracer   oteltrace.Tracer
	provider *sdktrace.TracerProvider
	logger   *logging.Logger
	started  time.Time

	metrics *Metrics

	healthChecks map[string]HealthChecker
	healthMu     sync.RWMutex

	running bool
	cancel  context.CancelFunc
	mu      sync.RWMutex
}

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Task metrics
	TasksSubmitted *prometheus.CounterVec
	TasksCompleted *prometheus.CounterVec
	TasksFailed    *prometheus.CounterVec
	TasksRetried   *prometheus.CounterVec
	TasksCancelled *prometheus.CounterVec
	TaskDuration   *prometheus.HistogramVec
	QueueDepth     *prometheus.GaugeVec
	TasksInFlight  *prometheus.GaugeVec

	// Workflow metrics
	WorkflowsStarted  prometheus.Counter
	WorkflowsFinished *prometheus.CounterVec
	WorkflowsActive   prometheus.Gauge
	WorkflowDuration  prometheus.Histogram
	StepDuration      *prometheus.HistogramVec

	// Event fan-out metrics
	EventsPublished *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec

	// Runtime metrics
	RuntimeOperations *prometheus.CounterVec
	RuntimeLatency    *prometheus.HistogramVec

	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// gRPC metrics
	GRPCRequestsTotal *prometheus.CounterVec

	// System metrics
	GoroutineCount prometheus.Gauge
	ProcessMemory  prometheus.Gauge
}

// HealthChecker interface for health checks
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker
type HealthCheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

func (h HealthCheckFunc) Name() string                    { return h.CheckName }
func (h HealthCheckFunc) Check(ctx context.Context) error { return h.Fn(ctx) }

// HealthStatus represents the health status
type HealthStatus struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
	Info   map[string]interface{} `json:"info"`
}

// CheckResult represents a single health check result
type CheckResult struct {
	Status  string        `json:"status"`
	Error   string        `json:"error,omitempty"`
	Latency time.Duration `json:"latency"`
}

// NewMonitor creates a new monitoring instance
func NewMonitor(cfg *config.MonitoringConfig, logger *logging.Logger) (*Monitor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("monitoring config is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	m := &Monitor{
		config:       cfg,
		registry:     prometheus.NewRegistry(),
		tracer:       otel.Tracer("conductor"),
		logger:       logger.WithComponent("monitoring"),
		started:      time.Now(),
		healthChecks: make(map[string]HealthChecker),
	}

	if err := m.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if cfg.Tracing.Enabled {
		if err := m.initTracing(); err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
	}

	return m, nil
}

// Start starts background collection and periodic health checks
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("monitor is already running")
	}
	m.running = true

	ctx, m.cancel = context.WithCancel(ctx)
	go m.collectSystemMetrics(ctx)
	if m.config.HealthChecks.Enabled && m.config.HealthChecks.Interval > 0 {
		go m.runHealthChecks(ctx)
	}

	m.logger.Info("monitoring started")
	return nil
}

// IsRunning returns whether the monitor is currently running
func (m *Monitor) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Stop stops background work and flushes pending spans
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	if m.provider != nil {
		if err := m.provider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown tracer provider: %w", err)
		}
	}
	m.logger.Info("monitoring stopped")
	return nil
}

// GetMetrics returns the metrics instance
func (m *Monitor) GetMetrics() *Metrics {
	return m.metrics
}

// Registry returns the Prometheus registry backing the metrics
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsHandler serves the registry in the Prometheus exposition format
func (m *Monitor) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// GetTracer returns the OpenTelemetry tracer
func (m *Monitor) GetTracer() oteltrace.Tracer {
	return m.tracer
}

// RegisterHealthCheck registers a new health checker
func (m *Monitor) RegisterHealthCheck(checker HealthChecker) {
	m.healthMu.Lock()
	defer m.healthMu.Unlock()
	m.healthChecks[checker.Name()] = checker
}

// UnregisterHealthCheck removes a health checker
func (m *Monitor) UnregisterHealthCheck(name string) {
	m.healthMu.Lock()
	defer m.healthMu.Unlock()
	delete(m.healthChecks, name)
}

// GetHealthStatus runs every registered check and aggregates the results
func (m *Monitor) GetHealthStatus(ctx context.Context) *HealthStatus {
	m.healthMu.RLock()
	checkers := make([]HealthChecker, 0, len(m.healthChecks))
	for _, c := range m.healthChecks {
		checkers = append(checkers, c)
	}
	m.healthMu.RUnlock()

	if m.config.HealthChecks.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.HealthChecks.Timeout)
		defer cancel()
	}

	status := &HealthStatus{
		Status: "healthy",
		Checks: make(map[string]CheckResult, len(checkers)),
		Info: map[string]interface{}{
			"timestamp": time.Now().UTC(),
			"uptime":    time.Since(m.started).String(),
			"version":   Version,
		},
	}

	for _, checker := range checkers {
		start := time.Now()
		err := checker.Check(ctx)
		result := CheckResult{Status: "healthy", Latency: time.Since(start)}
		if err != nil {
			status.Status = "unhealthy"
			result.Status = "unhealthy"
			result.Error = err.Error()
		}
		status.Checks[checker.Name()] = result
	}

	return status
}

// HealthHandler serves GetHealthStatus as JSON, 503 when unhealthy
func (m *Monitor) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := m.GetHealthStatus(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if status.Status == "healthy" {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	}
}

func (m *Monitor) initMetrics() error {
	ns := m.config.Metrics.Namespace
	if ns == "" {
		ns = "conductor"
	}

	m.metrics = &Metrics{
		TasksSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "tasks_submitted_total",
			Help: "Total number of submitted tasks",
		}, []string{"agent_type"}),
		TasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "tasks_completed_total",
			Help: "Total number of tasks whose handler succeeded",
		}, []string{"agent_type", "status"}),
		TasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "tasks_failed_total",
			Help: "Total number of terminally failed tasks",
		}, []string{"agent_type"}),
		TasksRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "tasks_retried_total",
			Help: "Total number of task retries",
		}, []string{"agent_type"}),
		TasksCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "tasks_cancelled_total",
			Help: "Total number of cancelled tasks",
		}, []string{"agent_type"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "task_duration_seconds",
			Help:    "Handler processing duration",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"agent_type"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Name: "queue_depth",
			Help: "Number of queued tasks per agent type",
		}, []string{"agent_type"}),
		TasksInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Name: "tasks_in_flight",
			Help: "Number of tasks being processed per agent type",
		}, []string{"agent_type"}),

		WorkflowsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "workflows_started_total",
			Help: "Total number of started workflow executions",
		}),
		WorkflowsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "workflows_finished_total",
			Help: "Total number of finished workflow executions",
		}, []string{"status"}),
		WorkflowsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "workflows_active",
			Help: "Number of running or paused workflow executions",
		}),
		WorkflowDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Name: "workflow_duration_seconds",
			Help:    "Workflow execution duration",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "workflow_step_duration_seconds",
			Help:    "Workflow step duration",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"agent_type", "status"}),

		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "events_published_total",
			Help: "Events forwarded to an external sink",
		}, []string{"sink"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "events_dropped_total",
			Help: "Events dropped because the sink buffer was full or publishing failed",
		}, []string{"sink", "reason"}),

		RuntimeOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "runtime_jobs_total",
			Help: "Container jobs run by agent runtimes",
		}, []string{"runtime", "result"}),
		RuntimeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "runtime_job_duration_seconds",
			Help:    "Container job duration",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"runtime"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		HTTPRequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "http_requests_in_flight",
			Help: "Number of HTTP requests being served",
		}),

		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "grpc_requests_total",
			Help: "Total number of gRPC requests",
		}, []string{"method", "code"}),

		GoroutineCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "goroutines",
			Help: "Number of goroutines",
		}),
		ProcessMemory: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "memory_alloc_bytes",
			Help: "Bytes of allocated heap objects",
		}),
	}

	collectorsList := []prometheus.Collector{
		m.metrics.TasksSubmitted, m.metrics.TasksCompleted, m.metrics.TasksFailed,
		m.metrics.TasksRetried, m.metrics.TasksCancelled, m.metrics.TaskDuration,
		m.metrics.QueueDepth, m.metrics.TasksInFlight,
		m.metrics.WorkflowsStarted, m.metrics.WorkflowsFinished, m.metrics.WorkflowsActive,
		m.metrics.WorkflowDuration, m.metrics.StepDuration,
		m.metrics.EventsPublished, m.metrics.EventsDropped,
		m.metrics.RuntimeOperations, m.metrics.RuntimeLatency,
		m.metrics.HTTPRequestsTotal, m.metrics.HTTPRequestDuration, m.metrics.HTTPRequestsInFlight,
		m.metrics.GRPCRequestsTotal,
		m.metrics.GoroutineCount, m.metrics.ProcessMemory,
		collectors.NewGoCollector(),
	}
	for _, c := range collectorsList {
		if err := m.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Monitor) initTracing() error {
	ctx := context.Background()

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(m.config.Tracing.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(m.config.Tracing.ServiceName),
			semconv.ServiceVersionKey.String(Version),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	batchTimeout := m.config.Tracing.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 5 * time.Second
	}

	m.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(batchTimeout)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(m.config.Tracing.SampleRate))),
	)

	otel.SetTracerProvider(m.provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	m.tracer = m.provider.Tracer("conductor")

	return nil
}

func (m *Monitor) collectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		m.sampleSystemMetrics()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) sampleSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.metrics.ProcessMemory.Set(float64(memStats.Alloc))
	m.metrics.GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

func (m *Monitor) runHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(m.config.HealthChecks.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := m.GetHealthStatus(ctx)
			if status.Status != "healthy" {
				m.logger.WithField("checks", status.Checks).Warn("health check failed")
			}
		}
	}
}

// StartSpan starts a new trace span
func (m *Monitor) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	if m == nil || m.tracer == nil {
		return ctx, oteltrace.SpanFromContext(ctx)
	}
	return m.tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// RecordTaskSubmitted records a new queued task
func (m *Monitor) RecordTaskSubmitted(agentType string) {
	if m == nil {
		return
	}
	m.metrics.TasksSubmitted.WithLabelValues(agentType).Inc()
}

// RecordTaskCompleted records a successful handler run; status is the
// resulting task status
func (m *Monitor) RecordTaskCompleted(agentType, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.metrics.TasksCompleted.WithLabelValues(agentType, status).Inc()
	m.metrics.TaskDuration.WithLabelValues(agentType).Observe(duration.Seconds())
}

// RecordTaskFailed records a terminal task failure
func (m *Monitor) RecordTaskFailed(agentType string) {
	if m == nil {
		return
	}
	m.metrics.TasksFailed.WithLabelValues(agentType).Inc()
}

// RecordTaskRetried records a requeue after a failure
func (m *Monitor) RecordTaskRetried(agentType string) {
	if m == nil {
		return
	}
	m.metrics.TasksRetried.WithLabelValues(agentType).Inc()
}

// RecordTaskCancelled records a cancellation
func (m *Monitor) RecordTaskCancelled(agentType string) {
	if m == nil {
		return
	}
	m.metrics.TasksCancelled.WithLabelValues(agentType).Inc()
}

// SetQueueState publishes the queue depth and in-flight count for an agent type
func (m *Monitor) SetQueueState(agentType string, queued, inFlight int) {
	if m == nil {
		return
	}
	m.metrics.QueueDepth.WithLabelValues(agentType).Set(float64(queued))
	m.metrics.TasksInFlight.WithLabelValues(agentType).Set(float64(inFlight))
}

// RecordWorkflowStarted records a workflow creation event
func (m *Monitor) RecordWorkflowStarted() {
	if m == nil {
		return
	}
	m.metrics.WorkflowsStarted.Inc()
	m.metrics.WorkflowsActive.Inc()
}

// RecordWorkflowFinished records a workflow reaching a terminal status
func (m *Monitor) RecordWorkflowFinished(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.metrics.WorkflowsActive.Dec()
	m.metrics.WorkflowsFinished.WithLabelValues(status).Inc()
	m.metrics.WorkflowDuration.Observe(duration.Seconds())
}

// RecordStep records one workflow step outcome
func (m *Monitor) RecordStep(agentType, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.metrics.StepDuration.WithLabelValues(agentType, status).Observe(duration.Seconds())
}

// RecordEventPublished records an event delivered to an external sink
func (m *Monitor) RecordEventPublished(sink string) {
	if m == nil {
		return
	}
	m.metrics.EventsPublished.WithLabelValues(sink).Inc()
}

// RecordEventDropped records an event the sink did not receive
func (m *Monitor) RecordEventDropped(sink, reason string) {
	if m == nil {
		return
	}
	m.metrics.EventsDropped.WithLabelValues(sink, reason).Inc()
}

// RecordRuntimeOperation records a container job
func (m *Monitor) RecordRuntimeOperation(runtimeName string, latency time.Duration, success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "error"
	}
	m.metrics.RuntimeOperations.WithLabelValues(runtimeName, result).Inc()
	m.metrics.RuntimeLatency.WithLabelValues(runtimeName).Observe(latency.Seconds())
}

// RecordHTTPRequest records a served HTTP request. route is the matched
// route pattern so path parameters do not explode label cardinality.
func (m *Monitor) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.metrics.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.metrics.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// TrackHTTPInFlight adjusts the in-flight HTTP request gauge by delta
func (m *Monitor) TrackHTTPInFlight(delta float64) {
	if m == nil {
		return
	}
	m.metrics.HTTPRequestsInFlight.Add(delta)
}

// RecordGRPCRequest records a served gRPC call
func (m *Monitor) RecordGRPCRequest(method, code string) {
	if m == nil {
		return
	}
	m.metrics.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
}
