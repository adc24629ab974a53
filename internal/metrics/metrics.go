// Package metrics implements C4 (the metrics collector) and C11 (the
// health/readiness HTTP surface). Grounded on cuemby-warren's
// pkg/metrics/metrics.go for the metric shapes and pkg/metrics/health.go
// for the health-check registry, but instance-scoped rather than
// package-global — a watcher and a listener running in the same test
// binary must not share one prometheus.Registry.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink is the capability interface for publishing runtime metrics. A
// caller that disables metrics (enable_metrics=false) is handed a
// NoopSink instead of reflecting on whether a collector is present,
// per spec.md §9's "optional dependencies via capability interfaces"
// note.
type Sink interface {
	TaskReceived()
	TaskCompleted(status string, duration time.Duration)
	TaskFailed(reason string)
	TaskRetried()
	TaskDLQ()
	SetQueueSize(n int)
	SetActiveTasks(n int)
	SetCircuitBreakerState(state string)
	Handler() http.Handler
}

// NoopSink discards every observation. Used when enable_metrics=false.
type NoopSink struct{}

func (NoopSink) TaskReceived()                                {}
func (NoopSink) TaskCompleted(status string, d time.Duration) {}
func (NoopSink) TaskFailed(reason string)                     {}
func (NoopSink) TaskRetried()                                 {}
func (NoopSink) TaskDLQ()                                      {}
func (NoopSink) SetQueueSize(n int)                           {}
func (NoopSink) SetActiveTasks(n int)                         {}
func (NoopSink) SetCircuitBreakerState(state string)          {}
func (NoopSink) Handler() http.Handler {
	return http.NotFoundHandler()
}

// circuitBreakerGaugeValue maps a breaker.State string to the spec's
// numeric encoding: 0 closed, 1 open, 2 half-open.
func circuitBreakerGaugeValue(state string) float64 {
	switch state {
	case "open":
		return 1
	case "half_open":
		return 2
	default:
		return 0
	}
}

// PromSink is the prometheus/client_golang-backed Sink implementation,
// the metrics spec.md §4.4 requires.
type PromSink struct {
	registry *prometheus.Registry

	tasksReceived       prometheus.Counter
	tasksProcessedTotal *prometheus.CounterVec
	tasksFailedTotal    *prometheus.CounterVec
	taskDuration        prometheus.Histogram
	tasksRetried        prometheus.Counter
	tasksDLQ            prometheus.Counter
	queueSize           prometheus.Gauge
	activeTasks         prometheus.Gauge
	circuitBreakerState prometheus.Gauge
}

// NewPromSink builds a Sink with its own registry, prefixing every
// metric name with namespace (the binaries pass "agentrt_watcher" and
// "agentrt_listener"; the worker name is not part of it).
func NewPromSink(namespace string) *PromSink {
	reg := prometheus.NewRegistry()

	s := &PromSink{
		registry: reg,
		tasksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_received_total",
			Help:      "Total number of task files observed.",
		}),
		tasksProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_processed_total",
			Help:      "Total number of tasks processed, by status.",
		}, []string{"status"}),
		tasksFailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_failed_total",
			Help:      "Total number of task failures, by reason.",
		}, []string{"reason"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task execution duration in seconds.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),
		tasksRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_retried_total",
			Help:      "Total number of task retries scheduled.",
		}),
		tasksDLQ: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_dlq_total",
			Help:      "Total number of tasks moved to the dead-letter queue.",
		}),
		queueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_size",
			Help:      "Current number of tasks queued for execution.",
		}),
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tasks",
			Help:      "Current number of tasks executing concurrently.",
		}),
		circuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 open, 2 half-open.",
		}),
	}

	reg.MustRegister(
		s.tasksReceived,
		s.tasksProcessedTotal,
		s.tasksFailedTotal,
		s.taskDuration,
		s.tasksRetried,
		s.tasksDLQ,
		s.queueSize,
		s.activeTasks,
		s.circuitBreakerState,
	)
	return s
}

func (s *PromSink) TaskReceived() { s.tasksReceived.Inc() }

func (s *PromSink) TaskCompleted(status string, d time.Duration) {
	s.tasksProcessedTotal.WithLabelValues(status).Inc()
	s.taskDuration.Observe(d.Seconds())
}

func (s *PromSink) TaskFailed(reason string) { s.tasksFailedTotal.WithLabelValues(reason).Inc() }

func (s *PromSink) TaskRetried() { s.tasksRetried.Inc() }
func (s *PromSink) TaskDLQ()     { s.tasksDLQ.Inc() }

func (s *PromSink) SetQueueSize(n int)   { s.queueSize.Set(float64(n)) }
func (s *PromSink) SetActiveTasks(n int) { s.activeTasks.Set(float64(n)) }

func (s *PromSink) SetCircuitBreakerState(state string) {
	s.circuitBreakerState.Set(circuitBreakerGaugeValue(state))
}

// Handler returns the prometheus scrape handler bound to this sink's
// private registry.
func (s *PromSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// ComponentHealth tracks the health of a single named component.
type ComponentHealth struct {
	Healthy bool
	Message string
	Updated time.Time
}

// HealthStatus is the JSON body returned by /healthz and /readyz.
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Uptime     string            `json:"uptime"`
}

// HealthChecker is an instance-scoped component registry, grounded on
// cuemby-warren's HealthChecker but without the package-level var —
// each watcher/listener owns one.
type HealthChecker struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	required   []string
	startTime  time.Time
}

// NewHealthChecker builds a checker. required names the components
// that must all be healthy for readiness (e.g. "file_watcher",
// "heartbeat").
func NewHealthChecker(required ...string) *HealthChecker {
	return &HealthChecker{
		components: make(map[string]ComponentHealth),
		required:   required,
		startTime:  time.Now(),
	}
}

// Set records the current health of a component.
func (h *HealthChecker) Set(name string, healthy bool, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.components[name] = ComponentHealth{Healthy: healthy, Message: message, Updated: time.Now()}
}

// Liveness always reports healthy if the process can serve the request.
func (h *HealthChecker) Liveness() HealthStatus {
	return HealthStatus{Status: "healthy", Timestamp: time.Now(), Uptime: time.Since(h.startTime).String()}
}

// Readiness reports "ready" only once every required component has
// reported healthy.
func (h *HealthChecker) Readiness() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "ready"
	components := make(map[string]string, len(h.required))
	for _, name := range h.required {
		comp, ok := h.components[name]
		switch {
		case !ok:
			status = "not_ready"
			components[name] = "not registered"
		case !comp.Healthy:
			status = "not_ready"
			components[name] = "unhealthy: " + comp.Message
		default:
			components[name] = "ready"
		}
	}
	return HealthStatus{Status: status, Timestamp: time.Now(), Components: components, Uptime: time.Since(h.startTime).String()}
}

// LivenessHandler serves /healthz.
func (h *HealthChecker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, h.Liveness(), http.StatusOK)
	}
}

// ReadinessHandler serves /readyz.
func (h *HealthChecker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := h.Readiness()
		code := http.StatusOK
		if status.Status != "ready" {
			code = http.StatusServiceUnavailable
		}
		writeHealth(w, status, code)
	}
}

func writeHealth(w http.ResponseWriter, status HealthStatus, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}
