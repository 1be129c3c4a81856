package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	turnsTotal   *prometheus.CounterVec
	turnDuration *prometheus.HistogramVec

	toolCallsTotal *prometheus.CounterVec
	toolDuration   *prometheus.HistogramVec

	modelRequestsTotal   *prometheus.CounterVec
	modelRequestDuration *prometheus.HistogramVec
	modelRetriesTotal    *prometheus.CounterVec

	sessionsByStatus *prometheus.GaugeVec
	sessionsTotal    prometheus.Counter
	eventsDropped    prometheus.Counter

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	streamClients       prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			turnsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentd_turns_total",
					Help: "Total turns by provider and outcome.",
				},
				[]string{"provider", "outcome"},
			),
			turnDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agentd_turn_duration_seconds",
					Help:    "Turn duration in seconds by provider.",
					Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
				},
				[]string{"provider"},
			),
			toolCallsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentd_tool_calls_total",
					Help: "Total tool calls by tool and disposition (executed, cached, error).",
				},
				[]string{"tool", "disposition"},
			),
			toolDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agentd_tool_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			modelRequestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentd_model_requests_total",
					Help: "Total model backend requests by provider and status.",
				},
				[]string{"provider", "status"},
			),
			modelRequestDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agentd_model_request_duration_seconds",
					Help:    "Model backend request duration in seconds by provider.",
					Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30, 60},
				},
				[]string{"provider"},
			),
			modelRetriesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentd_model_retries_total",
					Help: "Total model backend retries by provider.",
				},
				[]string{"provider"},
			),
			sessionsByStatus: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "agentd_sessions",
					Help: "Current sessions by status.",
				},
				[]string{"status"},
			),
			sessionsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "agentd_sessions_created_total",
					Help: "Total sessions created.",
				},
			),
			eventsDropped: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "agentd_events_dropped_total",
					Help: "Total events evicted from ring buffers.",
				},
			),
			httpRequestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentd_http_requests_total",
					Help: "Total facade requests by route and status code.",
				},
				[]string{"route", "code"},
			),
			httpRequestDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agentd_http_request_duration_seconds",
					Help:    "Facade request duration in seconds by route.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"route"},
			),
			streamClients: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "agentd_stream_clients",
					Help: "Connected websocket event stream clients.",
				},
			),
		}

		prometheus.MustRegister(
			m.turnsTotal,
			m.turnDuration,
			m.toolCallsTotal,
			m.toolDuration,
			m.modelRequestsTotal,
			m.modelRequestDuration,
			m.modelRetriesTotal,
			m.sessionsByStatus,
			m.sessionsTotal,
			m.eventsDropped,
			m.httpRequestsTotal,
			m.httpRequestDuration,
			m.streamClients,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler returns the Prometheus scrape handler.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

// RecordTurn records a completed turn with its terminal outcome.
func RecordTurn(provider, outcome string, duration time.Duration) {
	m := getMetrics()
	m.turnsTotal.WithLabelValues(provider, outcome).Inc()
	m.turnDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordToolCall records one effective tool call. Disposition is
// "executed", "cached", or "error".
func RecordToolCall(tool, disposition string, duration time.Duration) {
	m := getMetrics()
	m.toolCallsTotal.WithLabelValues(tool, disposition).Inc()
	if disposition == "executed" {
		m.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
	}
}

// RecordModelRequest records a model backend round trip.
func RecordModelRequest(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.modelRequestsTotal.WithLabelValues(provider, status).Inc()
	m.modelRequestDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordModelRetry records a retry of a failed model request.
func RecordModelRetry(provider string) {
	getMetrics().modelRetriesTotal.WithLabelValues(provider).Inc()
}

// SetSessionsByStatus sets the session gauge for one status.
func SetSessionsByStatus(status string, count int) {
	getMetrics().sessionsByStatus.WithLabelValues(status).Set(float64(count))
}

// RecordSessionCreated increments the created-sessions counter.
func RecordSessionCreated() {
	getMetrics().sessionsTotal.Inc()
}

// RecordEventsDropped counts events evicted from a session ring buffer.
func RecordEventsDropped(n int) {
	if n > 0 {
		getMetrics().eventsDropped.Add(float64(n))
	}
}

// RecordHTTPRequest records one facade request.
func RecordHTTPRequest(route, code string, duration time.Duration) {
	m := getMetrics()
	m.httpRequestsTotal.WithLabelValues(route, code).Inc()
	m.httpRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// StreamClientConnected adjusts the websocket client gauge.
func StreamClientConnected(delta int) {
	getMetrics().streamClients.Add(float64(delta))
}
