package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	turnsTotal    *prometheus.CounterVec
	turnDuration  *prometheus.HistogramVec
	activeTurns   prometheus.Gauge
	streamEvents  *prometheus.CounterVec
	streamBuffer  prometheus.Gauge
	streamDropped prometheus.Counter

	toolInvocationTotal    *prometheus.CounterVec
	toolInvocationDuration *prometheus.HistogramVec
	toolRetriesTotal       *prometheus.CounterVec

	quotaReservationsTotal *prometheus.CounterVec
	quotaDeniedTotal       prometheus.Counter
	quotaSweptTotal        prometheus.Counter

	modelStreamTotal    *prometheus.CounterVec
	modelStreamDuration *prometheus.HistogramVec

	activeSessions prometheus.Gauge
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
					Name: "turns_total",
					Help: "Total turns by terminal state.",
				},
				[]string{"state"},
			),
			turnDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "turn_duration_seconds",
					Help:    "Turn duration in seconds by terminal state.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"state"},
			),
			activeTurns: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_turns",
					Help: "Turns currently in a non-terminal state.",
				},
			),
			streamEvents: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "stream_events_total",
					Help: "Total stream events emitted by kind.",
				},
				[]string{"kind"},
			),
			streamBuffer: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "stream_buffer_depth",
					Help: "Current coordinator buffer depth across turns.",
				},
			),
			streamDropped: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "stream_overflow_total",
					Help: "Total streams terminated by buffer overflow.",
				},
			),
			toolInvocationTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_invocations_total",
					Help: "Total tool invocations by protocol and status.",
				},
				[]string{"protocol", "status"},
			),
			toolInvocationDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_invocation_duration_seconds",
					Help:    "Tool invocation duration in seconds by protocol.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"protocol"},
			),
			toolRetriesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_retries_total",
					Help: "Total automatic retries by tool.",
				},
				[]string{"tool"},
			),
			quotaReservationsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "quota_reservations_total",
					Help: "Total quota reservations resolved by outcome.",
				},
				[]string{"outcome"},
			),
			quotaDeniedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "quota_denied_total",
					Help: "Total admission denials.",
				},
			),
			quotaSweptTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "quota_swept_total",
					Help: "Total abandoned reservations released by the reconciler.",
				},
			),
			modelStreamTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "model_stream_total",
					Help: "Total model streams by provider and status.",
				},
				[]string{"provider", "status"},
			),
			modelStreamDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "model_stream_duration_seconds",
					Help:    "Model stream duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current active session count.",
				},
			),
		}

		prometheus.MustRegister(
			m.turnsTotal,
			m.turnDuration,
			m.activeTurns,
			m.streamEvents,
			m.streamBuffer,
			m.streamDropped,
			m.toolInvocationTotal,
			m.toolInvocationDuration,
			m.toolRetriesTotal,
			m.quotaReservationsTotal,
			m.quotaDeniedTotal,
			m.quotaSweptTotal,
			m.modelStreamTotal,
			m.modelStreamDuration,
			m.activeSessions,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered forces metric registration. Safe to call from any component.
func EnsureRegistered() {
	getMetrics()
}

// RecordTurn records a finished turn with its terminal state.
func RecordTurn(state string, duration time.Duration) {
	m := getMetrics()
	m.turnsTotal.WithLabelValues(state).Inc()
	m.turnDuration.WithLabelValues(state).Observe(duration.Seconds())
}

// TurnStarted increments the active turn gauge.
func TurnStarted() {
	getMetrics().activeTurns.Inc()
}

// TurnFinished decrements the active turn gauge.
func TurnFinished() {
	getMetrics().activeTurns.Dec()
}

// RecordStreamEvent counts an emitted stream event by kind.
func RecordStreamEvent(kind string) {
	getMetrics().streamEvents.WithLabelValues(kind).Inc()
}

// SetStreamBufferDepth records the coordinator buffer depth.
func SetStreamBufferDepth(depth int) {
	getMetrics().streamBuffer.Set(float64(depth))
}

// RecordStreamOverflow counts a stream terminated by backpressure.
func RecordStreamOverflow() {
	getMetrics().streamDropped.Inc()
}

// RecordToolInvocation records a resolved tool invocation.
func RecordToolInvocation(protocol, status string, duration time.Duration) {
	m := getMetrics()
	m.toolInvocationTotal.WithLabelValues(protocol, status).Inc()
	m.toolInvocationDuration.WithLabelValues(protocol).Observe(duration.Seconds())
}

// RecordToolRetry counts an automatic retry for a tool.
func RecordToolRetry(tool string) {
	getMetrics().toolRetriesTotal.WithLabelValues(tool).Inc()
}

// RecordQuotaOutcome records a reservation outcome: committed or released.
func RecordQuotaOutcome(outcome string) {
	getMetrics().quotaReservationsTotal.WithLabelValues(outcome).Inc()
}

// RecordQuotaDenied counts an admission denial.
func RecordQuotaDenied() {
	getMetrics().quotaDeniedTotal.Inc()
}

// RecordQuotaSwept counts an abandoned reservation released by the reconciler.
func RecordQuotaSwept() {
	getMetrics().quotaSweptTotal.Inc()
}

// RecordModelStream records a completed model stream.
func RecordModelStream(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.modelStreamTotal.WithLabelValues(provider, status).Inc()
	m.modelStreamDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// SetActiveSessions records the current active session count.
func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}
