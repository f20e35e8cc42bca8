package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Operation labels for reminder calls
const (
	OpSchedule = "schedule"
	OpCancel   = "cancel"
)

// Metrics holds the service's Prometheus collectors on a private registry
type Metrics struct {
	startTime time.Time
	registry  *prometheus.Registry

	reconcilePasses   *prometheus.CounterVec
	reconcileDuration prometheus.Histogram
	reminderCalls     *prometheus.CounterVec
	bindings          *prometheus.GaugeVec
	sessions          prometheus.Gauge
	pushSends         *prometheus.CounterVec
	remindersFired    prometheus.Counter
	requests          *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	once           sync.Once
)

// Default returns the process-wide metrics
func Default() *Metrics {
	once.Do(func() {
		defaultMetrics = New()
	})
	return defaultMetrics
}

// New creates metrics with a fresh registry
func New() *Metrics {
	m := &Metrics{
		startTime: time.Now(),
		registry:  prometheus.NewRegistry(),

		reconcilePasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medimate",
			Name:      "reconcile_passes_total",
			Help:      "Reminder reconciliation passes by outcome.",
		}, []string{"result"}),
		reconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "medimate",
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of reminder reconciliation passes.",
			Buckets:   prometheus.DefBuckets,
		}),
		reminderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medimate",
			Name:      "reminder_calls_total",
			Help:      "Schedule and cancel calls issued to the notification dispatcher.",
		}, []string{"op", "result"}),
		bindings: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "medimate",
			Name:      "reminder_bindings",
			Help:      "Live reminder bindings per patient scope.",
		}, []string{"scope"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "medimate",
			Name:      "sessions_open",
			Help:      "Open reminder sessions.",
		}),
		pushSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medimate",
			Name:      "push_sends_total",
			Help:      "Push notifications sent through the relay by outcome.",
		}, []string{"kind", "result"}),
		remindersFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "medimate",
			Name:      "reminders_fired_total",
			Help:      "Daily reminder triggers that fired.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medimate",
			Name:      "http_requests_total",
			Help:      "HTTP API requests by method and status code.",
		}, []string{"method", "status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.reconcilePasses,
		m.reconcileDuration,
		m.reminderCalls,
		m.bindings,
		m.sessions,
		m.pushSends,
		m.remindersFired,
		m.requests,
	)
	return m
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

// RecordReconcile records one reconciliation pass
func (m *Metrics) RecordReconcile(d time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.reconcilePasses.WithLabelValues(result(ok)).Inc()
	m.reconcileDuration.Observe(d.Seconds())
}

// RecordReminderCall records a schedule or cancel call
func (m *Metrics) RecordReminderCall(op string, ok bool) {
	if m == nil {
		return
	}
	m.reminderCalls.WithLabelValues(op, result(ok)).Inc()
}

// SetBindings sets the live binding count of a scope
func (m *Metrics) SetBindings(scope string, n int) {
	if m == nil {
		return
	}
	m.bindings.WithLabelValues(scope).Set(float64(n))
}

// ForgetScope drops the per-scope series of a closed session
func (m *Metrics) ForgetScope(scope string) {
	if m == nil {
		return
	}
	m.bindings.DeleteLabelValues(scope)
}

// SessionOpened increments the open session gauge
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

// SessionClosed decrements the open session gauge
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

// RecordPush records a push send; kind is "reminder" or "alert"
func (m *Metrics) RecordPush(kind string, ok bool) {
	if m == nil {
		return
	}
	m.pushSends.WithLabelValues(kind, result(ok)).Inc()
}

// RecordReminderFired counts a fired trigger
func (m *Metrics) RecordReminderFired() {
	if m == nil {
		return
	}
	m.remindersFired.Inc()
}

// RecordRequest counts an HTTP request
func (m *Metrics) RecordRequest(method, status string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, status).Inc()
}

// Uptime returns the time since the metrics were created
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
