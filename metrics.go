package frpauth

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the webhook.
type Metrics struct {
	decisionsTotal   *prometheus.CounterVec
	rejectionsTotal  *prometheus.CounterVec
	decisionDuration *prometheus.HistogramVec
	badRequests      *prometheus.CounterVec
	reloadsTotal     *prometheus.CounterVec
	reloadErrors     prometheus.Counter
	lastReload       prometheus.Gauge
	configUsers      prometheus.Gauge
	configGeneration prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with all collectors registered
// on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		decisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "frpauth",
			Name:      "decisions_total",
			Help:      "Total number of plugin operations answered.",
		}, []string{"op", "outcome"}),

		rejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "frpauth",
			Name:      "rejections_total",
			Help:      "Rejected operations by reason code.",
		}, []string{"code"}),

		decisionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "frpauth",
			Name:      "decision_duration_seconds",
			Help:      "Time spent decoding and evaluating a plugin request.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		}, []string{"op"}),

		badRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "frpauth",
			Name:      "bad_requests_total",
			Help:      "Plugin requests refused before evaluation.",
		}, []string{"status"}),

		reloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "frpauth",
			Name:      "reloads_total",
			Help:      "Reload attempts by trigger and result.",
		}, []string{"trigger", "result"}),

		reloadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "frpauth",
			Name:      "reload_errors_total",
			Help:      "Number of reloads that failed to load a valid policy.",
		}),

		lastReload: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "frpauth",
			Name:      "last_reload_success_timestamp_seconds",
			Help:      "Unix time of the last applied reload.",
		}),

		configUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "frpauth",
			Name:      "config_users",
			Help:      "Number of users in the active policy.",
		}),

		configGeneration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "frpauth",
			Name:      "config_generation",
			Help:      "Generation counter of the active policy.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.decisionsTotal,
		m.rejectionsTotal,
		m.decisionDuration,
		m.badRequests,
		m.reloadsTotal,
		m.reloadErrors,
		m.lastReload,
		m.configUsers,
		m.configGeneration,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordDecision records one evaluated operation.
func (m *Metrics) RecordDecision(op string, d Decision, duration time.Duration) {
	outcome := "accept"
	if d.Reject {
		outcome = "reject"
		m.rejectionsTotal.WithLabelValues(d.Code).Inc()
	}
	m.decisionsTotal.WithLabelValues(op, outcome).Inc()
	m.decisionDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordBadRequest records a request refused at the transport level.
func (m *Metrics) RecordBadRequest(status int) {
	m.badRequests.WithLabelValues(http.StatusText(status)).Inc()
}

// RecordReload records a reload attempt.
func (m *Metrics) RecordReload(trigger string, result ReloadResult) {
	m.reloadsTotal.WithLabelValues(trigger, result.String()).Inc()
	switch result {
	case ReloadFailed:
		m.reloadErrors.Inc()
	case ReloadApplied:
		m.lastReload.SetToCurrentTime()
	}
}

// SetConfigInfo publishes the size and generation of the active policy.
func (m *Metrics) SetConfigInfo(users int, generation uint64) {
	m.configUsers.Set(float64(users))
	m.configGeneration.Set(float64(generation))
}
