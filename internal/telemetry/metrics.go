package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instrumentation for cascade execution, cost,
// and GPU admission.
type Metrics struct {
	attemptsTotal       *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	escalationsTotal    *prometheus.CounterVec
	costUSD             *prometheus.CounterVec
	tokensTotal         *prometheus.CounterVec
	admissionQueueDepth prometheus.Gauge
	admissionActive     prometheus.Gauge
	admissionEnabled    prometheus.Gauge
}

// NewMetrics registers the gateway's metric families against registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		attemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_attempts_total",
				Help: "Total invocation attempts by backend id and outcome status",
			},
			[]string{"backend_id", "status"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_request_duration_seconds",
				Help:    "Duration of a fully cascaded request in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"task", "tier"},
		),
		escalationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_escalations_total",
				Help: "Total escalations by reason",
			},
			[]string{"reason"},
		),
		costUSD: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_cost_usd_total",
				Help: "Total estimated cost in USD by tier",
			},
			[]string{"tier"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_tokens_total",
				Help: "Total estimated tokens by type (prompt, completion)",
			},
			[]string{"type"},
		),
		admissionQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "router_gpu_admission_queue_depth",
			Help: "Current GPU admission queue depth",
		}),
		admissionActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "router_gpu_admission_active",
			Help: "Current number of active GPU admission slots",
		}),
		admissionEnabled: factory.NewGauge(prometheus.GaugeOpts{
			Name: "router_gpu_admission_enabled",
			Help: "1 if the GPU admission broker is enabled, 0 in pass-through mode",
		}),
	}
}

// RecordAttempt records one Attempt outcome.
func (m *Metrics) RecordAttempt(backendID, status string) {
	m.attemptsTotal.WithLabelValues(backendID, status).Inc()
}

// RecordRequest records the terminal duration of a cascaded request.
func (m *Metrics) RecordRequest(task, tier string, durationSec float64) {
	m.requestDuration.WithLabelValues(task, tier).Observe(durationSec)
}

// RecordEscalation records one escalation by reason.
func (m *Metrics) RecordEscalation(reason string) {
	m.escalationsTotal.WithLabelValues(reason).Inc()
}

// RecordCost records estimated cost for a request.
func (m *Metrics) RecordCost(tier string, costUSD float64) {
	m.costUSD.WithLabelValues(tier).Add(costUSD)
}

// RecordTokens records estimated prompt/completion tokens.
func (m *Metrics) RecordTokens(promptTokens, completionTokens int) {
	m.tokensTotal.WithLabelValues("prompt").Add(float64(promptTokens))
	m.tokensTotal.WithLabelValues("completion").Add(float64(completionTokens))
}

// AdmissionMetrics mirrors admission.Metrics into the gauges.
type AdmissionMetrics struct {
	Enabled    bool
	QueueDepth int64
	Active     int64
}

// RecordAdmission updates the GPU admission gauges.
func (m *Metrics) RecordAdmission(a AdmissionMetrics) {
	if a.Enabled {
		m.admissionEnabled.Set(1)
	} else {
		m.admissionEnabled.Set(0)
	}
	m.admissionQueueDepth.Set(float64(a.QueueDepth))
	m.admissionActive.Set(float64(a.Active))
}
