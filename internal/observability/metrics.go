package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	samplesAccepted prometheus.Counter
	samplesRejected *prometheus.CounterVec
	decisions       *prometheus.CounterVec
	ingestLatency   prometheus.Histogram
	sessionsActive  prometheus.Gauge
	subscribers     prometheus.Gauge
	streamDropped   prometheus.Counter
	recorderQueue   prometheus.Gauge
	recorderDropped prometheus.Counter
	recorderErrors  prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		samplesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orbita_samples_accepted_total",
			Help: "Telemetry samples accepted into a mission session.",
		}),
		samplesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orbita_samples_rejected_total",
			Help: "Telemetry samples rejected at ingest, by reason.",
		}, []string{"reason"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orbita_decisions_total",
			Help: "Decisions produced, by anomaly type and severity.",
		}, []string{"anomaly_type", "severity"}),
		ingestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orbita_ingest_latency_seconds",
			Help:    "Time to validate, classify, decide and publish one sample.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 14),
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orbita_sessions",
			Help: "Mission sessions currently held in memory.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orbita_stream_subscribers",
			Help: "Open streaming subscriptions across all missions.",
		}),
		streamDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orbita_stream_dropped_total",
			Help: "Events dropped from full subscriber queues.",
		}),
		recorderQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orbita_recorder_queue_length",
			Help: "Records waiting to be persisted.",
		}),
		recorderDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orbita_recorder_dropped_total",
			Help: "Records lost because the persistence queue was full.",
		}),
		recorderErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orbita_recorder_errors_total",
			Help: "Records that failed to persist.",
		}),
	}
	m.reg.MustRegister(
		m.samplesAccepted, m.samplesRejected, m.decisions, m.ingestLatency,
		m.sessionsActive, m.subscribers, m.streamDropped,
		m.recorderQueue, m.recorderDropped, m.recorderErrors,
	)
	return m
}

// Registry exposes the underlying registry for tests and custom handlers.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) SampleAccepted(d time.Duration) {
	if m == nil {
		return
	}
	m.samplesAccepted.Inc()
	m.ingestLatency.Observe(d.Seconds())
}

func (m *Metrics) SampleRejected(reason string) {
	if m == nil {
		return
	}
	m.samplesRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) DecisionMade(anomalyType, severity string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(anomalyType, severity).Inc()
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

func (m *Metrics) AddSubscribers(delta int) {
	if m == nil {
		return
	}
	m.subscribers.Add(float64(delta))
}

func (m *Metrics) StreamDropped() {
	if m == nil {
		return
	}
	m.streamDropped.Inc()
}

func (m *Metrics) SetRecorderQueue(n int) {
	if m == nil {
		return
	}
	m.recorderQueue.Set(float64(n))
}

func (m *Metrics) RecorderDropped() {
	if m == nil {
		return
	}
	m.recorderDropped.Inc()
}

func (m *Metrics) RecorderError() {
	if m == nil {
		return
	}
	m.recorderErrors.Inc()
}
