package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors shared across subsystems. Create
// one per process with NewMetrics and hand it down; collectors register on
// the supplied registerer so tests can use a private registry.
type Metrics struct {
	registry *prometheus.Registry

	QueueJobsTotal     *prometheus.CounterVec
	QueueJobDuration   *prometheus.HistogramVec
	QueueDepth         *prometheus.GaugeVec
	QueueWaitingAvg    *prometheus.GaugeVec
	EventsIngested     *prometheus.CounterVec
	EventsDropped      *prometheus.CounterVec
	TriggerEvaluations *prometheus.CounterVec
	TriggerDeliveries  *prometheus.CounterVec
	WorkflowRuns       *prometheus.CounterVec
	WorkflowStepsTotal *prometheus.CounterVec
	StepDuration       *prometheus.HistogramVec
	HealthProbes       *prometheus.CounterVec
	HealthProbeLatency *prometheus.HistogramVec
	ManifestReloads    *prometheus.CounterVec

	mu     sync.Mutex
	gauges map[string]*prometheus.GaugeVec
}

// NewMetrics builds the collector set on a private registry, keeping tests
// and repeated construction free of duplicate-registration panics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	return newMetricsOn(registry)
}

func newMetricsOn(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		gauges:   make(map[string]*prometheus.GaugeVec),

		QueueJobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "apphub_queue_jobs_total",
			Help: "Jobs processed per queue and outcome.",
		}, []string{"queue", "outcome"}),

		QueueJobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "apphub_queue_job_duration_seconds",
			Help:    "Handler execution time per queue.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}, []string{"queue"}),

		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "apphub_queue_depth",
			Help: "Jobs waiting per queue and state.",
		}, []string{"queue", "state"}),

		QueueWaitingAvg: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "apphub_queue_waiting_avg_ms",
			Help: "Moving average of time jobs spend waiting, in milliseconds.",
		}, []string{"queue"}),

		EventsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "apphub_events_ingested_total",
			Help: "Event envelopes accepted per type and source.",
		}, []string{"type", "source"}),

		EventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "apphub_events_dropped_total",
			Help: "Event envelopes rejected per source and reason.",
		}, []string{"source", "reason"}),

		TriggerEvaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "apphub_trigger_evaluations_total",
			Help: "Trigger predicate evaluations per outcome.",
		}, []string{"outcome"}),

		TriggerDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "apphub_trigger_deliveries_total",
			Help: "Trigger deliveries recorded per status.",
		}, []string{"status"}),

		WorkflowRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "apphub_workflow_runs_total",
			Help: "Workflow runs reaching a terminal status.",
		}, []string{"status"}),

		WorkflowStepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "apphub_workflow_steps_total",
			Help: "Workflow steps reaching a terminal status, per step type.",
		}, []string{"type", "status"}),

		StepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "apphub_workflow_step_duration_seconds",
			Help:    "Step execution time by step type.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"type"}),

		HealthProbes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "apphub_service_health_probes_total",
			Help: "Service health probes per result.",
		}, []string{"result"}),

		HealthProbeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "apphub_service_health_probe_seconds",
			Help:    "Health probe round-trip time.",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5},
		}, []string{"service"}),

		ManifestReloads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "apphub_manifest_reloads_total",
			Help: "Service manifest cache reloads per reason.",
		}, []string{"reason"}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe records an ad hoc gauge by name, creating the collector on first
// use. Label keys must stay stable per name.
func (m *Metrics) Observe(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	gauge, ok := m.gauges[name]
	if !ok {
		keys := make([]string, 0, len(labels))
		for k := range labels {
			keys = append(keys, k)
		}
		gauge = promauto.With(m.registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: name,
			Help: "Ad hoc observation.",
		}, keys)
		m.gauges[name] = gauge
	}
	m.mu.Unlock()

	gauge.With(labels).Set(value)
}

// ObserveJob records one queue job completion.
func (m *Metrics) ObserveJob(queue, outcome string, elapsed time.Duration) {
	m.QueueJobsTotal.WithLabelValues(queue, outcome).Inc()
	m.QueueJobDuration.WithLabelValues(queue).Observe(elapsed.Seconds())
}
