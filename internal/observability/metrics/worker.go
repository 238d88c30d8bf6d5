package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker/v2"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
)

const namespace = "admissions"

// WorkerMetrics implements usecase.PipelineObserver and records queue,
// knowledge-index and circuit-breaker activity of the worker.
type WorkerMetrics struct {
	registry *prometheus.Registry
	service  string

	pipelineTotal    *prometheus.CounterVec
	pipelineDuration *prometheus.HistogramVec
	decisionsTotal   *prometheus.CounterVec
	processInFlight  prometheus.Gauge
	queueLag         *prometheus.HistogramVec
	indexRebuilds    *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	pipelineTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "applications_total",
			Help:      "Total processed applications by final stage.",
		},
		[]string{"service", "stage"},
	)
	pipelineDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "duration_seconds",
			Help:      "Pipeline duration in seconds by final stage.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service", "stage"},
	)
	decisionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "decisions_total",
			Help:      "Total admission decisions by status.",
		},
		[]string{"service", "status"},
	)
	processInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "applications_in_flight",
			Help:      "Number of applications currently being processed.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	queueLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "queue_lag_seconds",
			Help:      "Delay between application submission and processing start.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service"},
	)
	indexRebuilds := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "knowledge_index",
			Name:      "rebuilds_total",
			Help:      "Knowledge index rebuild attempts by reason.",
		},
		[]string{"service", "reason"},
	)
	breakerState := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resilience",
			Name:      "circuit_state",
			Help:      "Circuit breaker state per operation (0 closed, 1 half-open, 2 open).",
		},
		[]string{"service", "operation"},
	)

	registry.MustRegister(pipelineTotal, pipelineDuration, decisionsTotal, processInFlight, queueLag, indexRebuilds, breakerState)

	return &WorkerMetrics{
		registry:         registry,
		service:          service,
		pipelineTotal:    pipelineTotal,
		pipelineDuration: pipelineDuration,
		decisionsTotal:   decisionsTotal,
		processInFlight:  processInFlight,
		queueLag:         queueLag,
		indexRebuilds:    indexRebuilds,
		breakerState:     breakerState,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) StartApplication() {
	m.processInFlight.Inc()
}

func (m *WorkerMetrics) FinishApplication() {
	m.processInFlight.Dec()
}

func (m *WorkerMetrics) ObservePipeline(final domain.Stage, decision domain.DecisionStatus, duration time.Duration) {
	m.pipelineTotal.WithLabelValues(m.service, string(final)).Inc()
	m.pipelineDuration.WithLabelValues(m.service, string(final)).Observe(duration.Seconds())
	if decision != "" {
		m.decisionsTotal.WithLabelValues(m.service, string(decision)).Inc()
	}
}

func (m *WorkerMetrics) ObserveQueueLag(lag time.Duration) {
	if lag < 0 {
		return
	}
	m.queueLag.WithLabelValues(m.service).Observe(lag.Seconds())
}

func (m *WorkerMetrics) ObserveIndexRebuild(reason string) {
	m.indexRebuilds.WithLabelValues(m.service, reason).Inc()
}

// ObserveBreakerState matches resilience.StateObserver.
func (m *WorkerMetrics) ObserveBreakerState(operation string, to gobreaker.State) {
	m.breakerState.WithLabelValues(m.service, operation).Set(float64(to))
}
