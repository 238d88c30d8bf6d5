package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type HTTPServerMetrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	ruleQueriesTotal   *prometheus.CounterVec
	ruleQueryNoContext *prometheus.CounterVec
	ruleQuerySources   *prometheus.HistogramVec
	ruleQueryDuration  *prometheus.HistogramVec
	applicationsTotal  *prometheus.CounterVec
	submittedDocuments *prometheus.HistogramVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	ruleQueriesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handbook",
			Name:      "queries_total",
			Help:      "Total successful handbook queries.",
		},
		[]string{"service", "endpoint"},
	)
	ruleQueryNoContext := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handbook",
			Name:      "no_context_total",
			Help:      "Total handbook queries answered without retrieved sources.",
		},
		[]string{"service", "endpoint"},
	)
	ruleQuerySources := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "handbook",
			Name:      "retrieved_sources",
			Help:      "Distribution of cited sources per handbook query.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13},
		},
		[]string{"service", "endpoint"},
	)
	ruleQueryDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "handbook",
			Name:      "duration_seconds",
			Help:      "Handbook query duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "endpoint"},
	)
	applicationsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intake",
			Name:      "applications_total",
			Help:      "Total submitted applications by entity.",
		},
		[]string{"service", "entity"},
	)
	submittedDocuments := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "intake",
			Name:      "documents_per_application",
			Help:      "Distribution of uploaded documents per application.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8, 13},
		},
		[]string{"service"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		ruleQueriesTotal,
		ruleQueryNoContext,
		ruleQuerySources,
		ruleQueryDuration,
		applicationsTotal,
		submittedDocuments,
	)

	return &HTTPServerMetrics{
		registry:           registry,
		requestTotal:       requestTotal,
		requestDuration:    requestDuration,
		requestInFlight:    requestInFlight,
		ruleQueriesTotal:   ruleQueriesTotal,
		ruleQueryNoContext: ruleQueryNoContext,
		ruleQuerySources:   ruleQuerySources,
		ruleQueryDuration:  ruleQueryDuration,
		applicationsTotal:  applicationsTotal,
		submittedDocuments: submittedDocuments,
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *HTTPServerMetrics) Middleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(
			service,
			r.Method,
			path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(service, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/applications/"):
		return "/v1/applications/{application_id}"
	default:
		return path
	}
}

func (m *HTTPServerMetrics) RecordRuleQuery(service, endpoint string, sourceCount int, duration time.Duration) {
	m.ruleQueriesTotal.WithLabelValues(service, endpoint).Inc()
	m.ruleQuerySources.WithLabelValues(service, endpoint).Observe(float64(sourceCount))
	m.ruleQueryDuration.WithLabelValues(service, endpoint).Observe(duration.Seconds())
	if sourceCount == 0 {
		m.ruleQueryNoContext.WithLabelValues(service, endpoint).Inc()
	}
}

func (m *HTTPServerMetrics) RecordSubmission(service, entity string, documents int) {
	m.applicationsTotal.WithLabelValues(service, entity).Inc()
	m.submittedDocuments.WithLabelValues(service).Observe(float64(documents))
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
