package metrics

import (
	"bufio"
	"fmt"
	"net"
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

	searchTotal    *prometheus.CounterVec
	searchDuration *prometheus.HistogramVec
	searchResults  *prometheus.HistogramVec
	searchDegraded *prometheus.CounterVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "retrieval",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "retrieval",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "retrieval",
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	searchTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "retrieval",
			Subsystem: "search",
			Name:      "requests_total",
			Help:      "Total search requests by answer source (cache or live).",
		},
		[]string{"service", "source"},
	)
	searchDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "retrieval",
			Subsystem: "search",
			Name:      "duration_seconds",
			Help:      "Search duration in seconds by answer source.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"service", "source"},
	)
	searchResults := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "retrieval",
			Subsystem: "search",
			Name:      "results",
			Help:      "Distribution of hits returned per search.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21, 50},
		},
		[]string{"service"},
	)
	searchDegraded := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "retrieval",
			Subsystem: "search",
			Name:      "degraded_total",
			Help:      "Searches answered by one sub-index because the other failed.",
		},
		[]string{"service", "failed_index"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		searchTotal,
		searchDuration,
		searchResults,
		searchDegraded,
	)

	return &HTTPServerMetrics{
		registry:        registry,
		requestTotal:    requestTotal,
		requestDuration: requestDuration,
		requestInFlight: requestInFlight,
		searchTotal:     searchTotal,
		searchDuration:  searchDuration,
		searchResults:   searchResults,
		searchDegraded:  searchDegraded,
	}
}

func (m *HTTPServerMetrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Handler exposes this registry together with any extra gatherers.
func (m *HTTPServerMetrics) Handler(extra ...prometheus.Gatherer) http.Handler {
	gatherers := prometheus.Gatherers{m.registry}
	gatherers = append(gatherers, extra...)
	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})
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
	case strings.HasPrefix(path, "/v1/documents/"):
		rest := strings.TrimPrefix(path, "/v1/documents/")
		if i := strings.Index(rest, "/"); i >= 0 {
			return "/v1/documents/{document_id}" + rest[i:]
		}
		return "/v1/documents/{document_id}"
	default:
		return path
	}
}

func (m *HTTPServerMetrics) RecordSearch(service string, cached bool, hits int, duration time.Duration) {
	source := "live"
	if cached {
		source = "cache"
	}
	m.searchTotal.WithLabelValues(service, source).Inc()
	m.searchDuration.WithLabelValues(service, source).Observe(duration.Seconds())
	m.searchResults.WithLabelValues(service).Observe(float64(hits))
}

func (m *HTTPServerMetrics) RecordDegradedSearch(service, failedIndex string) {
	m.searchDegraded.WithLabelValues(service, failedIndex).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}

func (w *statusRecorder) Push(target string, opts *http.PushOptions) error {
	pusher, ok := w.ResponseWriter.(http.Pusher)
	if !ok {
		return http.ErrNotSupported
	}
	return pusher.Push(target, opts)
}
