package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
)

// IngestMetrics covers the coordinator, the processor and the embedding gateway.
type IngestMetrics struct {
	registry *prometheus.Registry
	service  string

	runTotal          *prometheus.CounterVec
	runDuration       *prometheus.HistogramVec
	runInFlight       prometheus.Gauge
	queueLag          *prometheus.HistogramVec
	documentsByStatus *prometheus.GaugeVec
	pagesCommitted    prometheus.Counter
	chunksIndexed     prometheus.Counter
	dedupHits         prometheus.Counter
	embeddedTexts     prometheus.Counter
	embedBatches      *prometheus.CounterVec
	embedDuration     prometheus.Histogram
	staleReclaimed    prometheus.Counter
	retries           *prometheus.CounterVec
}

func NewIngestMetrics(service string) *IngestMetrics {
	registry := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"service": service}

	runTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "retrieval",
			Subsystem: "ingest",
			Name:      "document_runs_total",
			Help:      "Total processor runs by outcome.",
		},
		[]string{"service", "outcome"},
	)
	runDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "retrieval",
			Subsystem: "ingest",
			Name:      "document_run_duration_seconds",
			Help:      "Processor run duration in seconds by outcome.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"service", "outcome"},
	)
	runInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   "retrieval",
			Subsystem:   "ingest",
			Name:        "document_runs_in_flight",
			Help:        "Number of processor runs holding a worker slot.",
			ConstLabels: constLabels,
		},
	)
	queueLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "retrieval",
			Subsystem: "ingest",
			Name:      "queue_lag_seconds",
			Help:      "Delay between document submission and dispatch.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service"},
	)
	documentsByStatus := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   "retrieval",
			Subsystem:   "ingest",
			Name:        "documents",
			Help:        "Documents by status at the last scheduling tick.",
			ConstLabels: constLabels,
		},
		[]string{"status"},
	)
	pagesCommitted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "retrieval",
		Subsystem:   "ingest",
		Name:        "pages_committed_total",
		Help:        "Pages durably checkpointed.",
		ConstLabels: constLabels,
	})
	chunksIndexed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "retrieval",
		Subsystem:   "ingest",
		Name:        "chunks_indexed_total",
		Help:        "Chunks written to the lexical index and chunk table.",
		ConstLabels: constLabels,
	})
	dedupHits := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "retrieval",
		Subsystem:   "ingest",
		Name:        "dedup_hits_total",
		Help:        "Chunks that reused an existing embedding.",
		ConstLabels: constLabels,
	})
	embeddedTexts := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "retrieval",
		Subsystem:   "embedding",
		Name:        "texts_total",
		Help:        "Texts sent to the embedding service.",
		ConstLabels: constLabels,
	})
	embedBatches := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "retrieval",
			Subsystem: "embedding",
			Name:      "batches_total",
			Help:      "Embedding batches by result.",
		},
		[]string{"service", "result"},
	)
	embedDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   "retrieval",
		Subsystem:   "embedding",
		Name:        "batch_duration_seconds",
		Help:        "Embedding batch latency including retries.",
		Buckets:     prometheus.DefBuckets,
		ConstLabels: constLabels,
	})
	staleReclaimed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "retrieval",
		Subsystem:   "ingest",
		Name:        "stale_reclaimed_total",
		Help:        "Processing documents returned to the queue after the staleness window.",
		ConstLabels: constLabels,
	})
	retries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "retrieval",
			Subsystem: "resilience",
			Name:      "retries_total",
			Help:      "Retries scheduled by the resilience executor.",
		},
		[]string{"service", "operation"},
	)

	registry.MustRegister(
		runTotal, runDuration, runInFlight, queueLag, documentsByStatus,
		pagesCommitted, chunksIndexed, dedupHits,
		embeddedTexts, embedBatches, embedDuration,
		staleReclaimed, retries,
	)

	return &IngestMetrics{
		registry:          registry,
		service:           service,
		runTotal:          runTotal,
		runDuration:       runDuration,
		runInFlight:       runInFlight,
		queueLag:          queueLag,
		documentsByStatus: documentsByStatus,
		pagesCommitted:    pagesCommitted,
		chunksIndexed:     chunksIndexed,
		dedupHits:         dedupHits,
		embeddedTexts:     embeddedTexts,
		embedBatches:      embedBatches,
		embedDuration:     embedDuration,
		staleReclaimed:    staleReclaimed,
		retries:           retries,
	}
}

func (m *IngestMetrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *IngestMetrics) StartRun(createdAt time.Time) {
	m.runInFlight.Inc()
	if lag := time.Since(createdAt); lag >= 0 {
		m.queueLag.WithLabelValues(m.service).Observe(lag.Seconds())
	}
}

// FinishRun records how a run ended (see usecase.RunOutcome).
func (m *IngestMetrics) FinishRun(outcome string, duration time.Duration) {
	m.runInFlight.Dec()
	if outcome == "" {
		outcome = "unknown"
	}
	m.runTotal.WithLabelValues(m.service, outcome).Inc()
	m.runDuration.WithLabelValues(m.service, outcome).Observe(duration.Seconds())
}

func (m *IngestMetrics) ObservePage(chunks, dedupHits int) {
	m.pagesCommitted.Inc()
	m.chunksIndexed.Add(float64(chunks))
	m.dedupHits.Add(float64(dedupHits))
}

func (m *IngestMetrics) ObserveEmbedding(texts int, duration time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	} else {
		m.embeddedTexts.Add(float64(texts))
	}
	m.embedBatches.WithLabelValues(m.service, result).Inc()
	m.embedDuration.Observe(duration.Seconds())
}

func (m *IngestMetrics) ObserveStaleReclaim() {
	m.staleReclaimed.Inc()
}

func (m *IngestMetrics) ObserveRetry(operation string, _ int, _ error) {
	m.retries.WithLabelValues(m.service, operation).Inc()
}

func (m *IngestMetrics) SetStatusCounts(counts map[domain.DocumentStatus]int) {
	for _, status := range domain.AllStatuses {
		m.documentsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
