package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vet-kb/backend/pkg/circuitbreaker"
)

var (
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vetkb_query_duration_seconds",
			Help:    "Query processing duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"state"},
	)

	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vetkb_query_total",
			Help: "Total number of queries by final state",
		},
		[]string{"state", "low_confidence"},
	)

	ConfidenceScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vetkb_confidence_score",
			Help:    "Answer confidence scores",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	CandidatesRetrieved = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vetkb_candidates_retrieved",
			Help:    "Number of vector candidates per query",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
	)

	ExternalCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vetkb_external_calls_total",
			Help: "Calls to embedding, vector store and generation services",
		},
		[]string{"service", "op", "status"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vetkb_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vetkb_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vetkb_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vetkb_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	ChunksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vetkb_chunks_processed_total",
			Help: "Chunks run through detection, by outcome",
		},
		[]string{"outcome"},
	)

	MentionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vetkb_mentions_total",
			Help: "Drug mentions detected and validated",
		},
		[]string{"stage"},
	)

	RegistrySize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vetkb_registry_drugs",
			Help: "Unique drugs in the current registry",
		},
	)

	CorpusQualityScore = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vetkb_corpus_quality_score",
			Help: "Overall quality score of the last corpus build (0-100)",
		},
	)

	CorpusBuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vetkb_corpus_build_duration_seconds",
			Help:    "Corpus build duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
	)

	IndexedChunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vetkb_indexed_chunks_total",
			Help: "Chunks handled by the indexer, by outcome",
		},
		[]string{"outcome"},
	)

	IndexPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vetkb_index_pending_chunks",
			Help: "Chunks not yet committed to the vector store",
		},
	)

	FeedbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vetkb_feedback_total",
			Help: "User feedback on answers",
		},
		[]string{"helpful"},
	)

	CalculationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vetkb_calculations_total",
			Help: "Dosing calculations by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			QueryDuration,
			QueryTotal,
			ConfidenceScore,
			CandidatesRetrieved,
			ExternalCalls,
			BreakerState,
			LLMTokensUsed,
			CacheHits,
			CacheMisses,
			ChunksProcessed,
			MentionsTotal,
			RegistrySize,
			CorpusQualityScore,
			CorpusBuildDuration,
			IndexedChunks,
			IndexPending,
			FeedbackTotal,
			CalculationsTotal,
		)
	})
}

// BreakerStateChanged matches circuitbreaker.Config.OnStateChange.
func BreakerStateChanged(name string, _ circuitbreaker.State, to circuitbreaker.State) {
	BreakerState.WithLabelValues(name).Set(float64(to))
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
