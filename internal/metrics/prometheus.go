package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SourceFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talentgraph_source_fetches_total",
			Help: "Total source fetch attempts",
		},
		[]string{"source_type", "status"},
	)

	FactsExtracted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talentgraph_facts_extracted_total",
			Help: "Total normalized facts extracted from raw documents",
		},
		[]string{"source_type"},
	)

	SynthesisRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talentgraph_synthesis_runs_total",
			Help: "Synthesis runs by outcome (committed, unchanged, superseded, failed)",
		},
		[]string{"outcome"},
	)

	SynthesisDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "talentgraph_synthesis_duration_seconds",
			Help:    "Profile synthesis duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	DegradedNarratives = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "talentgraph_degraded_narratives_total",
			Help: "Snapshots committed without a generated narrative",
		},
	)

	ChunksIndexed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "talentgraph_chunks_indexed_total",
			Help: "Total profile chunks written to the vector index",
		},
	)

	IndexDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "talentgraph_index_duration_seconds",
			Help:    "Reindex duration per snapshot in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "talentgraph_query_duration_seconds",
			Help:    "Search processing duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"cached"},
	)

	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talentgraph_query_total",
			Help: "Total number of searches processed",
		},
		[]string{"status"},
	)

	CacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "talentgraph_result_cache_hits_total",
			Help: "Result cache hits",
		},
	)

	CacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "talentgraph_result_cache_misses_total",
			Help: "Result cache misses",
		},
	)

	UnsynthesizedAnswers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "talentgraph_unsynthesized_answers_total",
			Help: "Searches that returned ranked matches without a prose answer",
		},
	)

	DroppedClaims = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "talentgraph_dropped_claims_total",
			Help: "Answer sentences dropped for lacking chunk support",
		},
	)

	UserSatisfaction = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "talentgraph_satisfaction_score",
			Help: "User feedback satisfaction score",
		},
		[]string{"helpful"},
	)
)

func Init() {
	prometheus.MustRegister(SourceFetches)
	prometheus.MustRegister(FactsExtracted)
	prometheus.MustRegister(SynthesisRuns)
	prometheus.MustRegister(SynthesisDuration)
	prometheus.MustRegister(DegradedNarratives)
	prometheus.MustRegister(ChunksIndexed)
	prometheus.MustRegister(IndexDuration)
	prometheus.MustRegister(QueryDuration)
	prometheus.MustRegister(QueryTotal)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(UnsynthesizedAnswers)
	prometheus.MustRegister(DroppedClaims)
	prometheus.MustRegister(UserSatisfaction)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
