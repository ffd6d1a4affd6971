package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	generationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyforge_generations_total",
			Help: "Total number of orchestrated generation calls by activity and outcome.",
		},
		[]string{"activity", "outcome"},
	)

	generationErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyforge_generation_errors_total",
			Help: "Total number of failed generation calls by activity and error kind.",
		},
		[]string{"activity", "kind"},
	)

	generationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storyforge_generation_latency_seconds",
			Help:    "End-to-end latency of orchestrated generation calls, retries included.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		},
		[]string{"activity"},
	)

	tokensUsedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyforge_tokens_used_total",
			Help: "Total provider tokens consumed by direction.",
		},
		[]string{"activity", "direction"},
	)

	estimatedCostUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyforge_estimated_cost_usd_total",
			Help: "Estimated provider spend in USD.",
		},
		[]string{"activity"},
	)
)
