// Package metrics persists one record per orchestrated generation call and
// mirrors the counters to Prometheus. The durable log is the source of truth
// for cost reporting; the Prometheus side is operational visibility only.
package metrics

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fablepress/storyforge/internal/model"
)

// Store is the persistence surface the sink needs.
type Store interface {
	InsertMetric(ctx context.Context, rec model.MetricRecord) error
	MetricsSummary(ctx context.Context, since time.Time) ([]model.MetricsSummaryRow, error)
}

// Sink records generation call outcomes.
type Sink struct {
	store Store
}

func NewSink(store Store) *Sink {
	return &Sink{store: store}
}

// Record writes one metric record covering a whole call, retries included.
// Persistence failures are logged, not returned: a completed generation is
// not failed retroactively because its accounting write lost a race with an
// outage. Prometheus counters are updated regardless.
func (s *Sink) Record(ctx context.Context, rec model.MetricRecord) {
	activity := string(rec.Activity)
	generationsTotal.WithLabelValues(activity, rec.Outcome).Inc()
	generationLatency.WithLabelValues(activity).Observe(float64(rec.LatencyMS) / 1000)
	if rec.Outcome == "error" {
		generationErrorsTotal.WithLabelValues(activity, rec.ErrorKind).Inc()
	}
	if rec.TokensIn > 0 {
		tokensUsedTotal.WithLabelValues(activity, "in").Add(float64(rec.TokensIn))
	}
	if rec.TokensOut > 0 {
		tokensUsedTotal.WithLabelValues(activity, "out").Add(float64(rec.TokensOut))
	}
	if rec.EstimatedUSD > 0 {
		estimatedCostUSD.WithLabelValues(activity).Add(rec.EstimatedUSD)
	}

	if err := s.store.InsertMetric(ctx, rec); err != nil {
		zap.L().Error("metrics: record failed",
			zap.String("activity", activity),
			zap.String("outcome", rec.Outcome),
			zap.Error(err))
	}
}

// Summary aggregates the durable records per activity over the given window.
func (s *Sink) Summary(ctx context.Context, window time.Duration) ([]model.MetricsSummaryRow, error) {
	rows, err := s.store.MetricsSummary(ctx, time.Now().UTC().Add(-window))
	if err != nil {
		return nil, eris.Wrap(err, "metrics: summary")
	}
	return rows, nil
}
