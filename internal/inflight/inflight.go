// Package inflight tracks generation calls currently executing. The records
// are advisory observability data: registration failures are logged and
// swallowed so they never fail the call itself.
package inflight

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fablepress/storyforge/internal/model"
)

// Store is the persistence surface the registry needs.
type Store interface {
	StartInflight(ctx context.Context, rec model.InFlightRecord) error
	EndInflight(ctx context.Context, userID string, activity model.Activity) error
	ListInflight(ctx context.Context) ([]model.InFlightRecord, error)
}

// Registry records in-flight generation calls keyed by (user, activity).
type Registry struct {
	store Store
}

func NewRegistry(store Store) *Registry {
	return &Registry{store: store}
}

// Start registers a call as in flight. System-triggered calls carry no user
// and are not tracked. Failures are logged, never returned.
func (r *Registry) Start(ctx context.Context, req model.GenerationRequest) {
	if req.UserID == "" {
		return
	}
	rec := model.InFlightRecord{
		UserID:       req.UserID,
		Stage:        req.Stage,
		Activity:     req.Activity,
		Model:        req.Provider.Model,
		InputSummary: req.InputSummary(),
	}
	if err := r.store.StartInflight(ctx, rec); err != nil {
		zap.L().Warn("inflight: start failed",
			zap.String("user_id", req.UserID),
			zap.String("activity", string(req.Activity)),
			zap.Error(err))
	}
}

// End removes the in-flight record for a call. Failures are logged, never
// returned, and ending an absent record is a no-op.
func (r *Registry) End(ctx context.Context, req model.GenerationRequest) {
	if req.UserID == "" {
		return
	}
	if err := r.store.EndInflight(ctx, req.UserID, req.Activity); err != nil {
		zap.L().Warn("inflight: end failed",
			zap.String("user_id", req.UserID),
			zap.String("activity", string(req.Activity)),
			zap.Error(err))
	}
}

// List returns all currently registered in-flight calls.
func (r *Registry) List(ctx context.Context) ([]model.InFlightRecord, error) {
	recs, err := r.store.ListInflight(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "inflight: list")
	}
	return recs, nil
}
