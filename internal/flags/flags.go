// Package flags implements the feature flag gate consulted before every
// generation call. The stage→activity→enabled matrix lives in the store and
// is fetched as a snapshot once per call, so the orchestrator stays reentrant
// and a toggle only affects subsequent calls.
package flags

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/fablepress/storyforge/internal/model"
)

// Matrix is the nested stage→activity→enabled mapping. Absence of an entry
// means "enabled".
type Matrix map[model.Stage]map[model.Activity]bool

// Enabled reports whether the (stage, activity) pair may run.
func (m Matrix) Enabled(stage model.Stage, activity model.Activity) bool {
	acts, ok := m[stage]
	if !ok {
		return true
	}
	enabled, ok := acts[activity]
	if !ok {
		return true
	}
	return enabled
}

// Set records an explicit toggle, allocating nested maps as needed.
func (m Matrix) Set(stage model.Stage, activity model.Activity, enabled bool) {
	acts, ok := m[stage]
	if !ok {
		acts = make(map[model.Activity]bool)
		m[stage] = acts
	}
	acts[activity] = enabled
}

// Source provides the persisted matrix. Implemented by the store.
type Source interface {
	GetFlagMatrix(ctx context.Context) (Matrix, error)
}

// Gate fetches flag snapshots for generation calls.
type Gate struct {
	source Source
}

// NewGate creates a gate backed by the given source.
func NewGate(source Source) *Gate {
	return &Gate{source: source}
}

// Snapshot fetches the current matrix. A read failure is an error: the gate
// is a hard precondition and must not silently default to enabled when the
// configuration row cannot be read.
func (g *Gate) Snapshot(ctx context.Context) (Matrix, error) {
	m, err := g.source.GetFlagMatrix(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "flags: snapshot")
	}
	if m == nil {
		m = Matrix{}
	}
	return m, nil
}
