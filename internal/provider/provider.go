// Package provider adapts external image-generation backends to a single
// contract so the orchestrator never branches on protocol. One backend is
// synchronous (the response carries the asset), the other is submit-then-poll.
// Each adapter classifies its own failures exactly once; callers switch on
// the classification, never on provider-specific error shapes.
package provider

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/fablepress/storyforge/internal/model"
)

// Generator is the provider-agnostic generation contract.
type Generator interface {
	// Name identifies the backend this adapter fronts.
	Name() model.ProviderKind

	// MaxReferenceImages is the documented maximum number of reference
	// images the backend accepts per request.
	MaxReferenceImages() int

	// Generate runs one generation call to completion. The returned error,
	// if any, carries a generr classification.
	Generate(ctx context.Context, req model.GenerationRequest) (*model.GenerationResult, error)
}

// Registry resolves the adapter for a provider configuration.
type Registry struct {
	generators map[model.ProviderKind]Generator
}

func NewRegistry(gens ...Generator) *Registry {
	r := &Registry{generators: make(map[model.ProviderKind]Generator, len(gens))}
	for _, g := range gens {
		r.generators[g.Name()] = g
	}
	return r
}

// For returns the adapter registered for the given kind.
func (r *Registry) For(kind model.ProviderKind) (Generator, error) {
	g, ok := r.generators[kind]
	if !ok {
		return nil, eris.Errorf("provider: no adapter registered for %q", kind)
	}
	return g, nil
}
