// Package orchestrator is the single choke point for asset generation. Every
// call runs the same sequence: flag gate, in-flight registration, provider
// invocation under the bounded retry policy, one metric record for the whole
// sequence, and unconditional in-flight release.
package orchestrator

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/fablepress/storyforge/internal/cost"
	"github.com/fablepress/storyforge/internal/flags"
	"github.com/fablepress/storyforge/internal/generr"
	"github.com/fablepress/storyforge/internal/inflight"
	"github.com/fablepress/storyforge/internal/metrics"
	"github.com/fablepress/storyforge/internal/model"
	"github.com/fablepress/storyforge/internal/provider"
	"github.com/fablepress/storyforge/internal/resilience"
)

const (
	// DefaultRetryAttempts is the total provider attempts per call,
	// including the first.
	DefaultRetryAttempts = 3

	// DefaultRetryDelay is the fixed pause between provider attempts.
	DefaultRetryDelay = 2 * time.Second
)

// Orchestrator coordinates one generation call end to end.
type Orchestrator struct {
	gate      *flags.Gate
	providers *provider.Registry
	inflight  *inflight.Registry
	sink      *metrics.Sink
	calc      *cost.Calculator

	retryAttempts int
	retryDelay    time.Duration
	sleep         resilience.Sleeper
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRetryPolicy overrides the attempt ceiling and inter-attempt delay.
func WithRetryPolicy(attempts int, delay time.Duration) Option {
	return func(o *Orchestrator) {
		o.retryAttempts = attempts
		o.retryDelay = delay
	}
}

// WithSleeper injects the retry sleep function for tests.
func WithSleeper(sleep resilience.Sleeper) Option {
	return func(o *Orchestrator) {
		o.sleep = sleep
	}
}

func New(gate *flags.Gate, providers *provider.Registry, reg *inflight.Registry, sink *metrics.Sink, calc *cost.Calculator, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		gate:          gate,
		providers:     providers,
		inflight:      reg,
		sink:          sink,
		calc:          calc,
		retryAttempts: DefaultRetryAttempts,
		retryDelay:    DefaultRetryDelay,
		sleep:         resilience.SleepContext,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Generate runs one orchestrated generation call. On success the result
// carries the asset; callers persist it onto the owning entity themselves.
// Failures carry a generr classification; a disabled activity fails before
// any provider call, in-flight record, or metric write.
func (o *Orchestrator) Generate(ctx context.Context, req model.GenerationRequest) (*model.GenerationResult, error) {
	matrix, err := o.gate.Snapshot(ctx)
	if err != nil {
		return nil, generr.Wrap(generr.KindUnknown, "orchestrator: gate", err)
	}
	if !matrix.Enabled(req.Stage, req.Activity) {
		return nil, generr.New(generr.KindDisabled, "orchestrator: gate",
			"activity "+string(req.Activity)+" is disabled for stage "+string(req.Stage))
	}

	gen, err := o.providers.For(req.Provider.Kind)
	if err != nil {
		return nil, generr.Wrap(generr.KindUnknown, "orchestrator: resolve provider", err)
	}
	req.ReferenceImages = o.truncateReferences(req, gen.MaxReferenceImages())

	o.inflight.Start(ctx, req)
	defer o.inflight.End(ctx, req)

	start := time.Now()
	result, genErr := resilience.DoVal(ctx, resilience.RetryConfig{
		MaxAttempts: o.retryAttempts,
		Delay:       o.retryDelay,
		ShouldRetry: generr.Retryable,
		OnRetry:     resilience.RetryLogger("provider", string(req.Activity)),
		Sleep:       o.sleep,
	}, func(ctx context.Context) (*model.GenerationResult, error) {
		return gen.Generate(ctx, req)
	})
	latency := time.Since(start)

	rec := model.MetricRecord{
		Activity:  req.Activity,
		Model:     req.Provider.Model,
		UserID:    req.UserID,
		LatencyMS: latency.Milliseconds(),
	}
	if genErr != nil {
		rec.Outcome = "error"
		rec.ErrorKind = string(generr.KindOf(genErr))
	} else {
		rec.Outcome = "success"
		rec.TokensIn = result.TokensIn
		rec.TokensOut = result.TokensOut
		rec.EstimatedUSD = o.calc.Image(req.Provider.Model, result.TokensIn, result.TokensOut)
	}
	o.sink.Record(ctx, rec)

	if genErr != nil {
		return nil, genErr
	}
	return result, nil
}

// truncateReferences enforces the provider's reference-image ceiling. The
// kept set is chosen after a collation sort on entity name so repeated calls
// drop the same images; dropped names are logged.
func (o *Orchestrator) truncateReferences(req model.GenerationRequest, maxImages int) []model.ReferenceImage {
	refs := req.ReferenceImages
	if len(refs) <= maxImages {
		return refs
	}

	sorted := make([]model.ReferenceImage, len(refs))
	copy(sorted, refs)
	coll := collate.New(language.English)
	sort.SliceStable(sorted, func(i, j int) bool {
		return coll.CompareString(sorted[i].EntityName, sorted[j].EntityName) < 0
	})

	dropped := make([]string, 0, len(sorted)-maxImages)
	for _, ref := range sorted[maxImages:] {
		dropped = append(dropped, ref.EntityName)
	}
	zap.L().Warn("orchestrator: dropping reference images beyond provider maximum",
		zap.String("activity", string(req.Activity)),
		zap.String("provider", string(req.Provider.Kind)),
		zap.Int("max", maxImages),
		zap.Strings("dropped", dropped))

	return sorted[:maxImages]
}
