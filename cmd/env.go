package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fablepress/storyforge/internal/cost"
	"github.com/fablepress/storyforge/internal/flags"
	"github.com/fablepress/storyforge/internal/fulfillment"
	"github.com/fablepress/storyforge/internal/inflight"
	"github.com/fablepress/storyforge/internal/metrics"
	"github.com/fablepress/storyforge/internal/model"
	"github.com/fablepress/storyforge/internal/orchestrator"
	"github.com/fablepress/storyforge/internal/prompt"
	"github.com/fablepress/storyforge/internal/provider"
	"github.com/fablepress/storyforge/internal/store"
	anthropicpkg "github.com/fablepress/storyforge/pkg/anthropic"
	"github.com/fablepress/storyforge/pkg/openai"
	"github.com/fablepress/storyforge/pkg/replicate"
)

// appEnv holds the initialized store, clients, and processors needed by the
// serve/generate/fulfill commands.
type appEnv struct {
	Store        store.Store
	Orchestrator *orchestrator.Orchestrator
	Processor    *fulfillment.Processor
	Prompt       *prompt.Builder // nil when anthropic is not configured
	Sink         *metrics.Sink
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "storyforge.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// activityProvider resolves the routing table entry for an activity, falling
// back to the default OpenAI model.
func activityProvider(a model.Activity) model.ProviderConfig {
	if p, ok := cfg.Generation.Activities[string(a)]; ok && p.Model != "" {
		return p
	}
	return model.ProviderConfig{Kind: model.ProviderSync, Model: cfg.OpenAI.Model}
}

// initApp sets up the store, provider adapters, orchestrator, and fulfillment
// processor. Callers should defer env.Close().
func initApp(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	openaiClient := openai.NewClient(cfg.OpenAI.Key,
		openai.WithBaseURL(cfg.OpenAI.BaseURL),
		openai.WithModel(cfg.OpenAI.Model),
		openai.WithRateLimit(cfg.OpenAI.RequestsPerSec))

	replicateClient := replicate.NewClient(cfg.Replicate.Token,
		replicate.WithBaseURL(cfg.Replicate.BaseURL))

	providers := provider.NewRegistry(
		provider.NewSyncGenerator(openaiClient),
		provider.NewPollingGenerator(replicateClient,
			provider.WithPollAttempts(cfg.Generation.PollAttempts),
			provider.WithPollInterval(time.Duration(cfg.Generation.PollIntervalMs)*time.Millisecond)),
	)

	sink := metrics.NewSink(st)
	orch := orchestrator.New(
		flags.NewGate(st),
		providers,
		inflight.NewRegistry(st),
		sink,
		cost.NewCalculator(cfg.Pricing),
		orchestrator.WithRetryPolicy(
			cfg.Generation.RetryAttempts,
			time.Duration(cfg.Generation.RetryDelaySecs)*time.Second),
	)

	proc := fulfillment.NewProcessor(st, orch, activityProvider(model.ActivityPDFExport),
		fulfillment.WithBatchSize(cfg.Fulfillment.BatchSize),
		fulfillment.WithItemTimeout(time.Duration(cfg.Fulfillment.ItemTimeoutSecs)*time.Second),
		fulfillment.WithBatchDelay(time.Duration(cfg.Fulfillment.BatchDelaySecs)*time.Second))

	var builder *prompt.Builder
	if cfg.Anthropic.Key != "" {
		builder = prompt.NewBuilder(anthropicpkg.NewClient(cfg.Anthropic.Key),
			prompt.WithModel(cfg.Anthropic.Model))
	} else {
		zap.L().Debug("STORYFORGE_ANTHROPIC_KEY not set, prompt builder disabled")
	}

	return &appEnv{
		Store:        st,
		Orchestrator: orch,
		Processor:    proc,
		Prompt:       builder,
		Sink:         sink,
	}, nil
}
