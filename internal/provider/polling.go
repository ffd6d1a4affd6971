package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fablepress/storyforge/internal/generr"
	"github.com/fablepress/storyforge/internal/model"
	"github.com/fablepress/storyforge/internal/resilience"
	"github.com/fablepress/storyforge/pkg/replicate"
)

const (
	// DefaultPollAttempts is the poll ceiling after which a job counts as
	// timed out regardless of its server-side state.
	DefaultPollAttempts = 20

	// DefaultPollInterval is the fixed delay between poll attempts.
	DefaultPollInterval = 1500 * time.Millisecond
)

// PollingGenerator fronts the asynchronous backend: submit once, then poll
// until the job is ready, fails, or the attempt ceiling is hit.
type PollingGenerator struct {
	client   replicate.Client
	attempts int
	interval time.Duration
	sleep    resilience.Sleeper
}

// PollingOption configures a PollingGenerator.
type PollingOption func(*PollingGenerator)

// WithPollAttempts overrides the poll ceiling.
func WithPollAttempts(n int) PollingOption {
	return func(g *PollingGenerator) {
		g.attempts = n
	}
}

// WithPollInterval overrides the inter-poll delay.
func WithPollInterval(d time.Duration) PollingOption {
	return func(g *PollingGenerator) {
		g.interval = d
	}
}

// WithPollSleeper injects the sleep function, letting tests run the loop
// without wall-clock waits.
func WithPollSleeper(sleep resilience.Sleeper) PollingOption {
	return func(g *PollingGenerator) {
		g.sleep = sleep
	}
}

func NewPollingGenerator(client replicate.Client, opts ...PollingOption) *PollingGenerator {
	g := &PollingGenerator{
		client:   client,
		attempts: DefaultPollAttempts,
		interval: DefaultPollInterval,
		sleep:    resilience.SleepContext,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *PollingGenerator) Name() model.ProviderKind {
	return model.ProviderPolling
}

// MaxReferenceImages is 1: the submit payload carries at most one inline
// image.
func (g *PollingGenerator) MaxReferenceImages() int {
	return 1
}

// Generate submits the job once, then polls up to the attempt ceiling with a
// fixed delay, returning early on a terminal status.
func (g *PollingGenerator) Generate(ctx context.Context, req model.GenerationRequest) (*model.GenerationResult, error) {
	start := time.Now()

	input := replicate.PredictionInput{
		Prompt:      req.Prompt,
		AspectRatio: aspectRatioFor(req.Provider.Size),
	}
	for _, ref := range req.ReferenceImages {
		input.ImageInputs = append(input.ImageInputs, dataURL(ref))
	}

	pred, err := g.client.CreatePrediction(ctx, replicate.PredictionRequest{
		Model: req.Provider.Model,
		Input: input,
	})
	if err != nil {
		return nil, classifyPollingError("submit", err)
	}

	zap.L().Debug("provider: job submitted",
		zap.String("activity", string(req.Activity)),
		zap.String("model", req.Provider.Model),
		zap.String("job_id", pred.ID))

	for attempt := 0; attempt < g.attempts; attempt++ {
		if err := g.sleep(ctx, g.interval); err != nil {
			return nil, generr.Wrap(generr.KindTimeout, "provider: poll", err)
		}

		pred, err = g.client.GetPrediction(ctx, pred.ID)
		if err != nil {
			return nil, classifyPollingError("poll", err)
		}

		switch pred.Status {
		case replicate.StatusSucceeded:
			url, err := pred.OutputURL()
			if err != nil {
				return nil, generr.Wrap(generr.KindUnknown, "provider: poll", err)
			}
			return &model.GenerationResult{
				AssetURL: url,
				Latency:  time.Since(start),
			}, nil
		case replicate.StatusFailed, replicate.StatusCanceled:
			return nil, generr.New(generr.KindUnknown, "provider: poll",
				fmt.Sprintf("job %s ended %s: %s", pred.ID, pred.Status, pred.Error))
		case replicate.StatusStarting, replicate.StatusProcessing:
			// keep polling
		default:
			return nil, generr.New(generr.KindUnknown, "provider: poll",
				fmt.Sprintf("job %s reported unexpected status %q", pred.ID, pred.Status))
		}
	}

	return nil, generr.New(generr.KindTimeout, "provider: poll",
		fmt.Sprintf("job %s not ready after %d attempts", pred.ID, g.attempts))
}

func classifyPollingError(op string, err error) error {
	var apiErr *replicate.APIError
	if errors.As(err, &apiErr) {
		return generr.Wrap(generr.FromHTTPStatus(apiErr.StatusCode), "provider: "+op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return generr.Wrap(generr.KindTimeout, "provider: "+op, err)
	}
	return generr.Wrap(generr.KindServiceUnavailable, "provider: "+op, err)
}

// dataURL inlines a reference image for the submit payload.
func dataURL(ref model.ReferenceImage) string {
	mime := ref.MIME
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(ref.Data)
}

// aspectRatioFor translates WxH size strings into the ratio vocabulary the
// backend expects. Unknown sizes fall back to square.
func aspectRatioFor(size string) string {
	switch size {
	case "1024x1536", "832x1248":
		return "2:3"
	case "1536x1024", "1248x832":
		return "3:2"
	case "", "1024x1024":
		return "1:1"
	default:
		return "1:1"
	}
}
