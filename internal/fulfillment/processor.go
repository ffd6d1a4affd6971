// Package fulfillment turns a paid order into downloadable book assets. Items
// are processed in fixed-size batches; one failing item never blocks its
// siblings, and the order only reaches its terminal status when every item
// carries an asset.
package fulfillment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fablepress/storyforge/internal/generr"
	"github.com/fablepress/storyforge/internal/model"
	"github.com/fablepress/storyforge/internal/resilience"
)

const (
	// DefaultBatchSize is the number of item jobs launched concurrently.
	DefaultBatchSize = 3

	// DefaultItemTimeout bounds each item job. A job that overruns is failed
	// for this run without cancelling the underlying provider call.
	DefaultItemTimeout = 30 * time.Second

	// DefaultBatchDelay is the pause between consecutive batches.
	DefaultBatchDelay = 2 * time.Second
)

// Generator runs one generation call. Satisfied by the orchestrator.
type Generator interface {
	Generate(ctx context.Context, req model.GenerationRequest) (*model.GenerationResult, error)
}

// Store is the persistence surface the processor needs.
type Store interface {
	GetOrder(ctx context.Context, orderID string) (*model.Order, error)
	SetOrderStatus(ctx context.Context, orderID string, status model.OrderStatus) error
	GetStory(ctx context.Context, storyID string) (*model.Story, error)
	SetStoryPDFURL(ctx context.Context, storyID string, url string) error
	ClaimFulfillmentItem(ctx context.Context, orderID, storyID string, ttl time.Duration) (bool, error)
	ReleaseFulfillmentClaim(ctx context.Context, orderID, storyID string) error
}

// ItemOutcome is the settled result of one item job.
type ItemOutcome struct {
	StoryID  string
	AssetURL string
	Skipped  bool // item already carried an asset; no provider call was made
	Err      error
}

// Result summarizes one fulfillment run.
type Result struct {
	OrderID   string
	Total     int
	Succeeded int
	Skipped   int
	Failed    int
	Fulfilled bool
	Items     []ItemOutcome
}

// Processor drives order fulfillment.
type Processor struct {
	store    Store
	gen      Generator
	provider model.ProviderConfig

	batchSize   int
	itemTimeout time.Duration
	batchDelay  time.Duration
	sleep       resilience.Sleeper
}

// Option configures a Processor.
type Option func(*Processor)

// WithBatchSize overrides the batch size.
func WithBatchSize(n int) Option {
	return func(p *Processor) {
		p.batchSize = n
	}
}

// WithItemTimeout overrides the per-item deadline.
func WithItemTimeout(d time.Duration) Option {
	return func(p *Processor) {
		p.itemTimeout = d
	}
}

// WithBatchDelay overrides the inter-batch pause.
func WithBatchDelay(d time.Duration) Option {
	return func(p *Processor) {
		p.batchDelay = d
	}
}

// WithSleeper injects the inter-batch sleep function for tests.
func WithSleeper(sleep resilience.Sleeper) Option {
	return func(p *Processor) {
		p.sleep = sleep
	}
}

// NewProcessor creates a Processor. The provider config selects the export
// backend used for every item job.
func NewProcessor(store Store, gen Generator, provider model.ProviderConfig, opts ...Option) *Processor {
	p := &Processor{
		store:       store,
		gen:         gen,
		provider:    provider,
		batchSize:   DefaultBatchSize,
		itemTimeout: DefaultItemTimeout,
		batchDelay:  DefaultBatchDelay,
		sleep:       resilience.SleepContext,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Fulfill processes every item of a paid order and marks the order fulfilled
// only when all items carry an asset. Safe to re-invoke: items that already
// succeeded are skipped without provider calls, and a fulfilled order is a
// no-op.
func (p *Processor) Fulfill(ctx context.Context, orderID string) (*Result, error) {
	order, err := p.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, eris.Wrapf(err, "fulfillment: load order %s", orderID)
	}

	res := &Result{OrderID: order.ID, Total: len(order.Items)}

	if order.Status == model.OrderStatusFulfilled {
		res.Fulfilled = true
		res.Skipped = res.Total
		zap.L().Info("fulfillment: order already fulfilled",
			zap.String("order_id", order.ID))
		return res, nil
	}
	if order.Status != model.OrderStatusPaid {
		return nil, eris.Errorf("fulfillment: order %s is %s, expected %s", order.ID, order.Status, model.OrderStatusPaid)
	}

	for start := 0; start < len(order.Items); start += p.batchSize {
		if start > 0 {
			if err := p.sleep(ctx, p.batchDelay); err != nil {
				return res, eris.Wrap(err, "fulfillment: inter-batch delay")
			}
		}

		end := min(start+p.batchSize, len(order.Items))
		outcomes := p.runBatch(ctx, order, order.Items[start:end])
		res.Items = append(res.Items, outcomes...)
	}

	for _, item := range res.Items {
		switch {
		case item.Err != nil:
			res.Failed++
		case item.Skipped:
			res.Skipped++
			res.Succeeded++
		default:
			res.Succeeded++
		}
	}

	if res.Succeeded == res.Total {
		if err := p.store.SetOrderStatus(ctx, order.ID, model.OrderStatusFulfilled); err != nil {
			return res, eris.Wrapf(err, "fulfillment: mark order %s fulfilled", order.ID)
		}
		res.Fulfilled = true
	}

	zap.L().Info("fulfillment: run complete",
		zap.String("order_id", order.ID),
		zap.Int("total", res.Total),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed),
		zap.Bool("fulfilled", res.Fulfilled))
	return res, nil
}

// runBatch launches all item jobs of one batch concurrently and settles every
// one of them; item errors are collected, never propagated through the group.
func (p *Processor) runBatch(ctx context.Context, order *model.Order, items []model.OrderItem) []ItemOutcome {
	outcomes := make([]ItemOutcome, len(items))
	var mu sync.Mutex

	// Jobs get the batch's own context, not a group-derived one: that one is
	// cancelled when Wait returns, which would abort a provider call still
	// running after an item timeout instead of letting it finish and be
	// logged.
	var g errgroup.Group
	for i, item := range items {
		g.Go(func() error {
			outcome := p.processItem(ctx, order, item.StoryID)
			mu.Lock()
			outcomes[i] = outcome
			mu.Unlock()
			return nil // don't abort the batch on individual failure
		})
	}
	g.Wait() //nolint:errcheck // item errors are carried in outcomes

	return outcomes
}

func (p *Processor) processItem(ctx context.Context, order *model.Order, storyID string) ItemOutcome {
	outcome := ItemOutcome{StoryID: storyID}

	story, err := p.store.GetStory(ctx, storyID)
	if err != nil {
		outcome.Err = eris.Wrapf(err, "fulfillment: load story %s", storyID)
		return outcome
	}
	if story.PDFURL != "" {
		outcome.AssetURL = story.PDFURL
		outcome.Skipped = true
		return outcome
	}

	// Lease the item so a concurrent run of the same order does not double
	// the provider work. The lease outlives the item timeout so a late
	// completion cannot race a reclaim.
	claimed, err := p.store.ClaimFulfillmentItem(ctx, order.ID, storyID, 2*p.itemTimeout)
	if err != nil {
		outcome.Err = eris.Wrapf(err, "fulfillment: claim item %s", storyID)
		return outcome
	}
	if !claimed {
		outcome.Err = generr.New(generr.KindUnknown, "fulfillment: claim",
			fmt.Sprintf("item %s is being processed elsewhere", storyID))
		return outcome
	}
	defer func() {
		// A timed-out item keeps its lease: the provider call may still be
		// running, and the lease expiring on its own is what fences retries.
		if outcome.Err != nil && generr.KindOf(outcome.Err) == generr.KindTimeout {
			return
		}
		if err := p.store.ReleaseFulfillmentClaim(ctx, order.ID, storyID); err != nil {
			zap.L().Warn("fulfillment: release claim failed",
				zap.String("order_id", order.ID),
				zap.String("story_id", storyID),
				zap.Error(err))
		}
	}()

	result, err := p.generateWithTimeout(ctx, order, story)
	if err != nil {
		outcome.Err = err
		return outcome
	}

	if err := p.store.SetStoryPDFURL(ctx, storyID, result.AssetURL); err != nil {
		outcome.Err = eris.Wrapf(err, "fulfillment: persist asset for story %s", storyID)
		return outcome
	}
	outcome.AssetURL = result.AssetURL
	return outcome
}

// generateWithTimeout races the item job against the per-item deadline. On
// timeout the item is failed for this run, but the provider call is left
// running: its late result is logged for reconciliation, never persisted.
func (p *Processor) generateWithTimeout(ctx context.Context, order *model.Order, story *model.Story) (*model.GenerationResult, error) {
	type settled struct {
		result *model.GenerationResult
		err    error
	}
	done := make(chan settled, 1)

	req := model.GenerationRequest{
		Activity: model.ActivityPDFExport,
		Stage:    model.StageExport,
		UserID:   order.UserID,
		Prompt:   story.Title,
		Provider: p.provider,
	}
	go func() {
		result, err := p.gen.Generate(ctx, req)
		done <- settled{result: result, err: err}
	}()

	timer := time.NewTimer(p.itemTimeout)
	defer timer.Stop()

	select {
	case s := <-done:
		if s.err != nil {
			return nil, eris.Wrapf(s.err, "fulfillment: generate for story %s", story.ID)
		}
		return s.result, nil
	case <-timer.C:
		go func() {
			s := <-done
			zap.L().Warn("fulfillment: item completed after timeout, result discarded",
				zap.String("order_id", order.ID),
				zap.String("story_id", story.ID),
				zap.Bool("late_success", s.err == nil))
		}()
		return nil, generr.New(generr.KindTimeout, "fulfillment: item",
			fmt.Sprintf("story %s exceeded %s deadline", story.ID, p.itemTimeout))
	}
}
