package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/fablepress/storyforge/internal/flags"
	"github.com/fablepress/storyforge/internal/model"
	"github.com/fablepress/storyforge/internal/wizard"
)

// ErrNotFound marks lookups and single-row updates that matched nothing.
// Both store implementations wrap it, so callers can branch with eris.Is.
var ErrNotFound = eris.New("store: not found")

// OrderFilter specifies criteria for listing orders.
type OrderFilter struct {
	Status model.OrderStatus `json:"status,omitempty"`
	UserID string            `json:"user_id,omitempty"`
	Limit  int               `json:"limit,omitempty"`
	Offset int               `json:"offset,omitempty"`
}

// Store defines the persistence interface for the generation subsystem.
type Store interface {
	// Stories
	CreateStory(ctx context.Context, story model.Story) (*model.Story, error)
	GetStory(ctx context.Context, storyID string) (*model.Story, error)
	SetStoryCoverURL(ctx context.Context, storyID string, url string) error
	SetStoryPDFURL(ctx context.Context, storyID string, url string) error

	// Characters
	CreateCharacter(ctx context.Context, ch model.Character) (*model.Character, error)
	ListCharacters(ctx context.Context, storyID string) ([]model.Character, error)
	SetCharacterThumbURL(ctx context.Context, characterID string, url string) error

	// Pages
	CreatePage(ctx context.Context, page model.Page) (*model.Page, error)
	ListPages(ctx context.Context, storyID string) ([]model.Page, error)
	SetPageIllustrationURL(ctx context.Context, pageID string, url string) error

	// Orders
	CreateOrder(ctx context.Context, order model.Order) (*model.Order, error)
	GetOrder(ctx context.Context, orderID string) (*model.Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]model.Order, error)
	SetOrderStatus(ctx context.Context, orderID string, status model.OrderStatus) error

	// Feature flags
	GetFlagMatrix(ctx context.Context) (flags.Matrix, error)
	SetFlag(ctx context.Context, stage model.Stage, activity model.Activity, enabled bool) error

	// In-flight registry
	StartInflight(ctx context.Context, rec model.InFlightRecord) error
	EndInflight(ctx context.Context, userID string, activity model.Activity) error
	ListInflight(ctx context.Context) ([]model.InFlightRecord, error)

	// Metrics
	InsertMetric(ctx context.Context, rec model.MetricRecord) error
	MetricsSummary(ctx context.Context, since time.Time) ([]model.MetricsSummaryRow, error)

	// Wizard state
	GetWizardState(ctx context.Context, storyID string) (*wizard.State, error)
	SaveWizardState(ctx context.Context, storyID string, state *wizard.State) error

	// Fulfillment claims
	ClaimFulfillmentItem(ctx context.Context, orderID, storyID string, ttl time.Duration) (bool, error)
	ReleaseFulfillmentClaim(ctx context.Context, orderID, storyID string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
