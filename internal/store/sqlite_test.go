package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fablepress/storyforge/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedStory(t *testing.T, st *SQLiteStore) *model.Story {
	t.Helper()
	story, err := st.CreateStory(context.Background(), model.Story{
		UserID: "user-1",
		Title:  "Luna and the Paper Moon",
	})
	require.NoError(t, err)
	return story
}

// --- Stories ---

func TestSQLite_Story_CreateAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	story := seedStory(t, st)

	got, err := st.GetStory(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, "Luna and the Paper Moon", got.Title)
	assert.Empty(t, got.CoverURL)
	assert.Empty(t, got.PDFURL)
}

func TestSQLite_Story_SetAssetURLs(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	story := seedStory(t, st)

	require.NoError(t, st.SetStoryCoverURL(ctx, story.ID, "https://cdn.example.com/cover.png"))
	require.NoError(t, st.SetStoryPDFURL(ctx, story.ID, "https://cdn.example.com/book.pdf"))

	got, err := st.GetStory(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/cover.png", got.CoverURL)
	assert.Equal(t, "https://cdn.example.com/book.pdf", got.PDFURL)
}

func TestSQLite_Story_SetPDFURL_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.SetStoryPDFURL(context.Background(), "missing", "https://cdn.example.com/book.pdf")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.True(t, eris.Is(err, ErrNotFound))

	_, err = st.GetOrder(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrNotFound))
}

// --- Characters and pages ---

func TestSQLite_Characters_ListOrderedByName(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	story := seedStory(t, st)
	for _, name := range []string{"Zoe", "Arlo", "Milo"} {
		_, err := st.CreateCharacter(ctx, model.Character{StoryID: story.ID, Name: name})
		require.NoError(t, err)
	}

	chars, err := st.ListCharacters(ctx, story.ID)
	require.NoError(t, err)
	require.Len(t, chars, 3)
	assert.Equal(t, "Arlo", chars[0].Name)
	assert.Equal(t, "Milo", chars[1].Name)
	assert.Equal(t, "Zoe", chars[2].Name)
}

func TestSQLite_Pages_ListOrderedByIndex(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	story := seedStory(t, st)
	for _, idx := range []int{2, 0, 1} {
		_, err := st.CreatePage(ctx, model.Page{StoryID: story.ID, Index: idx})
		require.NoError(t, err)
	}

	pages, err := st.ListPages(ctx, story.ID)
	require.NoError(t, err)
	require.Len(t, pages, 3)
	for i, p := range pages {
		assert.Equal(t, i, p.Index)
	}
}

func TestSQLite_Page_SetIllustrationURL(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	story := seedStory(t, st)
	page, err := st.CreatePage(ctx, model.Page{StoryID: story.ID, Index: 0})
	require.NoError(t, err)

	require.NoError(t, st.SetPageIllustrationURL(ctx, page.ID, "https://cdn.example.com/p0.png"))

	pages, err := st.ListPages(ctx, story.ID)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, "https://cdn.example.com/p0.png", pages[0].IllustrationURL)
}

// --- Orders ---

func TestSQLite_Order_Lifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	order, err := st.CreateOrder(ctx, model.Order{
		UserID: "user-1",
		Status: model.OrderStatusPaid,
		Items:  []model.OrderItem{{StoryID: "s1"}, {StoryID: "s2"}},
	})
	require.NoError(t, err)

	got, err := st.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPaid, got.Status)
	assert.Len(t, got.Items, 2)
	assert.Nil(t, got.FulfilledAt)

	require.NoError(t, st.SetOrderStatus(ctx, order.ID, model.OrderStatusFulfilled))

	got, err = st.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFulfilled, got.Status)
	require.NotNil(t, got.FulfilledAt)
}

func TestSQLite_Order_ListByStatus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for _, status := range []model.OrderStatus{model.OrderStatusPaid, model.OrderStatusPaid, model.OrderStatusPending} {
		_, err := st.CreateOrder(ctx, model.Order{UserID: "user-1", Status: status, Items: []model.OrderItem{{StoryID: "s"}}})
		require.NoError(t, err)
	}

	paid, err := st.ListOrders(ctx, OrderFilter{Status: model.OrderStatusPaid})
	require.NoError(t, err)
	assert.Len(t, paid, 2)
}

// --- Feature flags ---

func TestSQLite_FlagMatrix_RoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	m, err := st.GetFlagMatrix(ctx)
	require.NoError(t, err)
	assert.True(t, m.Enabled(model.StageDesign, model.ActivityCover))

	require.NoError(t, st.SetFlag(ctx, model.StageDesign, model.ActivityCover, false))

	m, err = st.GetFlagMatrix(ctx)
	require.NoError(t, err)
	assert.False(t, m.Enabled(model.StageDesign, model.ActivityCover))
	assert.True(t, m.Enabled(model.StageDesign, model.ActivityPageIllustration))

	require.NoError(t, st.SetFlag(ctx, model.StageDesign, model.ActivityCover, true))

	m, err = st.GetFlagMatrix(ctx)
	require.NoError(t, err)
	assert.True(t, m.Enabled(model.StageDesign, model.ActivityCover))
}

// --- In-flight registry ---

func TestSQLite_Inflight_StartListEnd(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rec := model.InFlightRecord{
		UserID:       "user-1",
		Stage:        model.StageDesign,
		Activity:     model.ActivityCover,
		Model:        "gpt-image-1",
		InputSummary: "cover/gpt-image-1",
	}
	require.NoError(t, st.StartInflight(ctx, rec))

	list, err := st.ListInflight(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "cover/gpt-image-1", list[0].InputSummary)

	// Starting again for the same (user, activity) replaces, not duplicates.
	require.NoError(t, st.StartInflight(ctx, rec))
	list, err = st.ListInflight(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, st.EndInflight(ctx, "user-1", model.ActivityCover))
	list, err = st.ListInflight(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	// Ending a record that is already gone is not an error.
	require.NoError(t, st.EndInflight(ctx, "user-1", model.ActivityCover))
}

// --- Metrics ---

func TestSQLite_Metrics_Summary(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for _, rec := range []model.MetricRecord{
		{Activity: model.ActivityCover, Model: "gpt-image-1", Outcome: "success", LatencyMS: 1000, TokensIn: 50, TokensOut: 10},
		{Activity: model.ActivityCover, Model: "gpt-image-1", Outcome: "error", ErrorKind: "rate_limited", LatencyMS: 3000},
		{Activity: model.ActivityPageIllustration, Model: "flux-pro", Outcome: "success", LatencyMS: 2000},
	} {
		require.NoError(t, st.InsertMetric(ctx, rec))
	}

	summary, err := st.MetricsSummary(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, summary, 2)

	cover := summary[0]
	assert.Equal(t, model.ActivityCover, cover.Activity)
	assert.Equal(t, 2, cover.Calls)
	assert.Equal(t, 1, cover.Errors)
	assert.InDelta(t, 0.5, cover.ErrorRate, 0.001)
	assert.Equal(t, int64(2000), cover.AvgLatencyMS)
	assert.Equal(t, int64(50), cover.TokensIn)
}

func TestSQLite_Metrics_SummaryWindowExcludesOld(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertMetric(ctx, model.MetricRecord{
		Activity:   model.ActivityCover,
		Model:      "gpt-image-1",
		Outcome:    "success",
		RecordedAt: time.Now().UTC().Add(-48 * time.Hour),
	}))

	summary, err := st.MetricsSummary(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, summary)
}

// --- Wizard state ---

func TestSQLite_WizardState_RoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	state, err := st.GetWizardState(ctx, "story-1")
	require.NoError(t, err)
	require.NotNil(t, state)

	for i := 0; i < 3; i++ {
		require.NoError(t, state.AssignCharacter())
	}
	require.NoError(t, state.Advance(model.StageCharacters))
	require.NoError(t, st.SaveWizardState(ctx, "story-1", state))

	got, err := st.GetWizardState(ctx, "story-1")
	require.NoError(t, err)
	assert.True(t, got.Completed(model.StageCharacters))
	assert.Equal(t, 3, got.Stage(model.StageCharacters).Count)
}

// --- Fulfillment claims ---

func TestSQLite_Claim_ExclusiveUntilExpiry(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	claimed, err := st.ClaimFulfillmentItem(ctx, "order-1", "story-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, claimed)

	// A second claim on a live lease fails.
	claimed, err = st.ClaimFulfillmentItem(ctx, "order-1", "story-1", time.Hour)
	require.NoError(t, err)
	assert.False(t, claimed)

	// A different item is unaffected.
	claimed, err = st.ClaimFulfillmentItem(ctx, "order-1", "story-2", time.Hour)
	require.NoError(t, err)
	assert.True(t, claimed)

	// Release makes it claimable again.
	require.NoError(t, st.ReleaseFulfillmentClaim(ctx, "order-1", "story-1"))
	claimed, err = st.ClaimFulfillmentItem(ctx, "order-1", "story-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestSQLite_Claim_ExpiredLeaseIsReclaimable(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	claimed, err := st.ClaimFulfillmentItem(ctx, "order-1", "story-1", -time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = st.ClaimFulfillmentItem(ctx, "order-1", "story-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, claimed)
}
