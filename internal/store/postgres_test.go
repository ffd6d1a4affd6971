package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fablepress/storyforge/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_GetStory_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, user_id, title, cover_url, pdf_url, created_at, updated_at FROM stories WHERE id = \$1`).
		WithArgs("nonexistent-story").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetStory(context.Background(), "nonexistent-story")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get story")
	assert.True(t, eris.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetStoryPDFURL_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE stories SET pdf_url`).
		WithArgs("https://cdn.example.com/book.pdf", pgxmock.AnyArg(), "missing-story").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.SetStoryPDFURL(context.Background(), "missing-story", "https://cdn.example.com/book.pdf")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "story not found")
	assert.True(t, eris.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetFlagMatrix_EmptyWhenMissing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT matrix FROM feature_flags`).
		WithArgs(flagMatrixName).
		WillReturnError(pgx.ErrNoRows)

	m, err := s.GetFlagMatrix(context.Background())
	require.NoError(t, err)
	assert.Empty(t, m)
	// An empty matrix means everything is enabled.
	assert.True(t, m.Enabled(model.StageDesign, model.ActivityCover))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetFlagMatrix_ParsesRow(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT matrix FROM feature_flags`).
		WithArgs(flagMatrixName).
		WillReturnRows(pgxmock.NewRows([]string{"matrix"}).
			AddRow([]byte(`{"design":{"cover":false}}`)))

	m, err := s.GetFlagMatrix(context.Background())
	require.NoError(t, err)
	assert.False(t, m.Enabled(model.StageDesign, model.ActivityCover))
	assert.True(t, m.Enabled(model.StageDesign, model.ActivityPageIllustration))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_StartInflight_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO inflight_calls .+ ON CONFLICT`).
		WithArgs("user-1", "cover", "design", "gpt-image-1", "cover/gpt-image-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.StartInflight(context.Background(), model.InFlightRecord{
		UserID:       "user-1",
		Stage:        model.StageDesign,
		Activity:     model.ActivityCover,
		Model:        "gpt-image-1",
		InputSummary: "cover/gpt-image-1",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_EndInflight_NoRowIsFine(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM inflight_calls`).
		WithArgs("user-1", "cover").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	err := s.EndInflight(context.Background(), "user-1", model.ActivityCover)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertMetric(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO metric_records`).
		WithArgs(pgxmock.AnyArg(), "page_illustration", "flux-pro", pgxmock.AnyArg(), "error", pgxmock.AnyArg(),
			int64(4200), int64(0), int64(0), int64(0), int64(0), float64(0), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.InsertMetric(context.Background(), model.MetricRecord{
		Activity:  model.ActivityPageIllustration,
		Model:     "flux-pro",
		UserID:    "user-2",
		Outcome:   "error",
		ErrorKind: "rate_limited",
		LatencyMS: 4200,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimFulfillmentItem(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO fulfillment_claims .+ ON CONFLICT`).
		WithArgs("order-1", "story-1", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	claimed, err := s.ClaimFulfillmentItem(context.Background(), "order-1", "story-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimFulfillmentItem_HeldByAnother(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	// Conflict on a live claim updates nothing.
	mock.ExpectExec(`INSERT INTO fulfillment_claims .+ ON CONFLICT`).
		WithArgs("order-1", "story-1", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	claimed, err := s.ClaimFulfillmentItem(context.Background(), "order-1", "story-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetWizardState_FreshWhenMissing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT state FROM wizard_states`).
		WithArgs("story-1").
		WillReturnError(pgx.ErrNoRows)

	st, err := s.GetWizardState(context.Background(), "story-1")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.False(t, st.Completed(model.StageCharacters))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetOrderStatus_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE orders SET status`).
		WithArgs("fulfilled", pgxmock.AnyArg(), "missing-order").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.SetOrderStatus(context.Background(), "missing-order", model.OrderStatusFulfilled)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "order not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}
