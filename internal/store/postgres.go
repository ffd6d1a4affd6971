package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/fablepress/storyforge/internal/db"
	"github.com/fablepress/storyforge/internal/flags"
	"github.com/fablepress/storyforge/internal/model"
	"github.com/fablepress/storyforge/internal/wizard"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// flagMatrixName is the key of the single feature-flag configuration row.
const flagMatrixName = "generation"

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot per-call store operations.
var preparedStatements = map[string]string{
	"start_inflight": `INSERT INTO inflight_calls (user_id, activity, stage, model, input_summary, created_at) VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (user_id, activity) DO UPDATE SET stage = EXCLUDED.stage, model = EXCLUDED.model, input_summary = EXCLUDED.input_summary, created_at = EXCLUDED.created_at`,
	"end_inflight":   `DELETE FROM inflight_calls WHERE user_id = $1 AND activity = $2`,
	"insert_metric":  `INSERT INTO metric_records (id, activity, model, user_id, outcome, error_kind, latency_ms, tokens_in, tokens_out, cached_in, cached_out, estimated_usd, recorded_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
	"get_flags":      `SELECT matrix FROM feature_flags WHERE name = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need
// direct query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS stories (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	user_id    TEXT NOT NULL,
	title      TEXT NOT NULL,
	cover_url  TEXT,
	pdf_url    TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS characters (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	story_id    TEXT NOT NULL REFERENCES stories(id),
	name        TEXT NOT NULL,
	description TEXT,
	thumb_url   TEXT
);

CREATE TABLE IF NOT EXISTS pages (
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	story_id         TEXT NOT NULL REFERENCES stories(id),
	idx              INTEGER NOT NULL,
	body             TEXT,
	illustration_url TEXT
);

CREATE TABLE IF NOT EXISTS orders (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	user_id      TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	items        JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	fulfilled_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS feature_flags (
	name       TEXT PRIMARY KEY,
	matrix     JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS inflight_calls (
	user_id       TEXT NOT NULL,
	activity      TEXT NOT NULL,
	stage         TEXT NOT NULL,
	model         TEXT NOT NULL,
	input_summary TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (user_id, activity)
);

CREATE TABLE IF NOT EXISTS metric_records (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	activity      TEXT NOT NULL,
	model         TEXT NOT NULL,
	user_id       TEXT,
	outcome       TEXT NOT NULL,
	error_kind    TEXT,
	latency_ms    BIGINT NOT NULL DEFAULT 0,
	tokens_in     BIGINT NOT NULL DEFAULT 0,
	tokens_out    BIGINT NOT NULL DEFAULT 0,
	cached_in     BIGINT NOT NULL DEFAULT 0,
	cached_out    BIGINT NOT NULL DEFAULT 0,
	estimated_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	recorded_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS wizard_states (
	story_id   TEXT PRIMARY KEY,
	state      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS fulfillment_claims (
	order_id   TEXT NOT NULL,
	story_id   TEXT NOT NULL,
	claimed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (order_id, story_id)
);

CREATE INDEX IF NOT EXISTS idx_characters_story_id ON characters(story_id);
CREATE INDEX IF NOT EXISTS idx_pages_story_id ON pages(story_id, idx);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
CREATE INDEX IF NOT EXISTS idx_orders_user_id ON orders(user_id);
CREATE INDEX IF NOT EXISTS idx_metric_records_activity ON metric_records(activity);
CREATE INDEX IF NOT EXISTS idx_metric_records_recorded_at ON metric_records(recorded_at);
CREATE INDEX IF NOT EXISTS idx_fulfillment_claims_expires ON fulfillment_claims(expires_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateStory(ctx context.Context, story model.Story) (*model.Story, error) {
	if story.ID == "" {
		story.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	story.CreatedAt = now
	story.UpdatedAt = now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO stories (id, user_id, title, cover_url, pdf_url, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		story.ID, story.UserID, story.Title, nullable(story.CoverURL), nullable(story.PDFURL), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert story")
	}
	return &story, nil
}

func (s *PostgresStore) GetStory(ctx context.Context, storyID string) (*model.Story, error) {
	var st model.Story
	var coverURL, pdfURL *string

	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, title, cover_url, pdf_url, created_at, updated_at FROM stories WHERE id = $1`,
		storyID,
	).Scan(&st.ID, &st.UserID, &st.Title, &coverURL, &pdfURL, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get story %s", storyID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get story %s", storyID)
	}
	if coverURL != nil {
		st.CoverURL = *coverURL
	}
	if pdfURL != nil {
		st.PDFURL = *pdfURL
	}
	return &st, nil
}

func (s *PostgresStore) SetStoryCoverURL(ctx context.Context, storyID string, url string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE stories SET cover_url = $1, updated_at = $2 WHERE id = $3`,
		url, time.Now().UTC(), storyID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set story cover %s", storyID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "story not found: %s", storyID)
	}
	return nil
}

func (s *PostgresStore) SetStoryPDFURL(ctx context.Context, storyID string, url string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE stories SET pdf_url = $1, updated_at = $2 WHERE id = $3`,
		url, time.Now().UTC(), storyID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set story pdf %s", storyID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "story not found: %s", storyID)
	}
	return nil
}

func (s *PostgresStore) CreateCharacter(ctx context.Context, ch model.Character) (*model.Character, error) {
	if ch.ID == "" {
		ch.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO characters (id, story_id, name, description, thumb_url) VALUES ($1, $2, $3, $4, $5)`,
		ch.ID, ch.StoryID, ch.Name, nullable(ch.Description), nullable(ch.ThumbURL),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert character")
	}
	return &ch, nil
}

func (s *PostgresStore) ListCharacters(ctx context.Context, storyID string) ([]model.Character, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, story_id, name, description, thumb_url FROM characters WHERE story_id = $1 ORDER BY name`,
		storyID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list characters %s", storyID)
	}
	defer rows.Close()

	var chars []model.Character
	for rows.Next() {
		var ch model.Character
		var desc, thumb *string
		if err := rows.Scan(&ch.ID, &ch.StoryID, &ch.Name, &desc, &thumb); err != nil {
			return nil, eris.Wrap(err, "postgres: scan character")
		}
		if desc != nil {
			ch.Description = *desc
		}
		if thumb != nil {
			ch.ThumbURL = *thumb
		}
		chars = append(chars, ch)
	}
	return chars, eris.Wrap(rows.Err(), "postgres: list characters")
}

func (s *PostgresStore) SetCharacterThumbURL(ctx context.Context, characterID string, url string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE characters SET thumb_url = $1 WHERE id = $2`,
		url, characterID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set character thumb %s", characterID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "character not found: %s", characterID)
	}
	return nil
}

func (s *PostgresStore) CreatePage(ctx context.Context, page model.Page) (*model.Page, error) {
	if page.ID == "" {
		page.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pages (id, story_id, idx, body, illustration_url) VALUES ($1, $2, $3, $4, $5)`,
		page.ID, page.StoryID, page.Index, nullable(page.Text), nullable(page.IllustrationURL),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert page")
	}
	return &page, nil
}

func (s *PostgresStore) ListPages(ctx context.Context, storyID string) ([]model.Page, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, story_id, idx, body, illustration_url FROM pages WHERE story_id = $1 ORDER BY idx`,
		storyID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list pages %s", storyID)
	}
	defer rows.Close()

	var pages []model.Page
	for rows.Next() {
		var p model.Page
		var body, illo *string
		if err := rows.Scan(&p.ID, &p.StoryID, &p.Index, &body, &illo); err != nil {
			return nil, eris.Wrap(err, "postgres: scan page")
		}
		if body != nil {
			p.Text = *body
		}
		if illo != nil {
			p.IllustrationURL = *illo
		}
		pages = append(pages, p)
	}
	return pages, eris.Wrap(rows.Err(), "postgres: list pages")
}

func (s *PostgresStore) SetPageIllustrationURL(ctx context.Context, pageID string, url string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pages SET illustration_url = $1 WHERE id = $2`,
		url, pageID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set page illustration %s", pageID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "page not found: %s", pageID)
	}
	return nil
}

func (s *PostgresStore) CreateOrder(ctx context.Context, order model.Order) (*model.Order, error) {
	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	if order.Status == "" {
		order.Status = model.OrderStatusPending
	}
	now := time.Now().UTC()
	order.CreatedAt = now
	order.UpdatedAt = now

	itemsJSON, err := json.Marshal(order.Items)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal order items")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO orders (id, user_id, status, items, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		order.ID, order.UserID, string(order.Status), itemsJSON, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert order")
	}
	return &order, nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	var o model.Order
	var itemsJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, status, items, created_at, updated_at, fulfilled_at FROM orders WHERE id = $1`,
		orderID,
	).Scan(&o.ID, &o.UserID, &o.Status, &itemsJSON, &o.CreatedAt, &o.UpdatedAt, &o.FulfilledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get order %s", orderID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get order %s", orderID)
	}
	if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal order items")
	}
	return &o, nil
}

func (s *PostgresStore) ListOrders(ctx context.Context, filter OrderFilter) ([]model.Order, error) {
	query := `SELECT id, user_id, status, items, created_at, updated_at, fulfilled_at FROM orders WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.UserID != "" {
		query += fmt.Sprintf(` AND user_id = $%d`, argIdx)
		args = append(args, filter.UserID)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
		argIdx++
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list orders")
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var o model.Order
		var itemsJSON []byte
		if err := rows.Scan(&o.ID, &o.UserID, &o.Status, &itemsJSON, &o.CreatedAt, &o.UpdatedAt, &o.FulfilledAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan order")
		}
		if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal order items")
		}
		orders = append(orders, o)
	}
	return orders, eris.Wrap(rows.Err(), "postgres: list orders")
}

func (s *PostgresStore) SetOrderStatus(ctx context.Context, orderID string, status model.OrderStatus) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET status = $1, updated_at = $2, fulfilled_at = CASE WHEN $1 = 'fulfilled' THEN $2 ELSE fulfilled_at END WHERE id = $3`,
		string(status), now, orderID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set order status %s", orderID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "order not found: %s", orderID)
	}
	return nil
}

func (s *PostgresStore) GetFlagMatrix(ctx context.Context) (flags.Matrix, error) {
	var matrixJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT matrix FROM feature_flags WHERE name = $1`,
		flagMatrixName,
	).Scan(&matrixJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return flags.Matrix{}, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get flag matrix")
	}

	var m flags.Matrix
	if err := json.Unmarshal(matrixJSON, &m); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal flag matrix")
	}
	return m, nil
}

func (s *PostgresStore) SetFlag(ctx context.Context, stage model.Stage, activity model.Activity, enabled bool) error {
	m, err := s.GetFlagMatrix(ctx)
	if err != nil {
		return err
	}
	m.Set(stage, activity, enabled)

	matrixJSON, err := json.Marshal(m)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal flag matrix")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO feature_flags (name, matrix, updated_at) VALUES ($1, $2, $3) ON CONFLICT (name) DO UPDATE SET matrix = EXCLUDED.matrix, updated_at = EXCLUDED.updated_at`,
		flagMatrixName, matrixJSON, time.Now().UTC(),
	)
	return eris.Wrap(err, "postgres: set flag")
}

func (s *PostgresStore) StartInflight(ctx context.Context, rec model.InFlightRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO inflight_calls (user_id, activity, stage, model, input_summary, created_at) VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (user_id, activity) DO UPDATE SET stage = EXCLUDED.stage, model = EXCLUDED.model, input_summary = EXCLUDED.input_summary, created_at = EXCLUDED.created_at`,
		rec.UserID, string(rec.Activity), string(rec.Stage), rec.Model, rec.InputSummary, rec.CreatedAt,
	)
	return eris.Wrap(err, "postgres: start inflight")
}

func (s *PostgresStore) EndInflight(ctx context.Context, userID string, activity model.Activity) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM inflight_calls WHERE user_id = $1 AND activity = $2`,
		userID, string(activity),
	)
	return eris.Wrap(err, "postgres: end inflight")
}

func (s *PostgresStore) ListInflight(ctx context.Context) ([]model.InFlightRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, activity, stage, model, input_summary, created_at FROM inflight_calls ORDER BY created_at`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list inflight")
	}
	defer rows.Close()

	var recs []model.InFlightRecord
	for rows.Next() {
		var r model.InFlightRecord
		if err := rows.Scan(&r.UserID, &r.Activity, &r.Stage, &r.Model, &r.InputSummary, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan inflight")
		}
		recs = append(recs, r)
	}
	return recs, eris.Wrap(rows.Err(), "postgres: list inflight")
}

func (s *PostgresStore) InsertMetric(ctx context.Context, rec model.MetricRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO metric_records (id, activity, model, user_id, outcome, error_kind, latency_ms, tokens_in, tokens_out, cached_in, cached_out, estimated_usd, recorded_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		rec.ID, string(rec.Activity), rec.Model, nullable(rec.UserID), rec.Outcome, nullable(rec.ErrorKind),
		rec.LatencyMS, rec.TokensIn, rec.TokensOut, rec.CachedIn, rec.CachedOut, rec.EstimatedUSD, rec.RecordedAt,
	)
	return eris.Wrap(err, "postgres: insert metric")
}

func (s *PostgresStore) MetricsSummary(ctx context.Context, since time.Time) ([]model.MetricsSummaryRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT activity, COUNT(*), COUNT(*) FILTER (WHERE outcome = 'error'), COALESCE(AVG(latency_ms), 0)::bigint, COALESCE(SUM(tokens_in), 0), COALESCE(SUM(tokens_out), 0), COALESCE(SUM(estimated_usd), 0) FROM metric_records WHERE recorded_at >= $1 GROUP BY activity ORDER BY activity`,
		since,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: metrics summary")
	}
	defer rows.Close()

	var summary []model.MetricsSummaryRow
	for rows.Next() {
		var r model.MetricsSummaryRow
		if err := rows.Scan(&r.Activity, &r.Calls, &r.Errors, &r.AvgLatencyMS, &r.TokensIn, &r.TokensOut, &r.EstimatedUSD); err != nil {
			return nil, eris.Wrap(err, "postgres: scan summary")
		}
		if r.Calls > 0 {
			r.ErrorRate = float64(r.Errors) / float64(r.Calls)
		}
		summary = append(summary, r)
	}
	return summary, eris.Wrap(rows.Err(), "postgres: metrics summary")
}

func (s *PostgresStore) GetWizardState(ctx context.Context, storyID string) (*wizard.State, error) {
	var stateJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT state FROM wizard_states WHERE story_id = $1`,
		storyID,
	).Scan(&stateJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return wizard.NewState(), nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get wizard state %s", storyID)
	}

	var st wizard.State
	if err := json.Unmarshal(stateJSON, &st); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal wizard state")
	}
	return &st, nil
}

func (s *PostgresStore) SaveWizardState(ctx context.Context, storyID string, state *wizard.State) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal wizard state")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO wizard_states (story_id, state, updated_at) VALUES ($1, $2, $3) ON CONFLICT (story_id) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		storyID, stateJSON, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: save wizard state %s", storyID)
}

func (s *PostgresStore) ClaimFulfillmentItem(ctx context.Context, orderID, storyID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO fulfillment_claims (order_id, story_id, claimed_at, expires_at) VALUES ($1, $2, $3, $4) ON CONFLICT (order_id, story_id) DO UPDATE SET claimed_at = EXCLUDED.claimed_at, expires_at = EXCLUDED.expires_at WHERE fulfillment_claims.expires_at <= $3`,
		orderID, storyID, now, now.Add(ttl),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: claim fulfillment item %s/%s", orderID, storyID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ReleaseFulfillmentClaim(ctx context.Context, orderID, storyID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM fulfillment_claims WHERE order_id = $1 AND story_id = $2`,
		orderID, storyID,
	)
	return eris.Wrapf(err, "postgres: release fulfillment claim %s/%s", orderID, storyID)
}

// nullable maps empty strings to NULL so optional text columns stay NULL
// instead of storing empty strings.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
