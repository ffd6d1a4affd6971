package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/fablepress/storyforge/internal/flags"
	"github.com/fablepress/storyforge/internal/model"
	"github.com/fablepress/storyforge/internal/wizard"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS stories (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	title      TEXT NOT NULL,
	cover_url  TEXT,
	pdf_url    TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS characters (
	id          TEXT PRIMARY KEY,
	story_id    TEXT NOT NULL REFERENCES stories(id),
	name        TEXT NOT NULL,
	description TEXT,
	thumb_url   TEXT
);

CREATE TABLE IF NOT EXISTS pages (
	id               TEXT PRIMARY KEY,
	story_id         TEXT NOT NULL REFERENCES stories(id),
	idx              INTEGER NOT NULL,
	body             TEXT,
	illustration_url TEXT
);

CREATE TABLE IF NOT EXISTS orders (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	items        TEXT NOT NULL,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	fulfilled_at DATETIME
);

CREATE TABLE IF NOT EXISTS feature_flags (
	name       TEXT PRIMARY KEY,
	matrix     TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS inflight_calls (
	user_id       TEXT NOT NULL,
	activity      TEXT NOT NULL,
	stage         TEXT NOT NULL,
	model         TEXT NOT NULL,
	input_summary TEXT NOT NULL,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (user_id, activity)
);

CREATE TABLE IF NOT EXISTS metric_records (
	id            TEXT PRIMARY KEY,
	activity      TEXT NOT NULL,
	model         TEXT NOT NULL,
	user_id       TEXT,
	outcome       TEXT NOT NULL,
	error_kind    TEXT,
	latency_ms    INTEGER NOT NULL DEFAULT 0,
	tokens_in     INTEGER NOT NULL DEFAULT 0,
	tokens_out    INTEGER NOT NULL DEFAULT 0,
	cached_in     INTEGER NOT NULL DEFAULT 0,
	cached_out    INTEGER NOT NULL DEFAULT 0,
	estimated_usd REAL NOT NULL DEFAULT 0,
	recorded_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS wizard_states (
	story_id   TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS fulfillment_claims (
	order_id   TEXT NOT NULL,
	story_id   TEXT NOT NULL,
	claimed_at DATETIME NOT NULL DEFAULT (datetime('now')),
	expires_at DATETIME NOT NULL,
	PRIMARY KEY (order_id, story_id)
);

CREATE INDEX IF NOT EXISTS idx_characters_story_id ON characters(story_id);
CREATE INDEX IF NOT EXISTS idx_pages_story_id ON pages(story_id, idx);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
CREATE INDEX IF NOT EXISTS idx_metric_records_recorded_at ON metric_records(recorded_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateStory(ctx context.Context, story model.Story) (*model.Story, error) {
	if story.ID == "" {
		story.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	story.CreatedAt = now
	story.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stories (id, user_id, title, cover_url, pdf_url, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		story.ID, story.UserID, story.Title, nullable(story.CoverURL), nullable(story.PDFURL), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert story")
	}
	return &story, nil
}

func (s *SQLiteStore) GetStory(ctx context.Context, storyID string) (*model.Story, error) {
	var st model.Story
	var coverURL, pdfURL sql.NullString

	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, cover_url, pdf_url, created_at, updated_at FROM stories WHERE id = ?`,
		storyID,
	).Scan(&st.ID, &st.UserID, &st.Title, &coverURL, &pdfURL, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get story %s", storyID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get story %s", storyID)
	}
	st.CoverURL = coverURL.String
	st.PDFURL = pdfURL.String
	return &st, nil
}

func (s *SQLiteStore) SetStoryCoverURL(ctx context.Context, storyID string, url string) error {
	return s.updateOne(ctx, "set story cover", storyID,
		`UPDATE stories SET cover_url = ?, updated_at = ? WHERE id = ?`,
		url, time.Now().UTC(), storyID)
}

func (s *SQLiteStore) SetStoryPDFURL(ctx context.Context, storyID string, url string) error {
	return s.updateOne(ctx, "set story pdf", storyID,
		`UPDATE stories SET pdf_url = ?, updated_at = ? WHERE id = ?`,
		url, time.Now().UTC(), storyID)
}

func (s *SQLiteStore) CreateCharacter(ctx context.Context, ch model.Character) (*model.Character, error) {
	if ch.ID == "" {
		ch.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO characters (id, story_id, name, description, thumb_url) VALUES (?, ?, ?, ?, ?)`,
		ch.ID, ch.StoryID, ch.Name, nullable(ch.Description), nullable(ch.ThumbURL),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert character")
	}
	return &ch, nil
}

func (s *SQLiteStore) ListCharacters(ctx context.Context, storyID string) ([]model.Character, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, story_id, name, description, thumb_url FROM characters WHERE story_id = ? ORDER BY name`,
		storyID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list characters %s", storyID)
	}
	defer rows.Close()

	var chars []model.Character
	for rows.Next() {
		var ch model.Character
		var desc, thumb sql.NullString
		if err := rows.Scan(&ch.ID, &ch.StoryID, &ch.Name, &desc, &thumb); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan character")
		}
		ch.Description = desc.String
		ch.ThumbURL = thumb.String
		chars = append(chars, ch)
	}
	return chars, eris.Wrap(rows.Err(), "sqlite: list characters")
}

func (s *SQLiteStore) SetCharacterThumbURL(ctx context.Context, characterID string, url string) error {
	return s.updateOne(ctx, "set character thumb", characterID,
		`UPDATE characters SET thumb_url = ? WHERE id = ?`,
		url, characterID)
}

func (s *SQLiteStore) CreatePage(ctx context.Context, page model.Page) (*model.Page, error) {
	if page.ID == "" {
		page.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pages (id, story_id, idx, body, illustration_url) VALUES (?, ?, ?, ?, ?)`,
		page.ID, page.StoryID, page.Index, nullable(page.Text), nullable(page.IllustrationURL),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert page")
	}
	return &page, nil
}

func (s *SQLiteStore) ListPages(ctx context.Context, storyID string) ([]model.Page, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, story_id, idx, body, illustration_url FROM pages WHERE story_id = ? ORDER BY idx`,
		storyID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list pages %s", storyID)
	}
	defer rows.Close()

	var pages []model.Page
	for rows.Next() {
		var p model.Page
		var body, illo sql.NullString
		if err := rows.Scan(&p.ID, &p.StoryID, &p.Index, &body, &illo); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan page")
		}
		p.Text = body.String
		p.IllustrationURL = illo.String
		pages = append(pages, p)
	}
	return pages, eris.Wrap(rows.Err(), "sqlite: list pages")
}

func (s *SQLiteStore) SetPageIllustrationURL(ctx context.Context, pageID string, url string) error {
	return s.updateOne(ctx, "set page illustration", pageID,
		`UPDATE pages SET illustration_url = ? WHERE id = ?`,
		url, pageID)
}

func (s *SQLiteStore) CreateOrder(ctx context.Context, order model.Order) (*model.Order, error) {
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
		return nil, eris.Wrap(err, "sqlite: marshal order items")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO orders (id, user_id, status, items, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		order.ID, order.UserID, string(order.Status), string(itemsJSON), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert order")
	}
	return &order, nil
}

func (s *SQLiteStore) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	var o model.Order
	var itemsJSON string
	var fulfilledAt sql.NullTime

	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, status, items, created_at, updated_at, fulfilled_at FROM orders WHERE id = ?`,
		orderID,
	).Scan(&o.ID, &o.UserID, &o.Status, &itemsJSON, &o.CreatedAt, &o.UpdatedAt, &fulfilledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get order %s", orderID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get order %s", orderID)
	}
	if err := json.Unmarshal([]byte(itemsJSON), &o.Items); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal order items")
	}
	if fulfilledAt.Valid {
		o.FulfilledAt = &fulfilledAt.Time
	}
	return &o, nil
}

func (s *SQLiteStore) ListOrders(ctx context.Context, filter OrderFilter) ([]model.Order, error) {
	query := `SELECT id, user_id, status, items, created_at, updated_at, fulfilled_at FROM orders WHERE 1=1`
	args := []any{}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list orders")
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var o model.Order
		var itemsJSON string
		var fulfilledAt sql.NullTime
		if err := rows.Scan(&o.ID, &o.UserID, &o.Status, &itemsJSON, &o.CreatedAt, &o.UpdatedAt, &fulfilledAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan order")
		}
		if err := json.Unmarshal([]byte(itemsJSON), &o.Items); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal order items")
		}
		if fulfilledAt.Valid {
			o.FulfilledAt = &fulfilledAt.Time
		}
		orders = append(orders, o)
	}
	return orders, eris.Wrap(rows.Err(), "sqlite: list orders")
}

func (s *SQLiteStore) SetOrderStatus(ctx context.Context, orderID string, status model.OrderStatus) error {
	now := time.Now().UTC()
	return s.updateOne(ctx, "set order status", orderID,
		`UPDATE orders SET status = ?, updated_at = ?, fulfilled_at = CASE WHEN ? = 'fulfilled' THEN ? ELSE fulfilled_at END WHERE id = ?`,
		string(status), now, string(status), now, orderID)
}

func (s *SQLiteStore) GetFlagMatrix(ctx context.Context) (flags.Matrix, error) {
	var matrixJSON string

	err := s.db.QueryRowContext(ctx,
		`SELECT matrix FROM feature_flags WHERE name = ?`,
		flagMatrixName,
	).Scan(&matrixJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return flags.Matrix{}, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get flag matrix")
	}

	var m flags.Matrix
	if err := json.Unmarshal([]byte(matrixJSON), &m); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal flag matrix")
	}
	return m, nil
}

func (s *SQLiteStore) SetFlag(ctx context.Context, stage model.Stage, activity model.Activity, enabled bool) error {
	m, err := s.GetFlagMatrix(ctx)
	if err != nil {
		return err
	}
	m.Set(stage, activity, enabled)

	matrixJSON, err := json.Marshal(m)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal flag matrix")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO feature_flags (name, matrix, updated_at) VALUES (?, ?, ?) ON CONFLICT (name) DO UPDATE SET matrix = excluded.matrix, updated_at = excluded.updated_at`,
		flagMatrixName, string(matrixJSON), time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: set flag")
}

func (s *SQLiteStore) StartInflight(ctx context.Context, rec model.InFlightRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO inflight_calls (user_id, activity, stage, model, input_summary, created_at) VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (user_id, activity) DO UPDATE SET stage = excluded.stage, model = excluded.model, input_summary = excluded.input_summary, created_at = excluded.created_at`,
		rec.UserID, string(rec.Activity), string(rec.Stage), rec.Model, rec.InputSummary, rec.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: start inflight")
}

func (s *SQLiteStore) EndInflight(ctx context.Context, userID string, activity model.Activity) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM inflight_calls WHERE user_id = ? AND activity = ?`,
		userID, string(activity),
	)
	return eris.Wrap(err, "sqlite: end inflight")
}

func (s *SQLiteStore) ListInflight(ctx context.Context) ([]model.InFlightRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, activity, stage, model, input_summary, created_at FROM inflight_calls ORDER BY created_at`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list inflight")
	}
	defer rows.Close()

	var recs []model.InFlightRecord
	for rows.Next() {
		var r model.InFlightRecord
		if err := rows.Scan(&r.UserID, &r.Activity, &r.Stage, &r.Model, &r.InputSummary, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan inflight")
		}
		recs = append(recs, r)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: list inflight")
}

func (s *SQLiteStore) InsertMetric(ctx context.Context, rec model.MetricRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metric_records (id, activity, model, user_id, outcome, error_kind, latency_ms, tokens_in, tokens_out, cached_in, cached_out, estimated_usd, recorded_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Activity), rec.Model, nullable(rec.UserID), rec.Outcome, nullable(rec.ErrorKind),
		rec.LatencyMS, rec.TokensIn, rec.TokensOut, rec.CachedIn, rec.CachedOut, rec.EstimatedUSD, rec.RecordedAt,
	)
	return eris.Wrap(err, "sqlite: insert metric")
}

func (s *SQLiteStore) MetricsSummary(ctx context.Context, since time.Time) ([]model.MetricsSummaryRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT activity, COUNT(*), SUM(CASE WHEN outcome = 'error' THEN 1 ELSE 0 END), CAST(COALESCE(AVG(latency_ms), 0) AS INTEGER), COALESCE(SUM(tokens_in), 0), COALESCE(SUM(tokens_out), 0), COALESCE(SUM(estimated_usd), 0) FROM metric_records WHERE recorded_at >= ? GROUP BY activity ORDER BY activity`,
		since,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: metrics summary")
	}
	defer rows.Close()

	var summary []model.MetricsSummaryRow
	for rows.Next() {
		var r model.MetricsSummaryRow
		if err := rows.Scan(&r.Activity, &r.Calls, &r.Errors, &r.AvgLatencyMS, &r.TokensIn, &r.TokensOut, &r.EstimatedUSD); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan summary")
		}
		if r.Calls > 0 {
			r.ErrorRate = float64(r.Errors) / float64(r.Calls)
		}
		summary = append(summary, r)
	}
	return summary, eris.Wrap(rows.Err(), "sqlite: metrics summary")
}

func (s *SQLiteStore) GetWizardState(ctx context.Context, storyID string) (*wizard.State, error) {
	var stateJSON string

	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM wizard_states WHERE story_id = ?`,
		storyID,
	).Scan(&stateJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return wizard.NewState(), nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get wizard state %s", storyID)
	}

	var st wizard.State
	if err := json.Unmarshal([]byte(stateJSON), &st); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal wizard state")
	}
	return &st, nil
}

func (s *SQLiteStore) SaveWizardState(ctx context.Context, storyID string, state *wizard.State) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal wizard state")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO wizard_states (story_id, state, updated_at) VALUES (?, ?, ?) ON CONFLICT (story_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		storyID, string(stateJSON), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: save wizard state %s", storyID)
}

func (s *SQLiteStore) ClaimFulfillmentItem(ctx context.Context, orderID, storyID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO fulfillment_claims (order_id, story_id, claimed_at, expires_at) VALUES (?, ?, ?, ?) ON CONFLICT (order_id, story_id) DO UPDATE SET claimed_at = excluded.claimed_at, expires_at = excluded.expires_at WHERE fulfillment_claims.expires_at <= ?`,
		orderID, storyID, now, now.Add(ttl), now,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: claim fulfillment item %s/%s", orderID, storyID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: claim fulfillment item rows")
	}
	return n > 0, nil
}

func (s *SQLiteStore) ReleaseFulfillmentClaim(ctx context.Context, orderID, storyID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM fulfillment_claims WHERE order_id = ? AND story_id = ?`,
		orderID, storyID,
	)
	return eris.Wrapf(err, "sqlite: release fulfillment claim %s/%s", orderID, storyID)
}

// updateOne executes a single-row update and reports a not-found error when
// nothing matched.
func (s *SQLiteStore) updateOne(ctx context.Context, op, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: %s %s", op, id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: %s %s", op, id)
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s: not found: %s", op, id)
	}
	return nil
}
