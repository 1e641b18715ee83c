package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"feedsift/internal/model"
	"feedsift/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

var _ Storage = (*SQLite)(nil)

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite serializes writers anyway, and ":memory:" databases are
	// per-connection, so a single connection keeps every caller on one schema.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrations.Run(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) stamp() string {
	return s.now().UTC().Format(timeLayout)
}

// --- sources ---

const sourceColumns = `id, owner_id, name, url, enabled, refresh_minutes, last_fetch_at, fetching, created_at`

// CreateSource inserts a source, or refreshes name, interval and enabled flag
// when the owner already registered the same URL. It populates ID and CreatedAt.
func (s *SQLite) CreateSource(ctx context.Context, src *model.Source) error {
	now := s.stamp()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sources (owner_id, name, url, enabled, refresh_minutes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (owner_id, url) DO UPDATE SET
		   name = excluded.name,
		   enabled = excluded.enabled,
		   refresh_minutes = excluded.refresh_minutes`,
		src.OwnerID, src.Name, src.URL, boolToInt(src.Enabled), src.RefreshMinutes, now,
	)
	if err != nil {
		return fmt.Errorf("upsert source: %w", err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE owner_id = ? AND url = ?`, src.OwnerID, src.URL,
	)
	got, err := scanSource(row)
	if err != nil {
		return err
	}
	*src = *got
	return nil
}

// GetSource returns a single source by its ID.
func (s *SQLite) GetSource(ctx context.Context, id int64) (*model.Source, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = ?`, id)
	return scanSource(row)
}

// ListEnabledSources returns every enabled source across all owners.
func (s *SQLite) ListEnabledSources(ctx context.Context) ([]model.Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE enabled = 1 ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sources []model.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, *src)
	}
	return sources, rows.Err()
}

// MarkFetchStarted sets the in-progress flag of a source.
func (s *SQLite) MarkFetchStarted(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE sources SET fetching = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("mark fetch started: %w", err)
	}
	return nil
}

// MarkFetchCompleted clears the in-progress flag and records the fetch time.
func (s *SQLite) MarkFetchCompleted(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sources SET fetching = 0, last_fetch_at = ? WHERE id = ?`,
		at.UTC().Format(timeLayout), id,
	)
	if err != nil {
		return fmt.Errorf("mark fetch completed: %w", err)
	}
	return nil
}

// ResetFetching clears in-progress flags left behind by an unclean shutdown.
func (s *SQLite) ResetFetching(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE sources SET fetching = 0 WHERE fetching = 1`)
	if err != nil {
		return 0, fmt.Errorf("reset fetching: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// --- profiles ---

// GetProfile returns the filter profile of an owner, or ErrNotFound.
func (s *SQLite) GetProfile(ctx context.Context, ownerID int64) (*model.Profile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT owner_id, base_url, model, api_key, preference,
		        connect_timeout_ms, read_timeout_ms, write_timeout_ms, max_tokens,
		        reasoning_model, refresh_minutes, notify_enabled, notify_destination
		 FROM profiles WHERE owner_id = ?`, ownerID,
	)

	var p model.Profile
	var connectMS, readMS, writeMS int64
	var reasoning sql.NullInt64
	var notify int
	err := row.Scan(&p.OwnerID, &p.BaseURL, &p.Model, &p.APIKey, &p.Preference,
		&connectMS, &readMS, &writeMS, &p.MaxTokens,
		&reasoning, &p.RefreshMinutes, &notify, &p.NotifyDestination)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan profile: %w", err)
	}
	p.ConnectTimeout = time.Duration(connectMS) * time.Millisecond
	p.ReadTimeout = time.Duration(readMS) * time.Millisecond
	p.WriteTimeout = time.Duration(writeMS) * time.Millisecond
	if reasoning.Valid {
		v := reasoning.Int64 == 1
		p.ReasoningModel = &v
	}
	p.NotifyEnabled = notify == 1
	return &p, nil
}

// UpsertProfile creates or replaces the profile of p.OwnerID.
func (s *SQLite) UpsertProfile(ctx context.Context, p *model.Profile) error {
	var reasoning any
	if p.ReasoningModel != nil {
		reasoning = boolToInt(*p.ReasoningModel)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (owner_id, base_url, model, api_key, preference,
		        connect_timeout_ms, read_timeout_ms, write_timeout_ms, max_tokens,
		        reasoning_model, refresh_minutes, notify_enabled, notify_destination, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (owner_id) DO UPDATE SET
		   base_url = excluded.base_url,
		   model = excluded.model,
		   api_key = excluded.api_key,
		   preference = excluded.preference,
		   connect_timeout_ms = excluded.connect_timeout_ms,
		   read_timeout_ms = excluded.read_timeout_ms,
		   write_timeout_ms = excluded.write_timeout_ms,
		   max_tokens = excluded.max_tokens,
		   reasoning_model = excluded.reasoning_model,
		   refresh_minutes = excluded.refresh_minutes,
		   notify_enabled = excluded.notify_enabled,
		   notify_destination = excluded.notify_destination,
		   updated_at = excluded.updated_at`,
		p.OwnerID, p.BaseURL, p.Model, p.APIKey, p.Preference,
		p.ConnectTimeout.Milliseconds(), p.ReadTimeout.Milliseconds(), p.WriteTimeout.Milliseconds(), p.MaxTokens,
		reasoning, p.RefreshMinutes, boolToInt(p.NotifyEnabled), p.NotifyDestination, s.stamp(),
	)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// --- items ---

// ExistsByLinkSince reports whether the owner has an item with this link
// created at or after since.
func (s *SQLite) ExistsByLinkSince(ctx context.Context, ownerID int64, link string, since time.Time) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM items WHERE owner_id = ? AND link = ? AND created_at >= ?`,
		ownerID, link, since.UTC().Format(timeLayout),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check link: %w", err)
	}
	return count > 0, nil
}

// ExistsByTitleSince reports whether the owner has an item with this title
// created at or after since.
func (s *SQLite) ExistsByTitleSince(ctx context.Context, ownerID int64, title string, since time.Time) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM items WHERE owner_id = ? AND title = ? AND created_at >= ?`,
		ownerID, title, since.UTC().Format(timeLayout),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check title: %w", err)
	}
	return count > 0, nil
}

// InsertItem inserts item unless the owner already has its link. It reports
// whether a row was created and, if so, populates ID and CreatedAt.
func (s *SQLite) InsertItem(ctx context.Context, item *model.Item) (bool, error) {
	now := s.stamp()
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO items
		   (source_id, owner_id, title, link, description, content, published_at, status, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.SourceID, item.OwnerID, item.Title, item.Link, item.Description, item.Content,
		item.PublishedAt.UTC().Format(timeLayout), int(item.Status), item.Reason, now,
	)
	if err != nil {
		return false, fmt.Errorf("insert item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("last insert id: %w", err)
	}
	item.ID = id
	item.CreatedAt, _ = time.Parse(timeLayout, now)
	return true, nil
}

// UpdateVerdict stores the AI decision on an item.
func (s *SQLite) UpdateVerdict(ctx context.Context, id int64, status model.FilterStatus, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE items SET status = ?, reason = ? WHERE id = ?`, int(status), reason, id,
	)
	if err != nil {
		return fmt.Errorf("update verdict: %w", err)
	}
	return nil
}

// GetItem returns a single item by its ID.
func (s *SQLite) GetItem(ctx context.Context, id int64) (*model.Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source_id, owner_id, title, link, description, content, published_at, status, reason, created_at
		 FROM items WHERE id = ?`, id,
	)
	var it model.Item
	var status int
	var published, created string
	err := row.Scan(&it.ID, &it.SourceID, &it.OwnerID, &it.Title, &it.Link, &it.Description, &it.Content,
		&published, &status, &it.Reason, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan item: %w", err)
	}
	it.Status = model.FilterStatus(status)
	it.PublishedAt, _ = time.Parse(timeLayout, published)
	it.CreatedAt, _ = time.Parse(timeLayout, created)
	return &it, nil
}

// --- audit ---

// AppendAudit adds one audit row. Entries are never updated.
func (s *SQLite) AppendAudit(ctx context.Context, e *model.AuditEntry) error {
	now := s.stamp()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO filter_audit (owner_id, item_id, title, link, passed, reason, raw_response, source_name, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.OwnerID, e.ItemID, e.Title, e.Link, boolToInt(e.Passed), e.Reason, e.RawResponse, e.SourceName, now,
	)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	e.ID = id
	e.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// ListAudit returns the audit trail of an item, oldest first.
func (s *SQLite) ListAudit(ctx context.Context, itemID int64) ([]model.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, item_id, title, link, passed, reason, raw_response, source_name, created_at
		 FROM filter_audit WHERE item_id = ? ORDER BY id`, itemID,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var passed int
		var created string
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.ItemID, &e.Title, &e.Link, &passed, &e.Reason,
			&e.RawResponse, &e.SourceName, &created); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.Passed = passed == 1
		e.CreatedAt, _ = time.Parse(timeLayout, created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- keyword subscriptions ---

// CreateSubscription inserts a keyword subscription and populates its ID.
func (s *SQLite) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	now := s.stamp()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO keyword_subscriptions (owner_id, keywords, enabled, created_at) VALUES (?, ?, ?, ?)`,
		sub.OwnerID, sub.Keywords, boolToInt(sub.Enabled), now,
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	sub.ID = id
	sub.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// ListEnabledSubscriptions returns the enabled keyword subscriptions of an owner.
func (s *SQLite) ListEnabledSubscriptions(ctx context.Context, ownerID int64) ([]model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, keywords, enabled, created_at
		 FROM keyword_subscriptions WHERE owner_id = ? AND enabled = 1 ORDER BY id`, ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var subs []model.Subscription
	for rows.Next() {
		var sub model.Subscription
		var enabled int
		var created string
		if err := rows.Scan(&sub.ID, &sub.OwnerID, &sub.Keywords, &enabled, &created); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		sub.Enabled = enabled == 1
		sub.CreatedAt, _ = time.Parse(timeLayout, created)
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// RecordKeywordMatch marks (owner, subscription, item) as notified. It
// returns false when the triple was already recorded.
func (s *SQLite) RecordKeywordMatch(ctx context.Context, ownerID, subscriptionID, itemID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO keyword_notifications (owner_id, subscription_id, item_id, created_at)
		 VALUES (?, ?, ?, ?)`,
		ownerID, subscriptionID, itemID, s.stamp(),
	)
	if err != nil {
		return false, fmt.Errorf("record keyword match: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSource(row scannable) (*model.Source, error) {
	var src model.Source
	var enabled, fetching int
	var lastFetch, created sql.NullString
	err := row.Scan(&src.ID, &src.OwnerID, &src.Name, &src.URL, &enabled, &src.RefreshMinutes,
		&lastFetch, &fetching, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan source: %w", err)
	}
	src.Enabled = enabled == 1
	src.Fetching = fetching == 1
	if lastFetch.Valid {
		t, _ := time.Parse(timeLayout, lastFetch.String)
		src.LastFetchAt = &t
	}
	if created.Valid {
		src.CreatedAt, _ = time.Parse(timeLayout, created.String)
	}
	return &src, nil
}
