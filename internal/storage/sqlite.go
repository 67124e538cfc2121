package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"github.com/oaeen/rssr/internal/model"
	"github.com/oaeen/rssr/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Concurrent sync workers write through this pool. SQLite allows a
	// single writer, so the pool is capped at one connection; a second
	// pooled connection would fail with SQLITE_BUSY the moment two
	// sources finish fetching together. The busy timeout covers writers
	// outside this process, such as the migrate CLI.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=OFF"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("disable foreign keys: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

const sourceColumns = `id, title, site_url, feed_url, category, is_active, failure_count,
	 etag, last_modified, last_synced_at, created_at, updated_at`

// UpsertSource inserts a source or, when the feed URL already exists, updates
// its metadata in place. The resulting row is returned either way.
func (s *SQLite) UpsertSource(ctx context.Context, src model.NewSource) (*model.Source, error) {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sources (title, site_url, feed_url, category, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(feed_url) DO UPDATE SET
		   title = excluded.title,
		   site_url = excluded.site_url,
		   category = excluded.category,
		   is_active = excluded.is_active,
		   updated_at = excluded.updated_at`,
		src.Title, src.SiteURL, src.FeedURL, src.Category, boolToInt(src.IsActive), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert source: %w", err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE feed_url = ?`, src.FeedURL,
	)
	return scanSource(row)
}

// GetSource returns a single source by its ID, or nil when absent.
func (s *SQLite) GetSource(ctx context.Context, id int64) (*model.Source, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE id = ?`, id,
	)
	src, err := scanSource(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return src, err
}

// ListSources returns all sources, newest first.
func (s *SQLite) ListSources(ctx context.Context) ([]model.Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sourceColumns+` FROM sources ORDER BY id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanSources(rows)
}

// ListSyncCandidates returns up to limit active sources, least recently
// synced first.
func (s *SQLite) ListSyncCandidates(ctx context.Context, limit int) ([]model.Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sourceColumns+` FROM sources
		 WHERE is_active = 1
		 ORDER BY COALESCE(last_synced_at, '') ASC, id ASC
		 LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query sync candidates: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanSources(rows)
}

// DeleteSource removes a source and all of its entries.
func (s *SQLite) DeleteSource(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE source_id = ?`, id); err != nil {
		return fmt.Errorf("delete entries: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sources WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	return tx.Commit()
}

// SetSourcesActive flips the active flag on a batch of sources and returns
// the number of rows updated.
func (s *SQLite) SetSourcesActive(ctx context.Context, ids []int64, active bool) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	now := time.Now().UTC().Format(timeLayout)
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(ids)+2)
	args = append(args, boolToInt(active), now)
	for _, id := range ids {
		args = append(args, id)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sources SET is_active = ?, updated_at = ? WHERE id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("set sources active: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return affected, nil
}

// RecordSyncSuccess stores the new conditional-fetch validators, resets the
// failure counter and stamps the sync time.
func (s *SQLite) RecordSyncSuccess(ctx context.Context, sourceID int64, etag, lastModified *string) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`UPDATE sources
		 SET etag = ?, last_modified = ?, last_synced_at = ?, failure_count = 0, updated_at = ?
		 WHERE id = ?`,
		etag, lastModified, now, now, sourceID,
	)
	if err != nil {
		return fmt.Errorf("record sync success: %w", err)
	}
	return nil
}

// RecordSyncFailure increments the consecutive-failure counter.
func (s *SQLite) RecordSyncFailure(ctx context.Context, sourceID int64) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`UPDATE sources SET failure_count = failure_count + 1, updated_at = ? WHERE id = ?`,
		now, sourceID,
	)
	if err != nil {
		return fmt.Errorf("record sync failure: %w", err)
	}
	return nil
}

// UpsertEntries stores parsed entries for a source. Uniqueness is per
// (source_id, link): re-ingesting a known link updates the mutable fields and
// preserves identity, read/starred state and creation time. Returns the
// number of entries processed.
func (s *SQLite) UpsertEntries(ctx context.Context, sourceID int64, entries []model.ParsedEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(timeLayout)
	processed := 0
	for _, entry := range entries {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO entries (source_id, guid, link, title, summary, content, published_at, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(source_id, link) DO UPDATE SET
			   guid = excluded.guid,
			   title = excluded.title,
			   summary = excluded.summary,
			   content = excluded.content,
			   published_at = excluded.published_at`,
			sourceID, entry.ID, entry.Link, entry.Title, entry.Summary, entry.Content, entry.PublishedAt, now,
		)
		if err != nil {
			return processed, fmt.Errorf("upsert entry %q: %w", entry.Link, err)
		}
		processed++
	}

	if err := tx.Commit(); err != nil {
		return processed, fmt.Errorf("commit entries: %w", err)
	}
	return processed, nil
}

const entryColumns = `e.id, e.source_id, s.title, e.guid, e.link, e.title, e.translated_title,
	 e.summary, e.content, e.published_at, e.is_read, e.is_starred, e.created_at`

// GetEntry returns a single entry by its ID, or nil when absent.
func (s *SQLite) GetEntry(ctx context.Context, id int64) (*model.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+`
		 FROM entries e JOIN sources s ON s.id = e.source_id
		 WHERE e.id = ?`, id,
	)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return entry, err
}

// ListEntries returns entries matching the filter, newest first. The keyword
// matches against title and summary; all filter conditions intersect.
func (s *SQLite) ListEntries(ctx context.Context, filter EntryFilter) ([]model.Entry, error) {
	query := `SELECT ` + entryColumns + `
		 FROM entries e JOIN sources s ON s.id = e.source_id`
	var conds []string
	var args []any

	if filter.SourceID != nil {
		conds = append(conds, "e.source_id = ?")
		args = append(args, *filter.SourceID)
	}
	if keyword := strings.TrimSpace(filter.Search); keyword != "" {
		conds = append(conds, "(e.title LIKE '%' || ? || '%' OR IFNULL(e.summary, '') LIKE '%' || ? || '%')")
		args = append(args, keyword, keyword)
	}
	if filter.UnreadOnly {
		conds = append(conds, "e.is_read = 0")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 300
	}
	query += " ORDER BY COALESCE(e.published_at, e.created_at) DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

// MarkEntryRead updates the read flag and returns the number of rows changed.
func (s *SQLite) MarkEntryRead(ctx context.Context, id int64, read bool) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entries SET is_read = ? WHERE id = ?`, boolToInt(read), id,
	)
	if err != nil {
		return 0, fmt.Errorf("mark entry read: %w", err)
	}
	return res.RowsAffected()
}

// MarkEntryStarred updates the starred flag and returns the number of rows changed.
func (s *SQLite) MarkEntryStarred(ctx context.Context, id int64, starred bool) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entries SET is_starred = ? WHERE id = ?`, boolToInt(starred), id,
	)
	if err != nil {
		return 0, fmt.Errorf("mark entry starred: %w", err)
	}
	return res.RowsAffected()
}

// ListEntriesPendingTranslation returns up to limit entries that have a
// non-blank title and no translated title yet, newest first.
func (s *SQLite) ListEntriesPendingTranslation(ctx context.Context, limit int) ([]model.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+`
		 FROM entries e JOIN sources s ON s.id = e.source_id
		 WHERE (e.translated_title IS NULL OR e.translated_title = '')
		   AND TRIM(e.title) <> ''
		 ORDER BY COALESCE(e.published_at, e.created_at) DESC
		 LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending translation: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

// SetEntryTranslatedTitle stores the machine-generated title translation.
func (s *SQLite) SetEntryTranslatedTitle(ctx context.Context, entryID int64, text string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE entries SET translated_title = ? WHERE id = ?`, text, entryID,
	)
	if err != nil {
		return fmt.Errorf("set translated title: %w", err)
	}
	return nil
}

// GetSetting returns the value stored under key, or nil when absent.
func (s *SQLite) GetSetting(ctx context.Context, key string) (*string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get setting %q: %w", key, err)
	}
	return &value, nil
}

// SetSetting stores an opaque string value under key.
func (s *SQLite) SetSetting(ctx context.Context, key, value string) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now,
	)
	if err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}
	return nil
}

// GetLLMCache returns previously generated text for the given task, model and
// content hash, or nil on a cache miss.
func (s *SQLite) GetLLMCache(ctx context.Context, taskType, mdl, hash string) (*string, error) {
	var output string
	err := s.db.QueryRowContext(ctx,
		`SELECT output FROM llm_cache WHERE task_type = ? AND model = ? AND input_hash = ?`,
		taskType, mdl, hash,
	).Scan(&output)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get llm cache: %w", err)
	}
	return &output, nil
}

// SetLLMCache stores generated text for the given task, model and content
// hash. Overwriting is safe: the key fully determines the expected output.
func (s *SQLite) SetLLMCache(ctx context.Context, taskType, mdl, hash, output string) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO llm_cache (task_type, model, input_hash, output, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(task_type, model, input_hash) DO UPDATE SET output = excluded.output`,
		taskType, mdl, hash, output, now,
	)
	if err != nil {
		return fmt.Errorf("set llm cache: %w", err)
	}
	return nil
}

func scanSource(row scannable) (*model.Source, error) {
	var src model.Source
	var isActive int
	var lastSynced, created, updated sql.NullString
	err := row.Scan(&src.ID, &src.Title, &src.SiteURL, &src.FeedURL, &src.Category,
		&isActive, &src.FailureCount, &src.ETag, &src.LastModified, &lastSynced, &created, &updated)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan source: %w", err)
	}
	src.IsActive = isActive == 1
	if lastSynced.Valid {
		t, _ := time.Parse(timeLayout, lastSynced.String)
		src.LastSyncedAt = &t
	}
	if created.Valid {
		src.CreatedAt, _ = time.Parse(timeLayout, created.String)
	}
	if updated.Valid {
		src.UpdatedAt, _ = time.Parse(timeLayout, updated.String)
	}
	return &src, nil
}

func scanSources(rows *sql.Rows) ([]model.Source, error) {
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

func scanEntry(row scannable) (*model.Entry, error) {
	var entry model.Entry
	var isRead, isStarred int
	var created sql.NullString
	err := row.Scan(&entry.ID, &entry.SourceID, &entry.SourceTitle, &entry.GUID, &entry.Link,
		&entry.Title, &entry.TranslatedTitle, &entry.Summary, &entry.Content, &entry.PublishedAt,
		&isRead, &isStarred, &created)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan entry: %w", err)
	}
	entry.IsRead = isRead == 1
	entry.IsStarred = isStarred == 1
	if created.Valid {
		entry.CreatedAt, _ = time.Parse(timeLayout, created.String)
	}
	return &entry, nil
}

func scanEntries(rows *sql.Rows) ([]model.Entry, error) {
	var entries []model.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
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
