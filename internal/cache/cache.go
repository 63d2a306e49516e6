// Package cache stores downloaded enrollment data in a local SQLite database
// so repeated lookups for the same state and year skip the network.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Entry is one cached state/year payload.
type Entry struct {
	ID        string
	State     string
	EndYear   int
	Payload   []byte // nil when listed through Entries
	RowCount  int
	FetchedAt time.Time
}

// Age returns how long ago the entry was fetched.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.FetchedAt)
}

// Cache is a SQLite-backed enrollment cache. It is safe for concurrent use.
type Cache struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open opens (creating if needed) the cache database at path.
// ":memory:" gives a private in-memory cache.
func Open(path string) (*Cache, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps :memory: databases shared and serialises writers.
	db.SetMaxOpenConns(1)

	c := &Cache{db: db, path: path, now: time.Now}
	if err := c.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialise cache schema: %w", err)
	}
	return c, nil
}

// initSchema creates the cache table if it doesn't exist
func (c *Cache) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS enrollment_cache (
			id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			end_year INTEGER NOT NULL,
			payload BLOB NOT NULL,
			row_count INTEGER NOT NULL DEFAULT 0,
			fetched_at TEXT NOT NULL,
			UNIQUE (state, end_year)
		);

		CREATE INDEX IF NOT EXISTS idx_enrollment_cache_state ON enrollment_cache(state);
	`
	_, err := c.db.Exec(schema)
	return err
}

// Path returns the database path the cache was opened with.
func (c *Cache) Path() string {
	return c.path
}

// Get returns the cached entry for state and endYear, or nil on a miss.
// Entries older than ttl are treated as misses; ttl <= 0 never expires.
func (c *Cache) Get(ctx context.Context, state string, endYear int, ttl time.Duration) (*Entry, error) {
	var e Entry
	var fetchedStr string
	err := c.db.QueryRowContext(ctx,
		"SELECT id, state, end_year, payload, row_count, fetched_at FROM enrollment_cache WHERE state = ? AND end_year = ?",
		normalizeState(state), endYear,
	).Scan(&e.ID, &e.State, &e.EndYear, &e.Payload, &e.RowCount, &fetchedStr)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	e.FetchedAt, _ = time.Parse(time.RFC3339Nano, fetchedStr)
	if ttl > 0 && e.Age(c.now()) > ttl {
		return nil, nil
	}
	return &e, nil
}

// Put stores payload for state and endYear, replacing any previous entry.
func (c *Cache) Put(ctx context.Context, state string, endYear int, payload []byte, rowCount int) error {
	if payload == nil {
		payload = []byte{}
	}
	now := c.now().UTC().Format(time.RFC3339Nano)
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO enrollment_cache (id, state, end_year, payload, row_count, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (state, end_year) DO UPDATE SET
			id = excluded.id,
			payload = excluded.payload,
			row_count = excluded.row_count,
			fetched_at = excluded.fetched_at`,
		uuid.New().String(), normalizeState(state), endYear, payload, rowCount, now,
	)
	return err
}

// Clear removes every entry for state, or all entries when state is empty.
// It returns the number of entries removed.
func (c *Cache) Clear(ctx context.Context, state string) (int64, error) {
	var res sql.Result
	var err error
	if state == "" {
		res, err = c.db.ExecContext(ctx, "DELETE FROM enrollment_cache")
	} else {
		res, err = c.db.ExecContext(ctx, "DELETE FROM enrollment_cache WHERE state = ?", normalizeState(state))
	}
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Entries lists cached entries without their payloads, ordered by state and year.
func (c *Cache) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT id, state, end_year, row_count, fetched_at FROM enrollment_cache ORDER BY state, end_year")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var fetchedStr string
		if err := rows.Scan(&e.ID, &e.State, &e.EndYear, &e.RowCount, &fetchedStr); err != nil {
			return nil, err
		}
		e.FetchedAt, _ = time.Parse(time.RFC3339Nano, fetchedStr)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}

func normalizeState(state string) string {
	return strings.ToUpper(strings.TrimSpace(state))
}
