// Package cache provides a key/value cache backed by the database module.
//
// Entries are kept in memory and written through to the cache_entries table,
// so a restarted process starts warm.
package cache

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/specialistvlad/modgrid/internal/ctxlog"
	"github.com/specialistvlad/modgrid/internal/registry"
	"github.com/specialistvlad/modgrid/modules/sqlitedb"
)

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("cache: miss")

type item struct {
	value []byte
	// expires is zero for entries which never expire.
	expires time.Time
}

func (i item) expired(now time.Time) bool {
	return !i.expires.IsZero() && !now.Before(i.expires)
}

// Cache is the cache module.
type Cache struct {
	registry.NoPreInit
	registry.NoPostInit

	db  *sql.DB
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]item
}

// Module is the handle of the cache module.
var Module = registry.Declare[Cache, struct{}]()

// Dependencies implements registry.Module.
func (*Cache) Dependencies() []registry.Dependency {
	return []registry.Dependency{sqlitedb.Module}
}

// Init creates the table and loads every live entry.
func (c *Cache) Init(ctx context.Context, _ struct{}, deps *registry.Deps) error {
	db := sqlitedb.Module.From(deps)
	if err := db.EnsureSchema(ctx, "cache", schema); err != nil {
		return err
	}

	c.db = db.SQL()
	c.now = time.Now
	c.entries = make(map[string]item)

	loaded, err := c.warm(ctx)
	if err != nil {
		return err
	}
	ctxlog.FromContext(ctx).Debug("Cache warmed.", "entries", loaded)
	return nil
}

const schema = `CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	expires_at INTEGER NOT NULL
)`

// warm drops expired rows and loads the rest into memory.
func (c *Cache) warm(ctx context.Context) (int, error) {
	now := c.now().UTC().UnixMilli()
	if _, err := c.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at > 0 AND expires_at <= ?`, now); err != nil {
		return 0, fmt.Errorf("purge expired cache entries: %w", err)
	}

	rows, err := c.db.QueryContext(ctx, `SELECT key, value, expires_at FROM cache_entries`)
	if err != nil {
		return 0, fmt.Errorf("load cache entries: %w", err)
	}
	defer rows.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	for rows.Next() {
		var (
			key     string
			value   []byte
			expires int64
		)
		if err := rows.Scan(&key, &value, &expires); err != nil {
			return 0, fmt.Errorf("scan cache entry: %w", err)
		}
		c.entries[key] = item{value: value, expires: fromMillis(expires)}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("load cache entries: %w", err)
	}
	return len(c.entries), nil
}

// Get returns the value stored under key, or ErrMiss.
func (c *Cache) Get(key string) ([]byte, error) {
	c.mu.RLock()
	it, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || it.expired(c.now()) {
		return nil, ErrMiss
	}
	return bytes.Clone(it.value), nil
}

// Set stores value under key. A ttl of zero or less keeps the entry until it
// is deleted.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	it := item{value: bytes.Clone(value)}
	if ttl > 0 {
		it.expires = c.now().Add(ttl)
	}

	if _, err := c.db.ExecContext(ctx,
		`INSERT INTO cache_entries (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, toMillis(it.expires),
	); err != nil {
		return fmt.Errorf("store cache entry %q: %w", key, err)
	}

	c.mu.Lock()
	c.entries[key] = it
	c.mu.Unlock()
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete cache entry %q: %w", key, err)
	}

	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// Len returns the number of entries held in memory, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
