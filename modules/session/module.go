// Package session provides the session store module.
package session

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/specialistvlad/modgrid/internal/config"
	"github.com/specialistvlad/modgrid/internal/registry"
	"github.com/specialistvlad/modgrid/modules/cache"
	"github.com/specialistvlad/modgrid/modules/sqlitedb"
)

// ConfigBlock is the name of the module configuration block read by PreInit.
const ConfigBlock = "session"

// ErrNotFound is returned for unknown or expired sessions.
var ErrNotFound = errors.New("session: not found")

// Settings configures the store.
type Settings struct {
	TTLSeconds int `env:"SESSION_TTL_SECONDS" envDefault:"3600" hcl:"ttl_seconds,optional"`
}

// Session is one authenticated session.
type Session struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store is the session module.
type Store struct {
	registry.NoPostInit

	db    *sql.DB
	cache *cache.Cache
	ttl   time.Duration
	now   func() time.Time

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// Module is the handle of the session module.
var Module = registry.Declare[Store, Settings]()

// PreInit reads the settings.
func (s *Store) PreInit(ctx context.Context) (Settings, error) {
	var cfg Settings
	if err := config.ParseEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := config.Decode(ctx, ConfigBlock, &cfg); err != nil {
		return cfg, err
	}
	if cfg.TTLSeconds <= 0 {
		return cfg, fmt.Errorf("ttl_seconds must be positive, got %d", cfg.TTLSeconds)
	}
	return cfg, nil
}

// Dependencies implements registry.Module.
func (*Store) Dependencies() []registry.Dependency {
	return []registry.Dependency{sqlitedb.Module, cache.Module}
}

// Init creates the sessions table.
func (s *Store) Init(ctx context.Context, cfg Settings, deps *registry.Deps) error {
	db := sqlitedb.Module.From(deps)
	if err := db.EnsureSchema(ctx, "session", schema); err != nil {
		return err
	}

	s.db = db.SQL()
	s.cache = cache.Module.From(deps)
	s.ttl = time.Duration(cfg.TTLSeconds) * time.Second
	s.now = time.Now
	s.entropy = ulid.Monotonic(rand.Reader, 0)
	return nil
}

const schema = `CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	subject    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
)`

// TTL returns the lifetime of new sessions.
func (s *Store) TTL() time.Duration { return s.ttl }

// Create starts a session for subject.
func (s *Store) Create(ctx context.Context, subject string) (Session, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return Session{}, errors.New("session subject is required")
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	sess := Session{
		ID:        s.newID(now),
		Subject:   subject,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, subject, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.Subject, sess.CreatedAt.UnixMilli(), sess.ExpiresAt.UnixMilli(),
	); err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	if err := s.remember(ctx, sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Get returns the live session with the given ID, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (Session, error) {
	if raw, err := s.cache.Get(cacheKey(id)); err == nil {
		var sess Session
		if err := json.Unmarshal(raw, &sess); err == nil {
			return s.live(sess)
		}
	}

	var (
		sess               Session
		created, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, subject, created_at, expires_at FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.Subject, &created, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	sess.CreatedAt = time.UnixMilli(created).UTC()
	sess.ExpiresAt = time.UnixMilli(expiresAt).UTC()

	if _, err := s.live(sess); err != nil {
		return Session{}, err
	}
	if err := s.remember(ctx, sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Delete ends the session. Deleting an unknown session is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return s.cache.Delete(ctx, cacheKey(id))
}

func (s *Store) live(sess Session) (Session, error) {
	if !s.now().Before(sess.ExpiresAt) {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *Store) remember(ctx context.Context, sess Session) error {
	ttl := sess.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return s.cache.Set(ctx, cacheKey(sess.ID), raw, ttl)
}

func (s *Store) newID(now time.Time) string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), s.entropy).String()
}

func cacheKey(id string) string {
	return "session:" + id
}
