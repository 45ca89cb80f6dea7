// Package auth issues and verifies signed access tokens bound to sessions.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/specialistvlad/modgrid/internal/config"
	"github.com/specialistvlad/modgrid/internal/ctxlog"
	"github.com/specialistvlad/modgrid/internal/registry"
	"github.com/specialistvlad/modgrid/modules/cache"
	"github.com/specialistvlad/modgrid/modules/session"
	"github.com/specialistvlad/modgrid/modules/sqlitedb"
)

// ConfigBlock is the name of the module configuration block read by PreInit.
const ConfigBlock = "auth"

// minKeyLength is the shortest accepted HMAC signing key, in bytes.
const minKeyLength = 32

var (
	// ErrInvalidToken is returned for tokens which fail verification.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrRevoked is returned for tokens which were revoked.
	ErrRevoked = errors.New("auth: token revoked")
)

// Settings configures token signing.
type Settings struct {
	SigningKey string `env:"AUTH_SIGNING_KEY" hcl:"signing_key,optional"`
	Issuer     string `env:"AUTH_ISSUER" envDefault:"modgrid" hcl:"issuer,optional"`
}

// Claims are the verified contents of a token.
type Claims struct {
	Subject   string
	SessionID string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Auth is the auth module.
type Auth struct {
	registry.NoPostInit

	db       *sql.DB
	cache    *cache.Cache
	sessions *session.Store
	key      []byte
	issuer   string
	now      func() time.Time
}

// Module is the handle of the auth module.
var Module = registry.Declare[Auth, Settings]()

// PreInit reads and validates the signing settings.
func (a *Auth) PreInit(ctx context.Context) (Settings, error) {
	var s Settings
	if err := config.ParseEnv(&s); err != nil {
		return s, err
	}
	if err := config.Decode(ctx, ConfigBlock, &s); err != nil {
		return s, err
	}
	s.SigningKey = strings.TrimSpace(s.SigningKey)
	if s.SigningKey == "" {
		return s, errors.New("AUTH_SIGNING_KEY is required")
	}
	if len(s.SigningKey) < minKeyLength {
		return s, fmt.Errorf("signing key must be at least %d bytes", minKeyLength)
	}
	if strings.TrimSpace(s.Issuer) == "" {
		return s, errors.New("issuer is required")
	}
	return s, nil
}

// Dependencies implements registry.Module.
func (*Auth) Dependencies() []registry.Dependency {
	return []registry.Dependency{sqlitedb.Module, cache.Module, session.Module}
}

// Init creates the revocation table.
func (a *Auth) Init(ctx context.Context, s Settings, deps *registry.Deps) error {
	db := sqlitedb.Module.From(deps)
	if err := db.EnsureSchema(ctx, "auth", schema); err != nil {
		return err
	}

	a.db = db.SQL()
	a.cache = cache.Module.From(deps)
	a.sessions = session.Module.From(deps)
	a.key = []byte(s.SigningKey)
	a.issuer = s.Issuer
	a.now = time.Now

	ctxlog.FromContext(ctx).Debug("Token signer ready.", "issuer", a.issuer)
	return nil
}

const schema = `CREATE TABLE IF NOT EXISTS revoked_tokens (
	session_id TEXT PRIMARY KEY,
	revoked_at INTEGER NOT NULL
)`

type tokenClaims struct {
	jwt.RegisteredClaims
}

// Issue starts a session for subject and returns its signed token.
func (a *Auth) Issue(ctx context.Context, subject string) (string, Claims, error) {
	sess, err := a.sessions.Create(ctx, subject)
	if err != nil {
		return "", Claims{}, err
	}

	claims := tokenClaims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    a.issuer,
		Subject:   sess.Subject,
		ID:        sess.ID,
		IssuedAt:  jwt.NewNumericDate(sess.CreatedAt),
		ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.key)
	if err != nil {
		return "", Claims{}, fmt.Errorf("sign token: %w", err)
	}
	return token, toClaims(claims), nil
}

// Verify checks the token's signature, issuer and expiry, and that its
// session is still alive and not revoked.
func (a *Auth) Verify(ctx context.Context, token string) (Claims, error) {
	claims, err := a.parse(token)
	if err != nil {
		return Claims{}, err
	}

	revoked, err := a.revoked(ctx, claims.ID)
	if err != nil {
		return Claims{}, err
	}
	if revoked {
		return Claims{}, ErrRevoked
	}

	if _, err := a.sessions.Get(ctx, claims.ID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return Claims{}, fmt.Errorf("%w: session ended", ErrInvalidToken)
		}
		return Claims{}, err
	}
	return toClaims(*claims), nil
}

// Revoke ends the token's session and rejects the token from now on.
func (a *Auth) Revoke(ctx context.Context, token string) error {
	claims, err := a.parse(token)
	if err != nil {
		return err
	}

	if _, err := a.db.ExecContext(ctx,
		`INSERT INTO revoked_tokens (session_id, revoked_at) VALUES (?, ?) ON CONFLICT(session_id) DO NOTHING`,
		claims.ID, a.now().UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	if err := a.cache.Set(ctx, revokedKey(claims.ID), []byte{1}, claims.ExpiresAt.Time.Sub(a.now())); err != nil {
		return err
	}
	return a.sessions.Delete(ctx, claims.ID)
}

func (a *Auth) parse(token string) (*tokenClaims, error) {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(token), &claims,
		func(*jwt.Token) (any, error) { return a.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: missing token id", ErrInvalidToken)
	}
	return &claims, nil
}

// revoked consults the cache first and the revocation table on a miss.
func (a *Auth) revoked(ctx context.Context, sessionID string) (bool, error) {
	if _, err := a.cache.Get(revokedKey(sessionID)); err == nil {
		return true, nil
	}

	var n int
	if err := a.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM revoked_tokens WHERE session_id = ?`, sessionID,
	).Scan(&n); err != nil {
		return false, fmt.Errorf("check revocation: %w", err)
	}
	return n > 0, nil
}

func toClaims(c tokenClaims) Claims {
	out := Claims{Subject: c.Subject, SessionID: c.ID}
	if c.IssuedAt != nil {
		out.IssuedAt = c.IssuedAt.UTC()
	}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.UTC()
	}
	return out
}

func revokedKey(sessionID string) string {
	return "revoked:" + sessionID
}
