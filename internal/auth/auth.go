// Package auth issues and validates the HS256 token pairs that protect the
// gateway, and tracks revoked token ids in Redis.
//
// Access tokens are short-lived (15 minutes by default); refresh tokens are
// long-lived (7 days) and single-use: refreshing revokes the presented
// token's jti before issuing a new pair, so replaying a rotated refresh
// token is detected as reuse.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fiberstack/fiber/internal/model"
)

const (
	issuer   = "fiber-api"
	audience = "fiber-dashboard"

	// TokenTypeAccess and TokenTypeRefresh discriminate the two halves of a
	// pair; a refresh token is never accepted where an access token is
	// required and vice versa.
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"

	revokedKeyPrefix = "revoked:jti:"

	// revocationSkew keeps a jti blacklisted past its natural expiry to
	// absorb clock drift between gateway replicas.
	revocationSkew = 300 * time.Second
)

var (
	// ErrInvalidCredentials rejects a login attempt.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrTokenInvalid covers malformed, expired, or wrongly signed tokens.
	ErrTokenInvalid = errors.New("auth: invalid token")
	// ErrTokenRevoked rejects a revoked (or reused) jti.
	ErrTokenRevoked = errors.New("auth: token revoked")
	// ErrWrongTokenType rejects an access token on the refresh path or a
	// refresh token on an access path.
	ErrWrongTokenType = errors.New("auth: wrong token type")
	// ErrRevocationUnavailable signals the revocation store could not be
	// consulted; callers choose fail-open or fail-closed per route.
	ErrRevocationUnavailable = errors.New("auth: revocation check unavailable")
)

// Claims carries the token's identity and type alongside the registered set.
type Claims struct {
	jwt.RegisteredClaims
	Role model.Role `json:"role"`
	Type string     `json:"type"`
}

// Pair is a freshly issued access/refresh token pair.
type Pair struct {
	AccessToken  string
	RefreshToken string
	AccessExpiry time.Time
}

// Manager signs, validates, rotates, and revokes token pairs.
type Manager struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	rdb        redis.Cmdable
}

// NewManager creates a Manager. rdb backs the revocation list.
func NewManager(secret string, accessTTL, refreshTTL time.Duration, rdb redis.Cmdable) *Manager {
	return &Manager{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		rdb:        rdb,
	}
}

// IssuePair mints an access/refresh pair for the given identity.
func (m *Manager) IssuePair(username string, role model.Role) (Pair, error) {
	access, accessExp, err := m.issueToken(username, role, TokenTypeAccess, m.accessTTL)
	if err != nil {
		return Pair{}, err
	}
	refresh, _, err := m.issueToken(username, role, TokenTypeRefresh, m.refreshTTL)
	if err != nil {
		return Pair{}, err
	}
	return Pair{AccessToken: access, RefreshToken: refresh, AccessExpiry: accessExp}, nil
}

func (m *Manager) issueToken(username string, role model.Role, typ string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		Role: role,
		Type: typ,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign %s token: %w", typ, err)
	}
	return signed, exp, nil
}

// ParseToken verifies signature, issuer, audience, and expiry. It does NOT
// consult the revocation list; use ValidateAccess for that.
func (m *Manager) ParseToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithAudience(audience),
		jwt.WithIssuer(issuer),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// ValidateAccess parses an access token and checks the revocation list.
// A store failure surfaces as ErrRevocationUnavailable so the caller can
// decide whether the route fails open or closed.
func (m *Manager) ValidateAccess(ctx context.Context, tokenStr string) (*Claims, error) {
	claims, err := m.ParseToken(tokenStr)
	if err != nil {
		return nil, err
	}
	if claims.Type != TokenTypeAccess {
		return nil, ErrWrongTokenType
	}

	revoked, err := m.IsRevoked(ctx, claims.ID)
	if err != nil {
		return claims, fmt.Errorf("%w: %w", ErrRevocationUnavailable, err)
	}
	if revoked {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

// Refresh rotates a refresh token: the presented jti is revoked before the
// new pair is issued, so a second presentation of the same token is reuse
// and is rejected.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (Pair, error) {
	claims, err := m.ParseToken(refreshToken)
	if err != nil {
		return Pair{}, err
	}
	if claims.Type != TokenTypeRefresh {
		return Pair{}, ErrWrongTokenType
	}

	revoked, err := m.IsRevoked(ctx, claims.ID)
	if err != nil {
		return Pair{}, fmt.Errorf("%w: %w", ErrRevocationUnavailable, err)
	}
	if revoked {
		// Rotated token replayed. Treat as a stolen token.
		return Pair{}, ErrTokenRevoked
	}

	if err := m.Revoke(ctx, claims); err != nil {
		return Pair{}, err
	}
	return m.IssuePair(claims.Subject, claims.Role)
}

// Revoke blacklists the claims' jti until expiry plus a skew buffer.
func (m *Manager) Revoke(ctx context.Context, claims *Claims) error {
	ttl := revocationSkew
	if claims.ExpiresAt != nil {
		if until := time.Until(claims.ExpiresAt.Time); until > 0 {
			ttl = until + revocationSkew
		}
	}
	if err := m.rdb.Set(ctx, revokedKeyPrefix+claims.ID, "1", ttl).Err(); err != nil {
		return fmt.Errorf("auth: revoke jti: %w", err)
	}
	return nil
}

// IsRevoked reports whether the jti is on the revocation list.
func (m *Manager) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := m.rdb.Exists(ctx, revokedKeyPrefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("auth: revocation lookup: %w", err)
	}
	return n > 0, nil
}
