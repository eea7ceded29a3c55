package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fiberstack/fiber/internal/auth"
	"github.com/fiberstack/fiber/internal/model"
)

// authMiddleware validates bearer credentials and populates the context
// with claims. The federation secret is accepted as a bearer token so edge
// relays can push without a login round trip; it maps to the synthetic
// federation identity with operator privileges.
//
// When the revocation store cannot be consulted the middleware fails
// closed with 503, except on the ingest paths: those admit a token that
// parsed and verified but could not be checked for revocation, because
// dropping telemetry is worse than briefly honoring a revoked writer.
func authMiddleware(mgr *auth.Manager, federationSecret string, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPath(r) {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "missing authorization header")
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid authorization format")
			return
		}
		token := parts[1]

		if federationSecret != "" &&
			subtle.ConstantTimeCompare([]byte(token), []byte(federationSecret)) == 1 {
			claims := &auth.Claims{
				RegisteredClaims: jwt.RegisteredClaims{Subject: model.FederationUser},
				Role:             model.RoleOperator,
				Type:             auth.TokenTypeAccess,
			}
			next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
			return
		}

		claims, err := mgr.ValidateAccess(r.Context(), token)
		switch {
		case err == nil:
			next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
		case errors.Is(err, auth.ErrRevocationUnavailable) && claims != nil:
			if !ingestPath(r) {
				writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeServiceUnavailable,
					"token revocation check unavailable")
				return
			}
			logger.Warn("revocation store unavailable, admitting ingest writer",
				"path", r.URL.Path,
				"user", claims.Subject,
				"trace_id", TraceIDFromContext(r.Context()),
			)
			next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
		default:
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid or expired token")
		}
	})
}

func withClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, contextKeyClaims, claims)
}

// publicPath reports whether the route is reachable without credentials.
func publicPath(r *http.Request) bool {
	switch r.URL.Path {
	case "/api/auth/login", "/api/auth/refresh":
		return r.Method == http.MethodPost
	case "/api/status":
		return r.Method == http.MethodGet
	}
	return false
}

// ingestPath reports whether the route favors capture over strict
// revocation checks when the revocation store is unreachable.
func ingestPath(r *http.Request) bool {
	return r.URL.Path == "/api/ingest" || r.URL.Path == "/api/push"
}

// requireRole returns middleware that enforces a minimum role.
func requireRole(minRole model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
				return
			}
			if !model.RoleAtLeast(claims.Role, minRole) {
				writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requirePermission returns middleware that gates a route on a permission.
func requirePermission(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
				return
			}
			if !model.HasPermission(claims.Role, perm) {
				writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
