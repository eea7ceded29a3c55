package server

import (
	"errors"
	"net/http"

	"github.com/fiberstack/fiber/internal/auth"
	"github.com/fiberstack/fiber/internal/model"
)

// HandleLogin handles POST /api/auth/login.
func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req model.LoginRequest
	if err := decodeJSON(w, r, &req, h.maxBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if !h.creds.Verify(req.Username, req.Password) {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	role := h.creds.RoleFor(req.Username)
	pair, err := h.authMgr.IssuePair(req.Username, role)
	if err != nil {
		h.internalError(w, r, "issue token pair", err)
		return
	}

	if h.audit != nil {
		if _, err := h.audit.Append(req.Username, string(role), "auth.login", "user:"+req.Username, nil); err != nil {
			h.logger.Error("audit append failed",
				"action", "auth.login",
				"error", err,
				"trace_id", TraceIDFromContext(r.Context()),
			)
		}
	}
	h.logger.Info("login", "user", req.Username, "role", role)

	writeJSON(w, r, http.StatusOK, h.tokenPair(pair, role))
}

// HandleRefresh handles POST /api/auth/refresh. Refresh tokens are
// single-use: presenting a rotated token again is reuse and gets 401.
func (h *Handlers) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req model.RefreshRequest
	if err := decodeJSON(w, r, &req, h.maxBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	pair, err := h.authMgr.Refresh(r.Context(), req.RefreshToken)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrRevocationUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeServiceUnavailable,
			"token revocation check unavailable")
		return
	case errors.Is(err, auth.ErrTokenRevoked):
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized,
			"refresh token already used or revoked")
		return
	default:
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid refresh token")
		return
	}

	claims, err := h.authMgr.ParseToken(pair.AccessToken)
	if err != nil {
		h.internalError(w, r, "parse issued token", err)
		return
	}
	writeJSON(w, r, http.StatusOK, h.tokenPair(pair, claims.Role))
}

// HandleLogout handles POST /api/auth/logout. Revokes the presented access
// token's jti; the refresh token half of the pair stays valid until used.
func (h *Handlers) HandleLogout(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
		return
	}

	if err := h.authMgr.Revoke(r.Context(), claims); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeServiceUnavailable,
			"revocation store unavailable")
		return
	}

	h.auditLog(r, "auth.logout", "user:"+claims.Subject, nil)
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "logged_out"})
}

// HandleMe handles GET /api/auth/me.
func (h *Handlers) HandleMe(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
		return
	}
	writeJSON(w, r, http.StatusOK, model.MeResponse{
		Username:    claims.Subject,
		Role:        string(claims.Role),
		Permissions: model.Permissions(claims.Role),
	})
}

func (h *Handlers) tokenPair(pair auth.Pair, role model.Role) model.TokenPairResponse {
	return model.TokenPairResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "bearer",
		ExpiresIn:    int(h.accessTTL.Seconds()),
		Role:         string(role),
	}
}
