package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ashita-ai/kotae/internal/auth"
	"github.com/ashita-ai/kotae/internal/ctxutil"
	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/storage"
)

// HandleLogin handles POST /api/auth/login. Counted failures feed the
// lockout policy; unknown accounts burn a dummy bcrypt comparison so timing
// does not reveal which emails exist.
func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req model.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "email and password are required")
		return
	}
	email := model.NormalizeEmail(req.Email)
	now := time.Now()

	user, err := h.db.GetUserByEmail(r.Context(), email)
	if errors.Is(err, storage.ErrNotFound) {
		auth.DummyVerify()
		h.recordSecurityEvent(h.securityEvent(r, model.SecurityLoginFailed, email, "", "unknown account"))
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeInvalidCredentials, "invalid credentials")
		return
	}
	if err != nil {
		h.logger.Error("login: user lookup failed", "error", err)
		writeInternalError(w, r)
		return
	}

	if user.LockedNow(now) {
		h.recordSecurityEvent(h.securityEvent(r, model.SecurityLoginFailed, email, user.ID, "attempt while locked"))
		writeError(w, r, http.StatusForbidden, model.ErrCodeAccountLocked,
			"account temporarily locked after repeated failures")
		return
	}
	if user.LockedUntil != nil {
		// Window expired: reset counters before judging this attempt.
		if _, err := h.db.ClearExpiredLockout(r.Context(), user.ID); err != nil {
			h.logger.Warn("login: lockout reset failed", "error", err, "user_id", user.ID)
		}
	}

	ok, err := auth.VerifyPassword(req.Password, user.PasswordHash)
	if err != nil {
		h.logger.Error("login: password verification failed", "error", err, "user_id", user.ID)
		writeInternalError(w, r)
		return
	}
	if !ok {
		attempts, lockedUntil, ferr := h.db.RecordLoginFailure(r.Context(), user.ID)
		if ferr != nil {
			h.logger.Warn("login: failure bookkeeping failed", "error", ferr, "user_id", user.ID)
		}
		h.recordSecurityEvent(h.securityEvent(r, model.SecurityLoginFailed, email, user.ID,
			fmt.Sprintf("wrong password (attempt %d)", attempts)))
		if lockedUntil != nil {
			h.recordSecurityEvent(h.securityEvent(r, model.SecurityAccountLocked, email, user.ID,
				"locked until "+lockedUntil.UTC().Format(time.RFC3339)))
		}
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeInvalidCredentials, "invalid credentials")
		return
	}

	// Account state is only disclosed to callers holding valid credentials.
	switch user.Status {
	case model.UserStatusActive:
	case model.UserStatusPendingVerification:
		writeError(w, r, http.StatusForbidden, model.ErrCodeAccountDisabled, "email address not verified")
		return
	default:
		writeError(w, r, http.StatusForbidden, model.ErrCodeAccountDisabled, "account disabled")
		return
	}

	if err := h.db.RecordLoginSuccess(r.Context(), user.ID); err != nil {
		h.logger.Warn("login: success bookkeeping failed", "error", err, "user_id", user.ID)
	}

	resp, err := h.issueSession(r, user)
	if err != nil {
		h.logger.Error("login: session issue failed", "error", err, "user_id", user.ID)
		writeInternalError(w, r)
		return
	}
	h.recordSecurityEvent(h.securityEvent(r, model.SecurityLoginSucceeded, email, user.ID, ""))
	writeJSON(w, http.StatusOK, resp)
}

// HandleRefresh handles POST /api/auth/refresh. Permissions are re-resolved
// from the database so revocations take effect at refresh time.
func (h *Handlers) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req model.RefreshRequest
	if err := decodeJSON(r, &req); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.RefreshToken == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "refresh_token is required")
		return
	}

	claims, err := h.jwt.ValidateRefreshToken(req.RefreshToken)
	if err != nil {
		h.recordSecurityEvent(h.securityEvent(r, model.SecurityTokenRejected, "", "", "refresh token rejected"))
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid or expired refresh token")
		return
	}

	user, err := h.db.GetUserByID(r.Context(), claims.UserID())
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "account no longer exists")
		return
	}
	if err != nil {
		h.logger.Error("refresh: user lookup failed", "error", err)
		writeInternalError(w, r)
		return
	}
	if !user.OperationallyActive(time.Now()) {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "account is not active")
		return
	}

	perms, err := h.db.GetUserPermissions(r.Context(), user.ID)
	if err != nil {
		h.logger.Error("refresh: permission lookup failed", "error", err)
		writeInternalError(w, r)
		return
	}
	access, exp, err := h.jwt.IssueAccessToken(user, primaryRole(user.Roles), perms)
	if err != nil {
		h.logger.Error("refresh: token issue failed", "error", err)
		writeInternalError(w, r)
		return
	}

	writeJSON(w, http.StatusOK, model.RefreshResponse{
		Success:     true,
		AccessToken: access,
		TokenType:   "bearer",
		ExpiresIn:   int(time.Until(exp).Seconds()),
	})
}

// HandleMe handles GET /api/auth/me.
func (h *Handlers) HandleMe(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "authentication required")
		return
	}

	user, err := h.db.GetUserByID(r.Context(), claims.UserID())
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "account no longer exists")
		return
	}
	if err != nil {
		h.logger.Error("me: user lookup failed", "error", err)
		writeInternalError(w, r)
		return
	}

	profile := user.Profile()
	if perms, err := h.checker.Permissions(r.Context(), user.ID); err == nil {
		profile.Permissions = perms
	}
	writeJSON(w, http.StatusOK, model.MeResponse{Success: true, User: profile})
}

// HandleChangePassword handles POST /api/auth/change-password. Requires the
// current password even on an authenticated session, so a stolen token alone
// cannot rotate the credential.
func (h *Handlers) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req model.ChangePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.CurrentPassword == "" || req.NewPassword == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "current_password and new_password are required")
		return
	}

	claims := ctxutil.ClaimsFromContext(r.Context())
	user, err := h.db.GetUserByID(r.Context(), claims.UserID())
	if err != nil {
		h.logger.Error("change-password: user lookup failed", "error", err)
		writeInternalError(w, r)
		return
	}

	ok, err := auth.VerifyPassword(req.CurrentPassword, user.PasswordHash)
	if err != nil {
		h.logger.Error("change-password: verification failed", "error", err, "user_id", user.ID)
		writeInternalError(w, r)
		return
	}
	if !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeInvalidCredentials, "current password is incorrect")
		return
	}

	if err := model.ValidatePassword(req.NewPassword); err != nil {
		writeValidationError(w, r, err.Error())
		return
	}

	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		h.logger.Error("change-password: hash failed", "error", err)
		writeInternalError(w, r)
		return
	}
	if err := h.db.SetPassword(r.Context(), user.ID, hash); err != nil {
		h.logger.Error("change-password: update failed", "error", err, "user_id", user.ID)
		writeInternalError(w, r)
		return
	}

	h.recordSecurityEvent(h.securityEvent(r, model.SecurityPasswordChanged, user.Email, user.ID, ""))
	writeJSON(w, http.StatusOK, model.StatusResponse{Success: true, Message: "password changed"})
}

// HandleForceChangePassword handles POST /api/auth/force-change-password,
// the one route open to tokens flagged password_change_required. A fresh
// token pair is returned because the old access token stays confined here
// until it expires.
func (h *Handlers) HandleForceChangePassword(w http.ResponseWriter, r *http.Request) {
	var req model.ForceChangePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.NewPassword == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "new_password is required")
		return
	}
	if err := model.ValidatePassword(req.NewPassword); err != nil {
		writeValidationError(w, r, err.Error())
		return
	}

	claims := ctxutil.ClaimsFromContext(r.Context())
	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		h.logger.Error("force-change-password: hash failed", "error", err)
		writeInternalError(w, r)
		return
	}
	if err := h.db.SetPassword(r.Context(), claims.UserID(), hash); err != nil {
		h.logger.Error("force-change-password: update failed", "error", err, "user_id", claims.UserID())
		writeInternalError(w, r)
		return
	}

	// Reload so the new tokens carry the cleared flag.
	user, err := h.db.GetUserByID(r.Context(), claims.UserID())
	if err != nil {
		h.logger.Error("force-change-password: reload failed", "error", err)
		writeInternalError(w, r)
		return
	}

	resp, err := h.issueSession(r, user)
	if err != nil {
		h.logger.Error("force-change-password: session issue failed", "error", err)
		writeInternalError(w, r)
		return
	}
	h.recordSecurityEvent(h.securityEvent(r, model.SecurityPasswordChanged, user.Email, user.ID, "forced change"))
	writeJSON(w, http.StatusOK, resp)
}

// issueSession resolves roles and permissions and mints a full token pair.
func (h *Handlers) issueSession(r *http.Request, user model.User) (model.LoginResponse, error) {
	perms, err := h.db.GetUserPermissions(r.Context(), user.ID)
	if err != nil {
		return model.LoginResponse{}, err
	}
	access, exp, err := h.jwt.IssueAccessToken(user, primaryRole(user.Roles), perms)
	if err != nil {
		return model.LoginResponse{}, err
	}
	refresh, _, err := h.jwt.IssueRefreshToken(user)
	if err != nil {
		return model.LoginResponse{}, err
	}

	profile := user.Profile()
	profile.Permissions = perms
	return model.LoginResponse{
		Success:      true,
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int(time.Until(exp).Seconds()),
		User:         profile,
	}, nil
}

// securityEvent fills the request-scoped fields of a security log row.
func (h *Handlers) securityEvent(r *http.Request, kind model.SecurityEventKind, email, userID, detail string) model.SecurityEvent {
	return model.SecurityEvent{
		Kind:      kind,
		Email:     email,
		UserID:    userID,
		RemoteIP:  clientIP(r, h.cfg.TrustProxy),
		RequestID: ctxutil.RequestIDFromContext(r.Context()),
		Detail:    detail,
	}
}

// primaryRole picks the token's role claim from the user's role set:
// most privileged wins, absent roles default to user.
func primaryRole(roles []string) string {
	for _, want := range []string{model.RoleAdmin, model.RoleAnalyst, model.RoleUser} {
		for _, r := range roles {
			if r == want {
				return want
			}
		}
	}
	if len(roles) > 0 {
		return roles[0]
	}
	return model.RoleUser
}
