package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/signup"
	"github.com/ashita-ai/kotae/internal/storage"
)

// registerAccepted is the single response for new and duplicate
// registrations alike, so the endpoint cannot be used to probe for accounts.
const registerAccepted = "check your email to verify your account"

// HandleRegister handles POST /api/auth/register.
func (h *Handlers) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	_, err := h.signup.Register(r.Context(), req)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrDuplicate):
		h.logger.Info("register: duplicate email", "email", model.NormalizeEmail(req.Email))
	default:
		if isUserInputError(err) {
			writeValidationError(w, r, err.Error())
			return
		}
		h.logger.Error("register failed", "error", err)
		writeInternalError(w, r)
		return
	}

	writeJSON(w, http.StatusOK, model.StatusResponse{Success: true, Message: registerAccepted})
}

// HandleVerifyEmail handles POST /api/auth/verify-email. Re-verifying an
// already-used token succeeds, so double-clicked email links are harmless.
func (h *Handlers) HandleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req model.VerifyEmailRequest
	if err := decodeJSON(r, &req); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	err := h.signup.VerifyEmail(r.Context(), req.Token)
	if errors.Is(err, signup.ErrInvalidToken) {
		h.recordSecurityEvent(h.securityEvent(r, model.SecurityTokenRejected, "", "", "verification token rejected"))
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid or expired verification token")
		return
	}
	if err != nil {
		h.logger.Error("verify-email failed", "error", err)
		writeInternalError(w, r)
		return
	}

	writeJSON(w, http.StatusOK, model.StatusResponse{Success: true, Message: "email verified"})
}

// HandleForgotPassword handles POST /api/auth/forgot-password. The response
// is identical whether or not the account exists.
func (h *Handlers) HandleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req model.ForgotPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Email == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "email is required")
		return
	}

	if err := h.signup.ForgotPassword(r.Context(), req.Email); err != nil {
		h.logger.Error("forgot-password failed", "error", err)
		writeInternalError(w, r)
		return
	}

	writeJSON(w, http.StatusOK, model.StatusResponse{
		Success: true,
		Message: "if the account exists, a reset link has been sent",
	})
}

// HandleResetPassword handles POST /api/auth/reset-password.
func (h *Handlers) HandleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req model.ResetPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Token == "" || req.NewPassword == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "token and new_password are required")
		return
	}

	userID, err := h.signup.ResetPassword(r.Context(), req.Token, req.NewPassword)
	switch {
	case errors.Is(err, signup.ErrInvalidToken):
		h.recordSecurityEvent(h.securityEvent(r, model.SecurityTokenRejected, "", "", "reset token rejected"))
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid or expired reset token")
		return
	case err != nil:
		if isUserInputError(err) {
			writeValidationError(w, r, err.Error())
			return
		}
		h.logger.Error("reset-password failed", "error", err)
		writeInternalError(w, r)
		return
	}

	h.checker.Invalidate(userID)
	h.recordSecurityEvent(h.securityEvent(r, model.SecurityPasswordReset, "", userID, ""))
	writeJSON(w, http.StatusOK, model.StatusResponse{Success: true, Message: "password reset"})
}

// isUserInputError reports whether err came from validating caller-supplied
// fields, as opposed to infrastructure failing.
func isUserInputError(err error) bool {
	var verr signup.ValidationError
	return errors.As(err, &verr)
}
