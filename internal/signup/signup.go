// Package signup implements self-serve account registration with email
// verification, plus the forgot-password / reset-password flow. Raw tokens
// travel only in outbound email; the database stores their SHA-256.
package signup

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"time"

	"github.com/ashita-ai/kotae/internal/auth"
	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/storage"
)

// Token lifetimes. Verification links are long-lived because people read
// email late; reset links are short-lived because they grant a credential.
const (
	verifyTTL = 24 * time.Hour
	resetTTL  = 1 * time.Hour
)

// ErrInvalidToken is returned when a verification or reset token is unknown,
// expired, or already consumed (where single-use applies).
var ErrInvalidToken = errors.New("signup: invalid or expired token")

// ValidationError marks failures of caller-supplied fields so handlers can
// map them to 422 instead of 500. The message is safe to return verbatim.
type ValidationError struct{ msg string }

func (e ValidationError) Error() string { return e.msg }

// Config holds SMTP and base URL settings for outbound mail.
type Config struct {
	SMTPHost string
	SMTPPort int
	SMTPUser string
	SMTPPass string
	SMTPFrom string
	// UseTLS selects implicit TLS (port 465 style). When false, delivery
	// uses plain SMTP with opportunistic STARTTLS.
	UseTLS bool
	// VerifySubject overrides the verification email subject line.
	VerifySubject string
	BaseURL       string
}

// Service handles registration, email verification, and password resets.
type Service struct {
	db            *storage.DB
	logger        *slog.Logger
	smtpHost      string
	smtpPort      int
	smtpUser      string
	smtpPass      string
	smtpFrom      string
	smtpTLS       bool
	verifySubject string
	baseURL       string
}

// New creates a signup service.
func New(db *storage.DB, cfg Config, logger *slog.Logger) *Service {
	verifySubject := cfg.VerifySubject
	if verifySubject == "" {
		verifySubject = "Verify your Kotae account"
	}
	return &Service{
		db:            db,
		logger:        logger,
		smtpHost:      cfg.SMTPHost,
		smtpPort:      cfg.SMTPPort,
		smtpUser:      cfg.SMTPUser,
		smtpPass:      cfg.SMTPPass,
		smtpFrom:      cfg.SMTPFrom,
		smtpTLS:       cfg.UseTLS,
		verifySubject: verifySubject,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
	}
}

// Register creates a pending_verification account with the default user role
// and mails a verification link. A duplicate email surfaces as
// storage.ErrDuplicate so the handler can respond with the same generic
// message it gives new accounts.
func (s *Service) Register(ctx context.Context, req model.RegisterRequest) (model.User, error) {
	email := model.NormalizeEmail(req.Email)
	if err := model.ValidateEmail(email); err != nil {
		return model.User{}, ValidationError{err.Error()}
	}
	if err := model.ValidatePassword(req.Password); err != nil {
		return model.User{}, ValidationError{err.Error()}
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return model.User{}, fmt.Errorf("signup: hash password: %w", err)
	}

	user, err := s.db.CreateUser(ctx, model.User{
		Email:        email,
		PasswordHash: hash,
		FirstName:    strings.TrimSpace(req.FirstName),
		LastName:     strings.TrimSpace(req.LastName),
		Status:       model.UserStatusPendingVerification,
	})
	if err != nil {
		return model.User{}, err
	}

	if err := s.db.AssignRole(ctx, user.ID, model.RoleUser); err != nil {
		return model.User{}, fmt.Errorf("signup: assign default role: %w", err)
	}

	token, err := newToken()
	if err != nil {
		return model.User{}, fmt.Errorf("signup: generate token: %w", err)
	}
	expires := time.Now().Add(verifyTTL)
	if err := s.db.CreateVerificationToken(ctx, user.ID, hashToken(token), storage.TokenEmailVerify, expires); err != nil {
		return model.User{}, err
	}

	verifyURL := fmt.Sprintf("%s/auth/verify?token=%s", s.baseURL, token)
	body := fmt.Sprintf(
		"Welcome to Kotae!\r\n\r\nClick the link below to verify your email:\r\n\r\n%s\r\n\r\nThis link expires in 24 hours.",
		verifyURL,
	)
	if err := s.sendMail(email, s.verifySubject, body); err != nil {
		// Log but don't fail; the user can request a resend later.
		s.logger.Error("signup: send verification email failed", "error", err, "email", email)
	}

	return user, nil
}

// VerifyEmail consumes a verification token and activates the account.
// Verifying an already-verified token is a no-op success so double-clicked
// email links don't scare users with errors.
func (s *Service) VerifyEmail(ctx context.Context, rawToken string) error {
	if strings.TrimSpace(rawToken) == "" {
		return ErrInvalidToken
	}
	th := hashToken(rawToken)

	userID, err := s.db.ConsumeVerificationToken(ctx, th, storage.TokenEmailVerify)
	if errors.Is(err, storage.ErrNotFound) {
		_, used, lookErr := s.db.LookupVerificationToken(ctx, th, storage.TokenEmailVerify)
		if lookErr == nil && used {
			return nil
		}
		return ErrInvalidToken
	}
	if err != nil {
		return err
	}

	if err := s.db.SetEmailVerified(ctx, userID); err != nil {
		return err
	}
	if err := s.db.SetUserStatus(ctx, userID, model.UserStatusActive); err != nil {
		return err
	}
	s.logger.Info("signup: email verified", "user_id", userID)
	return nil
}

// ForgotPassword issues a reset token when the email belongs to a known
// account. Unknown emails return nil too; the endpoint's response must not
// reveal which addresses exist.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	email = model.NormalizeEmail(email)
	user, err := s.db.GetUserByEmail(ctx, email)
	if errors.Is(err, storage.ErrNotFound) {
		s.logger.Info("signup: reset requested for unknown email", "email", email)
		return nil
	}
	if err != nil {
		return err
	}

	// Older reset links die when a new one is requested.
	if err := s.db.InvalidateUserTokens(ctx, user.ID, storage.TokenPasswordReset); err != nil {
		return err
	}

	token, err := newToken()
	if err != nil {
		return fmt.Errorf("signup: generate token: %w", err)
	}
	expires := time.Now().Add(resetTTL)
	if err := s.db.CreateVerificationToken(ctx, user.ID, hashToken(token), storage.TokenPasswordReset, expires); err != nil {
		return err
	}

	resetURL := fmt.Sprintf("%s/auth/reset?token=%s", s.baseURL, token)
	body := fmt.Sprintf(
		"A password reset was requested for your Kotae account.\r\n\r\nClick the link below to choose a new password:\r\n\r\n%s\r\n\r\nThis link expires in 1 hour. If you did not request this, ignore this email.",
		resetURL,
	)
	if err := s.sendMail(email, "Reset your Kotae password", body); err != nil {
		s.logger.Error("signup: send reset email failed", "error", err, "email", email)
	}
	return nil
}

// ResetPassword consumes a reset token and installs the new password. The
// user ID is returned so the caller can record a security event. Reset also
// clears any password_change_required flag: the user just proved control of
// the account's email and chose a fresh credential.
func (s *Service) ResetPassword(ctx context.Context, rawToken, newPassword string) (string, error) {
	if err := model.ValidatePassword(newPassword); err != nil {
		return "", ValidationError{err.Error()}
	}

	userID, err := s.db.ConsumeVerificationToken(ctx, hashToken(rawToken), storage.TokenPasswordReset)
	if errors.Is(err, storage.ErrNotFound) {
		return "", ErrInvalidToken
	}
	if err != nil {
		return "", err
	}

	hash, err := auth.HashPassword(newPassword)
	if err != nil {
		return "", fmt.Errorf("signup: hash password: %w", err)
	}
	// SetPassword also clears password_change_required and any lockout.
	if err := s.db.SetPassword(ctx, userID, hash); err != nil {
		return "", err
	}
	if err := s.db.InvalidateUserTokens(ctx, userID, storage.TokenPasswordReset); err != nil {
		return "", err
	}

	s.logger.Info("signup: password reset", "user_id", userID)
	return userID, nil
}

func (s *Service) sendMail(to, subject, body string) error {
	if s.smtpHost == "" {
		s.logger.Info("signup: outbound email (dev mode, SMTP not configured)",
			"to", to,
			"subject", subject,
		)
		return nil
	}

	msg := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		s.smtpFrom, to, subject, body,
	)

	addr := fmt.Sprintf("%s:%d", s.smtpHost, s.smtpPort)
	var smtpAuth smtp.Auth
	if s.smtpUser != "" {
		smtpAuth = smtp.PlainAuth("", s.smtpUser, s.smtpPass, s.smtpHost)
	}
	if !s.smtpTLS {
		return smtp.SendMail(addr, smtpAuth, s.smtpFrom, []string{to}, []byte(msg))
	}
	return s.sendMailTLS(addr, smtpAuth, to, msg)
}

// sendMailTLS delivers over an implicit TLS connection. smtp.SendMail only
// upgrades via STARTTLS, which relays listening on 465 never offer.
func (s *Service) sendMailTLS(addr string, smtpAuth smtp.Auth, to, msg string) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: s.smtpHost, MinVersion: tls.VersionTLS12})
	if err != nil {
		return err
	}
	c, err := smtp.NewClient(conn, s.smtpHost)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer func() { _ = c.Close() }()

	if smtpAuth != nil {
		if err := c.Auth(smtpAuth); err != nil {
			return err
		}
	}
	if err := c.Mail(s.smtpFrom); err != nil {
		return err
	}
	if err := c.Rcpt(to); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(msg)); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
