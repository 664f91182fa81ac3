// Package auth provides JWT-based authentication for Kotae.
//
// Tokens are signed with HMAC-SHA256 using a shared secret from config.
// Two token kinds exist: short-lived access tokens carried on every API
// request, and longer-lived refresh tokens accepted only by the refresh
// endpoint. Refresh tokens are type-tagged so one can never stand in for
// the other.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ashita-ai/kotae/internal/model"
)

const (
	issuer = "kotae"

	// TokenTypeRefresh tags refresh tokens. Access tokens carry no type claim.
	TokenTypeRefresh = "refresh"

	// DefaultAccessTTL is the access-token lifetime when no override is configured.
	DefaultAccessTTL = 30 * time.Minute

	// RefreshTTL is the refresh-token lifetime. Not configurable.
	RefreshTTL = 7 * 24 * time.Hour
)

// Claims extends jwt.RegisteredClaims with Kotae-specific fields.
// Subject holds the user's UUID.
type Claims struct {
	jwt.RegisteredClaims
	Email       string   `json:"email"`
	Role        string   `json:"role,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	TokenType   string   `json:"typ,omitempty"` // "refresh" for refresh tokens, empty otherwise.

	// PasswordChangeRequired mirrors the user flag at issue time. Requests
	// carrying it are confined to the force-change-password endpoint.
	PasswordChangeRequired bool `json:"pwd_chg,omitempty"`
}

// UserID returns the subject, which carries the user's UUID. Malformed
// subjects are rejected by ValidateToken before claims reach callers.
func (c *Claims) UserID() string {
	return c.Subject
}

// HasPermission reports whether the token carries the named permission.
func (c *Claims) HasPermission(perm string) bool {
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the token's role is the admin role.
func (c *Claims) IsAdmin() bool {
	return c.Role == model.RoleAdmin
}

// JWTManager issues and validates HS256-signed tokens.
type JWTManager struct {
	secret    []byte
	accessTTL time.Duration
}

// NewJWTManager creates a JWTManager. expiryHours overrides the default
// 30-minute access lifetime when positive; zero keeps the default.
func NewJWTManager(secret string, expiryHours int) (*JWTManager, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("auth: JWT secret must be at least 32 characters")
	}
	ttl := DefaultAccessTTL
	if expiryHours > 0 {
		ttl = time.Duration(expiryHours) * time.Hour
	}
	return &JWTManager{secret: []byte(secret), accessTTL: ttl}, nil
}

// AccessTTL returns the configured access-token lifetime.
func (m *JWTManager) AccessTTL() time.Duration { return m.accessTTL }

// IssueAccessToken creates a signed access token carrying the user's
// identity, primary role, and flattened permission set.
func (m *JWTManager) IssueAccessToken(user model.User, role string, permissions []string) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(m.accessTTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{issuer},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		Email:       user.Email,
		Role:        role,
		Permissions: permissions,

		PasswordChangeRequired: user.PasswordChangeRequired,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign access token: %w", err)
	}
	return signed, exp, nil
}

// IssueRefreshToken creates a signed refresh token. It carries only the
// user's identity plus the refresh type tag; permissions are re-resolved
// from the database at refresh time so revocations take effect.
func (m *JWTManager) IssueRefreshToken(user model.User) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(RefreshTTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{issuer},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		Email:     user.Email,
		TokenType: TokenTypeRefresh,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign refresh token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates an access token. Refresh tokens are
// rejected here so they cannot authenticate API requests.
func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	claims, err := m.parse(tokenStr)
	if err != nil {
		return nil, err
	}
	if claims.TokenType == TokenTypeRefresh {
		return nil, fmt.Errorf("auth: refresh token used as access token")
	}
	return claims, nil
}

// ValidateRefreshToken parses and validates a refresh token. Access tokens
// are rejected so a leaked short-lived token cannot mint new credentials.
func (m *JWTManager) ValidateRefreshToken(tokenStr string) (*Claims, error) {
	claims, err := m.parse(tokenStr)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != TokenTypeRefresh {
		return nil, fmt.Errorf("auth: access token used as refresh token")
	}
	return claims, nil
}

func (m *JWTManager) parse(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithAudience(issuer),
		jwt.WithIssuer(issuer),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}

	if _, err := uuid.Parse(claims.Subject); err != nil {
		return nil, fmt.Errorf("auth: invalid subject (expected UUID): %w", err)
	}

	return claims, nil
}
