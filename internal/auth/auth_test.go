package auth_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kotae/internal/auth"
	"github.com/ashita-ai/kotae/internal/model"
)

const testSecret = "unit-test-secret-0123456789abcdef-0123"

func testUser() model.User {
	return model.User{
		ID:    uuid.NewString(),
		Email: "dev@example.com",
	}
}

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := auth.HashPassword("correct horse battery1")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	valid, err := auth.VerifyPassword("correct horse battery1", hash)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = auth.VerifyPassword("wrong password 1", hash)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestNewJWTManager_ShortSecret(t *testing.T) {
	_, err := auth.NewJWTManager("too-short", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 32")
}

func TestIssueAndValidateAccessToken(t *testing.T) {
	mgr, err := auth.NewJWTManager(testSecret, 0)
	require.NoError(t, err)

	user := testUser()
	token, expiresAt, err := mgr.IssueAccessToken(user, model.RoleAdmin, []string{model.PermChat, model.PermSearch})
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))
	// Default lifetime is 30 minutes.
	assert.True(t, expiresAt.Before(time.Now().Add(31*time.Minute)))

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID())
	assert.Equal(t, user.Email, claims.Email)
	assert.Equal(t, model.RoleAdmin, claims.Role)
	assert.True(t, claims.IsAdmin())
	assert.True(t, claims.HasPermission(model.PermChat))
	assert.False(t, claims.HasPermission(model.PermManageUsers))
}

func TestExpiryHoursOverride(t *testing.T) {
	mgr, err := auth.NewJWTManager(testSecret, 2)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, mgr.AccessTTL())

	_, expiresAt, err := mgr.IssueAccessToken(testUser(), model.RoleUser, nil)
	require.NoError(t, err)
	assert.True(t, expiresAt.After(time.Now().Add(time.Hour)))
	assert.True(t, expiresAt.Before(time.Now().Add(2*time.Hour+time.Minute)))
}

func TestRefreshTokenRoundTrip(t *testing.T) {
	mgr, err := auth.NewJWTManager(testSecret, 0)
	require.NoError(t, err)

	user := testUser()
	token, expiresAt, err := mgr.IssueRefreshToken(user)
	require.NoError(t, err)
	assert.True(t, expiresAt.After(time.Now().Add(6*24*time.Hour)))

	claims, err := mgr.ValidateRefreshToken(token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID())
	assert.Equal(t, auth.TokenTypeRefresh, claims.TokenType)
}

func TestTokenTypeConfusionRejected(t *testing.T) {
	mgr, err := auth.NewJWTManager(testSecret, 0)
	require.NoError(t, err)

	user := testUser()
	access, _, err := mgr.IssueAccessToken(user, model.RoleUser, []string{model.PermChat})
	require.NoError(t, err)
	refresh, _, err := mgr.IssueRefreshToken(user)
	require.NoError(t, err)

	t.Run("refresh token rejected as access token", func(t *testing.T) {
		_, err := mgr.ValidateToken(refresh)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "refresh token used as access token")
	})

	t.Run("access token rejected as refresh token", func(t *testing.T) {
		_, err := mgr.ValidateRefreshToken(access)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "access token used as refresh token")
	})
}

// forgeToken signs a JWT with the given secret and claims.
func forgeToken(t *testing.T, secret string, claims jwt.Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestValidateToken_WrongSecret(t *testing.T) {
	mgr, err := auth.NewJWTManager(testSecret, 0)
	require.NoError(t, err)

	now := time.Now().UTC()
	token := forgeToken(t, "attacker-controlled-secret-0123456789", &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uuid.New().String(),
			Issuer:    "kotae",
			Audience:  jwt.ClaimStrings{"kotae"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			ID:        uuid.New().String(),
		},
		Email: "dev@example.com",
	})

	_, err = mgr.ValidateToken(token)
	require.Error(t, err)
}

func TestValidateToken_WrongIssuer(t *testing.T) {
	mgr, err := auth.NewJWTManager(testSecret, 0)
	require.NoError(t, err)

	now := time.Now().UTC()
	token := forgeToken(t, testSecret, &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uuid.New().String(),
			Issuer:    "not-kotae",
			Audience:  jwt.ClaimStrings{"kotae"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			ID:        uuid.New().String(),
		},
		Email: "dev@example.com",
	})

	_, err = mgr.ValidateToken(token)
	require.Error(t, err)
}

func TestValidateToken_Expired(t *testing.T) {
	mgr, err := auth.NewJWTManager(testSecret, 0)
	require.NoError(t, err)

	now := time.Now().UTC()
	token := forgeToken(t, testSecret, &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uuid.New().String(),
			Issuer:    "kotae",
			Audience:  jwt.ClaimStrings{"kotae"},
			IssuedAt:  jwt.NewNumericDate(now.Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(now.Add(-time.Hour)),
			ID:        uuid.New().String(),
		},
		Email: "dev@example.com",
	})

	_, err = mgr.ValidateToken(token)
	require.Error(t, err)
}

func TestValidateToken_MalformedSubject(t *testing.T) {
	mgr, err := auth.NewJWTManager(testSecret, 0)
	require.NoError(t, err)

	now := time.Now().UTC()
	token := forgeToken(t, testSecret, &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "not-a-uuid",
			Issuer:    "kotae",
			Audience:  jwt.ClaimStrings{"kotae"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			ID:        uuid.New().String(),
		},
		Email: "dev@example.com",
	})

	_, err = mgr.ValidateToken(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid subject")
}
