package signup

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashTokenIsDeterministic(t *testing.T) {
	a := hashToken("abc123")
	b := hashToken("abc123")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64) // sha256 hex
	assert.NotEqual(t, a, hashToken("abc124"))
}

func TestNewTokenIsUniqueAndOpaque(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok, err := newToken()
		require.NoError(t, err)
		assert.Len(t, tok, 64) // 32 random bytes hex-encoded
		assert.False(t, seen[tok], "token collision")
		seen[tok] = true
	}
}

func TestSendMailDevModeSkipsSMTP(t *testing.T) {
	s := New(nil, Config{BaseURL: "http://localhost:8000"}, slog.Default())
	// No SMTP host configured: the mail is logged, not sent, and that is
	// success as far as the caller is concerned.
	assert.NoError(t, s.sendMail("user@example.com", "subject", "body"))
}

func TestVerifyEmailRejectsEmptyToken(t *testing.T) {
	s := New(nil, Config{}, slog.Default())
	err := s.VerifyEmail(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
