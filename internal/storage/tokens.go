package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Verification token purposes.
const (
	TokenEmailVerify   = "email_verify"
	TokenPasswordReset = "password_reset"
)

// CreateVerificationToken stores the SHA-256 of a one-time token. The raw
// token travels only in the outbound email; we never persist it.
func (db *DB) CreateVerificationToken(ctx context.Context, userID, tokenHash, purpose string, expiresAt time.Time) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO verification_tokens (user_id, token_hash, purpose, expires_at, used, created_at)
		 VALUES ($1, $2, $3, $4, FALSE, now())`,
		userID, tokenHash, purpose, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create verification token: %w", err)
	}
	return nil
}

// ConsumeVerificationToken validates a token hash for a purpose and marks it
// used. Strictly single-use: an already-used or expired token returns
// ErrNotFound. Callers that want used-token idempotency (email verification)
// follow up with LookupVerificationToken.
func (db *DB) ConsumeVerificationToken(ctx context.Context, tokenHash, purpose string) (string, error) {
	var userID string
	err := db.pool.QueryRow(ctx,
		`UPDATE verification_tokens SET used = TRUE
		 WHERE token_hash = $1 AND purpose = $2 AND NOT used AND expires_at > now()
		 RETURNING user_id`,
		tokenHash, purpose,
	).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("storage: consume verification token: %w", err)
	}
	return userID, nil
}

// LookupVerificationToken reads a token row without mutating it. Used to
// distinguish "already consumed" from "never existed" on the verify path.
func (db *DB) LookupVerificationToken(ctx context.Context, tokenHash, purpose string) (userID string, used bool, err error) {
	err = db.pool.QueryRow(ctx,
		`SELECT user_id, used FROM verification_tokens
		 WHERE token_hash = $1 AND purpose = $2 AND expires_at > now()`,
		tokenHash, purpose,
	).Scan(&userID, &used)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, ErrNotFound
		}
		return "", false, fmt.Errorf("storage: lookup verification token: %w", err)
	}
	return userID, used, nil
}

// InvalidateUserTokens marks all outstanding tokens of a purpose used, e.g.
// after a successful password reset so older reset links die.
func (db *DB) InvalidateUserTokens(ctx context.Context, userID, purpose string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE verification_tokens SET used = TRUE
		 WHERE user_id = $1 AND purpose = $2 AND NOT used`,
		userID, purpose,
	)
	if err != nil {
		return fmt.Errorf("storage: invalidate tokens: %w", err)
	}
	return nil
}

// PurgeExpiredTokens removes dead rows. Called opportunistically.
func (db *DB) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM verification_tokens WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("storage: purge expired tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}
