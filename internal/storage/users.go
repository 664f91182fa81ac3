package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kotae/internal/model"
)

// Lockout policy: the N-th consecutive failed login locks the account for the
// lockout window. Counting resets on success and on window expiry.
const (
	LockoutThreshold = 5
	LockoutWindow    = 15 * time.Minute
)

// CreateUser inserts a new account. Returns ErrDuplicate when the email is taken.
func (db *DB) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	if u.Status == "" {
		u.Status = model.UserStatusActive
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO users (id, email, password_hash, first_name, last_name, status,
		 email_verified, password_change_required, failed_login_attempts, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		u.ID, u.Email, u.PasswordHash, u.FirstName, u.LastName, string(u.Status),
		u.EmailVerified, u.PasswordChangeRequired, u.FailedLoginAttempts, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.User{}, ErrDuplicate
		}
		return model.User{}, fmt.Errorf("storage: create user: %w", err)
	}
	return u, nil
}

// GetUserByEmail retrieves an account by normalized email, with role names attached.
func (db *DB) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	return db.getUser(ctx, `email = $1`, email)
}

// GetUserByID retrieves an account by ID, with role names attached.
func (db *DB) GetUserByID(ctx context.Context, id string) (model.User, error) {
	return db.getUser(ctx, `id = $1`, id)
}

func (db *DB) getUser(ctx context.Context, where string, arg any) (model.User, error) {
	var u model.User
	var status string
	err := db.pool.QueryRow(ctx,
		`SELECT id, email, password_hash, first_name, last_name, status, email_verified,
		 password_change_required, failed_login_attempts, locked_until, last_login_at,
		 created_at, updated_at
		 FROM users WHERE `+where, arg,
	).Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName, &status, &u.EmailVerified,
		&u.PasswordChangeRequired, &u.FailedLoginAttempts, &u.LockedUntil, &u.LastLoginAt,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, fmt.Errorf("storage: get user: %w", err)
	}
	u.Status = model.UserStatus(status)

	roles, err := db.GetUserRoles(ctx, u.ID)
	if err != nil {
		return model.User{}, err
	}
	u.Roles = roles
	return u, nil
}

// GetUserRoles returns the role names assigned to a user.
func (db *DB) GetUserRoles(ctx context.Context, userID string) ([]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT r.name FROM roles r
		 JOIN user_roles ur ON ur.role_id = r.id
		 WHERE ur.user_id = $1
		 ORDER BY r.name`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get user roles: %w", err)
	}
	defer rows.Close()

	var roles []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("storage: scan role: %w", err)
		}
		roles = append(roles, name)
	}
	return roles, rows.Err()
}

// GetUserPermissions returns the distinct permission names granted to a user
// through its roles.
func (db *DB) GetUserPermissions(ctx context.Context, userID string) ([]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT p.name FROM permissions p
		 JOIN role_permissions rp ON rp.permission_id = p.id
		 JOIN user_roles ur ON ur.role_id = rp.role_id
		 WHERE ur.user_id = $1
		 ORDER BY p.name`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get user permissions: %w", err)
	}
	defer rows.Close()

	var perms []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("storage: scan permission: %w", err)
		}
		perms = append(perms, name)
	}
	return perms, rows.Err()
}

// AssignRole grants a role to a user by role name. Idempotent.
func (db *DB) AssignRole(ctx context.Context, userID, roleName string) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO user_roles (user_id, role_id)
		 SELECT $1, id FROM roles WHERE name = $2
		 ON CONFLICT DO NOTHING`, userID, roleName,
	)
	if err != nil {
		return fmt.Errorf("storage: assign role: %w", err)
	}
	return nil
}

// RecordLoginSuccess resets failure counters and stamps last_login_at.
func (db *DB) RecordLoginSuccess(ctx context.Context, userID string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE users SET failed_login_attempts = 0, locked_until = NULL,
		 last_login_at = now(), updated_at = now() WHERE id = $1`, userID,
	)
	if err != nil {
		return fmt.Errorf("storage: record login success: %w", err)
	}
	return nil
}

// RecordLoginFailure increments the failure counter and, at the lockout
// threshold, sets locked_until. It returns the new counter value and the
// lockout deadline when one was applied. The increment and the lock decision
// happen in one statement so concurrent failures cannot skip the threshold.
func (db *DB) RecordLoginFailure(ctx context.Context, userID string) (int, *time.Time, error) {
	var attempts int
	var lockedUntil *time.Time
	err := db.pool.QueryRow(ctx,
		`UPDATE users SET
		   failed_login_attempts = failed_login_attempts + 1,
		   locked_until = CASE WHEN failed_login_attempts + 1 >= $2
		                       THEN now() + $3::interval ELSE locked_until END,
		   updated_at = now()
		 WHERE id = $1
		 RETURNING failed_login_attempts, locked_until`,
		userID, LockoutThreshold, LockoutWindow.String(),
	).Scan(&attempts, &lockedUntil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil, ErrNotFound
		}
		return 0, nil, fmt.Errorf("storage: record login failure: %w", err)
	}
	return attempts, lockedUntil, nil
}

// ClearExpiredLockout resets the counters when the lockout window has passed.
// Returns true when a reset happened.
func (db *DB) ClearExpiredLockout(ctx context.Context, userID string) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE users SET failed_login_attempts = 0, locked_until = NULL, updated_at = now()
		 WHERE id = $1 AND locked_until IS NOT NULL AND locked_until <= now()`, userID,
	)
	if err != nil {
		return false, fmt.Errorf("storage: clear expired lockout: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetPassword replaces the password hash and clears the change-required flag.
func (db *DB) SetPassword(ctx context.Context, userID, passwordHash string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE users SET password_hash = $2, password_change_required = FALSE,
		 failed_login_attempts = 0, locked_until = NULL, updated_at = now()
		 WHERE id = $1`, userID, passwordHash,
	)
	if err != nil {
		return fmt.Errorf("storage: set password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPasswordChangeRequired flags the account for a forced password change.
func (db *DB) SetPasswordChangeRequired(ctx context.Context, userID string, required bool) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE users SET password_change_required = $2, updated_at = now() WHERE id = $1`,
		userID, required,
	)
	if err != nil {
		return fmt.Errorf("storage: set password change required: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetEmailVerified marks the account's email address as verified.
func (db *DB) SetEmailVerified(ctx context.Context, userID string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE users SET email_verified = TRUE, updated_at = now() WHERE id = $1`, userID,
	)
	if err != nil {
		return fmt.Errorf("storage: set email verified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetUserStatus transitions the account lifecycle state.
func (db *DB) SetUserStatus(ctx context.Context, userID string, status model.UserStatus) error {
	if !model.ValidUserStatus(status) {
		return fmt.Errorf("storage: invalid user status %q", status)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE users SET status = $2, updated_at = now() WHERE id = $1`,
		userID, string(status),
	)
	if err != nil {
		return fmt.Errorf("storage: set user status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountUsers returns the total number of accounts. Used by the seed-admin path.
func (db *DB) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count users: %w", err)
	}
	return n, nil
}
