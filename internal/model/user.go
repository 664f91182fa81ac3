package model

import (
	"fmt"
	"strings"
	"time"
)

// UserStatus is the lifecycle state of an account.
type UserStatus string

const (
	UserStatusActive              UserStatus = "active"
	UserStatusInactive            UserStatus = "inactive"
	UserStatusSuspended           UserStatus = "suspended"
	UserStatusPendingVerification UserStatus = "pending_verification"
)

// Role names seeded by the initial migration.
const (
	RoleAdmin   = "admin"
	RoleAnalyst = "analyst"
	RoleUser    = "user"
)

// Permission names. Routes declare one of these as their guard; roles map to
// permission sets through role_permissions.
const (
	PermChat              = "chat"
	PermSearch            = "search"
	PermDownloadDocuments = "download_documents"
	PermManageDocuments   = "manage_documents"
	PermViewAnalytics     = "view_analytics"
	PermManageUsers       = "manage_users"
)

// User is an account row. PasswordHash never leaves the storage and auth layers.
type User struct {
	ID                     string     `json:"id"`
	Email                  string     `json:"email"`
	PasswordHash           string     `json:"-"`
	FirstName              string     `json:"first_name,omitempty"`
	LastName               string     `json:"last_name,omitempty"`
	Status                 UserStatus `json:"status"`
	EmailVerified          bool       `json:"email_verified"`
	PasswordChangeRequired bool       `json:"password_change_required"`
	FailedLoginAttempts    int        `json:"-"`
	LockedUntil            *time.Time `json:"-"`
	LastLoginAt            *time.Time `json:"last_login_at,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
	Roles                  []string   `json:"roles,omitempty"`
}

// LockedNow reports whether the account is inside an active lockout window.
func (u *User) LockedNow(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// OperationallyActive reports whether the account may authenticate: active
// status, verified email, and no live lockout.
func (u *User) OperationallyActive(now time.Time) bool {
	return u.Status == UserStatusActive && u.EmailVerified && !u.LockedNow(now)
}

// UserProfile is the public projection of a user returned by auth endpoints.
type UserProfile struct {
	ID                     string     `json:"id"`
	Email                  string     `json:"email"`
	FirstName              string     `json:"first_name,omitempty"`
	LastName               string     `json:"last_name,omitempty"`
	Roles                  []string   `json:"roles"`
	Permissions            []string   `json:"permissions,omitempty"`
	EmailVerified          bool       `json:"email_verified"`
	PasswordChangeRequired bool       `json:"password_change_required"`
	LastLoginAt            *time.Time `json:"last_login_at,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
}

// Profile converts a user row to its public projection.
func (u *User) Profile() UserProfile {
	roles := u.Roles
	if roles == nil {
		roles = []string{}
	}
	return UserProfile{
		ID:                     u.ID,
		Email:                  u.Email,
		FirstName:              u.FirstName,
		LastName:               u.LastName,
		Roles:                  roles,
		EmailVerified:          u.EmailVerified,
		PasswordChangeRequired: u.PasswordChangeRequired,
		LastLoginAt:            u.LastLoginAt,
		CreatedAt:              u.CreatedAt,
	}
}

// Role is a named permission set. System roles are seeded by migration and
// cannot be deleted through the API.
type Role struct {
	ID           int       `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	IsSystemRole bool      `json:"is_system_role"`
	CreatedAt    time.Time `json:"created_at"`
}

// Permission is a single named capability, e.g. {search, documents, read}.
type Permission struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Resource    string `json:"resource"`
	Action      string `json:"action"`
	Description string `json:"description,omitempty"`
}

// ValidUserStatus reports whether s is a known account status.
func ValidUserStatus(s UserStatus) bool {
	switch s {
	case UserStatusActive, UserStatusInactive, UserStatusSuspended, UserStatusPendingVerification:
		return true
	}
	return false
}

// NormalizeEmail lowercases and trims an email address for use as a lookup key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail applies the minimal shape check used at registration: one '@'
// with non-empty local and domain parts, a dot in the domain, and the global
// length cap. Deliverability is the mailer's problem, not ours.
func ValidateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("email is required")
	}
	if len(email) > MaxEmailLen {
		return fmt.Errorf("email exceeds maximum length of %d", MaxEmailLen)
	}
	at := strings.IndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return fmt.Errorf("email is malformed")
	}
	domain := email[at+1:]
	if strings.IndexByte(domain, '.') <= 0 || strings.HasSuffix(domain, ".") {
		return fmt.Errorf("email is malformed")
	}
	if strings.ContainsAny(email, " \t\r\n") {
		return fmt.Errorf("email is malformed")
	}
	return nil
}

// ValidatePassword enforces the minimum credential policy: at least 8
// characters with one letter and one digit.
func ValidatePassword(password string) error {
	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}
	if len(password) > MaxPasswordLen {
		return fmt.Errorf("password exceeds maximum length of %d", MaxPasswordLen)
	}
	var hasLetter, hasDigit bool
	for i := 0; i < len(password); i++ {
		c := password[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
			hasLetter = true
		case c >= '0' && c <= '9':
			hasDigit = true
		}
	}
	if !hasLetter || !hasDigit {
		return fmt.Errorf("password must contain at least one letter and one digit")
	}
	return nil
}
