// Package kotae provides a Go client for the kotae retrieval-augmented
// question-answering API.
package kotae

import (
	"errors"
	"fmt"
)

// Error represents an error from the kotae API with the HTTP status code
// and the server's error envelope fields.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("kotae: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 404
	}
	return false
}

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 401
	}
	return false
}

// IsForbidden returns true if the error is a 403.
func IsForbidden(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 403
	}
	return false
}

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 429
	}
	return false
}

// IsAccountLocked returns true if the server refused the credentials because
// the account is locked out after repeated failures. The status is 403 like
// other refusals, so this checks the error code instead.
func IsAccountLocked(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == "ACCOUNT_LOCKED"
	}
	return false
}

// IsPasswordChangeRequired returns true if the account must change its
// password before using other endpoints.
func IsPasswordChangeRequired(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == "PASSWORD_CHANGE_REQUIRED"
	}
	return false
}
