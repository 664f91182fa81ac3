package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// bcryptCost 12 keeps verification under ~300ms on current hardware. Old
// hashes embed their own cost, so raising it later invalidates nothing.
const bcryptCost = 12

// dummyHash is a bcrypt hash of a throwaway string, used by DummyVerify to
// equalize timing on login paths where no user was found.
var dummyHash = func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("kotae-timing-pad"), bcryptCost)
	if err != nil {
		panic(fmt.Sprintf("auth: generate dummy hash: %v", err))
	}
	return h
}()

// HashPassword hashes a password with bcrypt.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword checks a password against a bcrypt hash. A mismatch is not
// an error; callers distinguish "wrong password" from "hash corrupted".
func VerifyPassword(password, hash string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return false, fmt.Errorf("auth: verify password: %w", err)
}

// DummyVerify performs a bcrypt comparison with the same cost parameters as
// real verification. Call this on auth failure paths where no real hash was
// checked, so that response timing does not reveal whether an email exists.
func DummyVerify() {
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte("dummy"))
}
