// genkey generates the secrets a Kotae deployment needs before first launch.
//
// Usage (run from the repo root):
//
//	go run scripts/genkey/main.go
//	go run scripts/genkey/main.go -password 'chosen-admin-password'
//
// It prints a fresh JWT_SECRET (48 random bytes, base64) ready to paste into
// the environment or an .env file. Tokens are HMAC-signed, so rotating the
// secret invalidates every live session; generate once and keep it stable
// across restarts.
//
// With -password it also prints a bcrypt hash of the supplied admin password,
// using the same cost the server uses. That is useful when the bootstrap
// account is seeded via SQL instead of KOTAE_ADMIN_PASSWORD.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"os"

	"golang.org/x/crypto/bcrypt"
)

// Matches bcryptCost in internal/auth; changing one without the other only
// affects how long verification takes, not correctness.
const bcryptCost = 12

func main() {
	password := flag.String("password", "", "admin password to hash for SQL seeding (optional)")
	flag.Parse()

	secret := make([]byte, 48)
	if _, err := rand.Read(secret); err != nil {
		fmt.Fprintf(os.Stderr, "error: generate secret: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("JWT_SECRET=%s\n", base64.StdEncoding.EncodeToString(secret))

	if *password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(*password), bcryptCost)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: hash password: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("ADMIN_PASSWORD_HASH=%s\n", string(hash))
		fmt.Println("insert with: UPDATE users SET password_hash = '<hash>' WHERE email = '<admin email>';")
	}
}
