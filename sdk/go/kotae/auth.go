package kotae

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// tokenManager handles access-token acquisition and renewal. Tokens renew
// through the refresh endpoint while the refresh token is alive and fall
// back to a full login when it is not. It is safe for concurrent use.
type tokenManager struct {
	baseURL  string
	email    string
	password string
	client   *http.Client
	margin   time.Duration

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	expiresAt    time.Time
}

func newTokenManager(baseURL, email, password string, client *http.Client) *tokenManager {
	return &tokenManager{
		baseURL:  baseURL,
		email:    email,
		password: password,
		client:   client,
		margin:   30 * time.Second,
	}
}

func (tm *tokenManager) getToken(ctx context.Context) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.accessToken != "" && time.Now().Before(tm.expiresAt.Add(-tm.margin)) {
		return tm.accessToken, nil
	}

	if tm.refreshToken != "" {
		if err := tm.refreshLocked(ctx); err == nil {
			return tm.accessToken, nil
		}
		// Refresh token expired or revoked. Start over with the credentials.
		tm.refreshToken = ""
	}

	if _, err := tm.loginLocked(ctx); err != nil {
		return "", err
	}
	return tm.accessToken, nil
}

// login authenticates with the stored credentials and returns the profile.
func (tm *tokenManager) login(ctx context.Context) (*UserProfile, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.loginLocked(ctx)
}

// refresh renews the access token, logging in again if no refresh token is
// held yet.
func (tm *tokenManager) refresh(ctx context.Context) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.refreshToken == "" {
		_, err := tm.loginLocked(ctx)
		return err
	}
	return tm.refreshLocked(ctx)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	TokenType    string      `json:"token_type"`
	ExpiresIn    int         `json:"expires_in"`
	User         UserProfile `json:"user"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

func (tm *tokenManager) loginLocked(ctx context.Context) (*UserProfile, error) {
	var resp loginResponse
	err := tm.postJSON(ctx, "/api/auth/login", loginRequest{Email: tm.email, Password: tm.password}, &resp)
	if err != nil {
		return nil, err
	}

	tm.accessToken = resp.AccessToken
	tm.refreshToken = resp.RefreshToken
	tm.expiresAt = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	return &resp.User, nil
}

func (tm *tokenManager) refreshLocked(ctx context.Context) error {
	var resp refreshResponse
	err := tm.postJSON(ctx, "/api/auth/refresh", refreshRequest{RefreshToken: tm.refreshToken}, &resp)
	if err != nil {
		return err
	}

	tm.accessToken = resp.AccessToken
	tm.expiresAt = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	return nil
}

// postJSON is the unauthenticated POST used by the auth endpoints. Failures
// surface as *Error so credential problems are distinguishable from
// transport ones.
func (tm *tokenManager) postJSON(ctx context.Context, path string, body, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("kotae: marshal auth request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("kotae: create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := tm.client.Do(req)
	if err != nil {
		return fmt.Errorf("kotae: auth request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("kotae: read auth response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}
	return json.Unmarshal(bodyBytes, dest)
}
