package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/ashita-ai/kotae/internal/auth"
	"github.com/ashita-ai/kotae/internal/config"
	"github.com/ashita-ai/kotae/internal/ctxutil"
	"github.com/ashita-ai/kotae/internal/model"
)

const testJWTSecret = "0123456789abcdef0123456789abcdef"

// newMiddlewareServer builds a Server with just enough wiring for the
// middleware under test: a real JWT manager and a Handlers whose nil db
// makes security-event writes no-ops.
func newMiddlewareServer(t *testing.T, cfg config.Config) *Server {
	t.Helper()
	jwt, err := auth.NewJWTManager(testJWTSecret, 0)
	if err != nil {
		t.Fatalf("NewJWTManager: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return &Server{
		jwt:    jwt,
		cfg:    cfg,
		logger: logger,
		h:      &Handlers{cfg: cfg, logger: logger},
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// decodeAPIError unmarshals the error envelope written by writeError.
func decodeAPIError(t *testing.T, rec *httptest.ResponseRecorder) model.APIError {
	t.Helper()
	var e model.APIError
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode error envelope: %v (body %q)", err, rec.Body.String())
	}
	return e
}

func TestRequestIDMiddleware(t *testing.T) {
	s := newMiddlewareServer(t, config.Config{})

	var seen string
	handler := s.requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ctxutil.RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	// A well-formed caller-supplied ID is echoed and reaches the context.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-ID", "client-id-42")
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "client-id-42" {
		t.Errorf("valid ID not echoed: got %q", got)
	}
	if seen != "client-id-42" {
		t.Errorf("context request ID = %q, want client-id-42", seen)
	}

	// Missing and malformed IDs are replaced with a generated UUID.
	for name, header := range map[string]string{
		"missing":       "",
		"too long":      strings.Repeat("x", 65),
		"control chars": "abc\x01def",
		"has space":     "id with space",
	} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/health", nil)
		if header != "" {
			req.Header.Set("X-Request-ID", header)
		}
		handler.ServeHTTP(rec, req)
		got := rec.Header().Get("X-Request-ID")
		if got == header {
			t.Errorf("%s: malformed ID echoed back", name)
		}
		if _, err := uuid.Parse(got); err != nil {
			t.Errorf("%s: replacement %q is not a UUID", name, got)
		}
	}
}

func TestValidRequestID(t *testing.T) {
	cases := []struct {
		id   string
		want bool
	}{
		{"", false},
		{"abc-123", true},
		{strings.Repeat("a", 64), true},
		{strings.Repeat("a", 65), false},
		{"has space", false},
		{"tab\there", false},
		{"non-ascii-é", false},
	}
	for _, c := range cases {
		if got := validRequestID(c.id); got != c.want {
			t.Errorf("validRequestID(%q) = %v, want %v", c.id, got, c.want)
		}
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	handler := securityHeadersMiddleware(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/health", nil))

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Referrer-Policy":         "no-referrer",
		"Content-Security-Policy": "default-src 'none'",
	}
	for header, value := range want {
		if got := rec.Header().Get(header); got != value {
			t.Errorf("%s = %q, want %q", header, got, value)
		}
	}
}

func TestCORSMiddleware(t *testing.T) {
	// No configured origins: the middleware is a pass-through and no CORS
	// headers appear even when the request carries an Origin.
	s := newMiddlewareServer(t, config.Config{})
	handler := s.corsMiddleware(okHandler())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/health", nil)
	req.Header.Set("Origin", "https://app.example.com")
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unconfigured CORS set Allow-Origin %q", got)
	}

	s = newMiddlewareServer(t, config.Config{CORSAllowedOrigins: []string{"https://app.example.com"}})
	handler = s.corsMiddleware(okHandler())

	// Allowed origin is echoed with Vary.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/api/health", nil)
	req.Header.Set("Origin", "https://app.example.com")
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := rec.Header().Get("Vary"); got != "Origin" {
		t.Errorf("Vary = %q", got)
	}

	// Unknown origin gets no CORS headers but the request still runs.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/api/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin got Allow-Origin %q", got)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("disallowed origin blocked the request: %d", rec.Code)
	}

	// Preflight from an allowed origin short-circuits with 204.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("OPTIONS", "/api/rag-chat", nil)
	req.Header.Set("Origin", "https://app.example.com")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, "POST") {
		t.Errorf("Allow-Methods = %q", got)
	}
}

func TestAuthMiddleware(t *testing.T) {
	s := newMiddlewareServer(t, config.Config{})

	var gotClaims *auth.Claims
	handler := s.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims = ctxutil.ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	// Paths in the skip set need no token.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("skip path status = %d, want 200", rec.Code)
	}

	// Missing header.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/documents", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing header status = %d, want 401", rec.Code)
	}
	if e := decodeAPIError(t, rec); e.Message != "missing authorization header" {
		t.Errorf("missing header message = %q", e.Message)
	}

	// Wrong scheme.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/documents", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong scheme status = %d, want 401", rec.Code)
	}

	// Garbage token.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/api/documents", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token status = %d, want 401", rec.Code)
	}
	if e := decodeAPIError(t, rec); e.Message != "invalid or expired token" {
		t.Errorf("bad token message = %q", e.Message)
	}

	// Valid token: claims land in the context. Scheme is case-insensitive.
	user := model.User{ID: uuid.NewString(), Email: "mw@example.com"}
	token, _, err := s.jwt.IssueAccessToken(user, model.RoleUser, []string{model.PermChat})
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/api/documents", nil)
	req.Header.Set("Authorization", "bearer "+token)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("valid token status = %d, want 200", rec.Code)
	}
	if gotClaims == nil || gotClaims.Email != "mw@example.com" {
		t.Errorf("claims not propagated: %+v", gotClaims)
	}

	// A refresh token never authenticates an API request.
	refresh, _, err := s.jwt.IssueRefreshToken(user)
	if err != nil {
		t.Fatalf("IssueRefreshToken: %v", err)
	}
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/api/documents", nil)
	req.Header.Set("Authorization", "Bearer "+refresh)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("refresh-as-access status = %d, want 401", rec.Code)
	}
}

func TestAuthMiddlewarePasswordChangeConfinement(t *testing.T) {
	s := newMiddlewareServer(t, config.Config{})
	handler := s.authMiddleware(okHandler())

	user := model.User{ID: uuid.NewString(), Email: "temp@example.com", PasswordChangeRequired: true}
	token, _, err := s.jwt.IssueAccessToken(user, model.RoleUser, nil)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}

	// Any other endpoint is refused until the password changes.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/documents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("confined token status = %d, want 403", rec.Code)
	}
	if e := decodeAPIError(t, rec); e.ErrorCode != model.ErrCodePasswordChangeRequired {
		t.Errorf("error code = %q, want %q", e.ErrorCode, model.ErrCodePasswordChangeRequired)
	}

	// The force-change endpoint itself stays reachable.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("POST", forceChangePath, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("force-change path status = %d, want 200", rec.Code)
	}
}

func TestRequirePermission(t *testing.T) {
	s := newMiddlewareServer(t, config.Config{})
	guard := s.requirePermission(model.PermSearch)
	handler := guard(okHandler())

	// No claims in context: the guard never reaches the checker.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/api/hybrid-search", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d, want 401", rec.Code)
	}

	// Admin role passes without a database lookup.
	claims := &auth.Claims{Role: model.RoleAdmin}
	rec = httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/hybrid-search", nil)
	req = req.WithContext(ctxutil.WithClaims(req.Context(), claims))
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("admin status = %d, want 200", rec.Code)
	}
}

func TestRequireAdmin(t *testing.T) {
	s := newMiddlewareServer(t, config.Config{})
	handler := s.requireAdmin(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/analytics/security", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/analytics/security", nil)
	req = req.WithContext(ctxutil.WithClaims(req.Context(), &auth.Claims{Role: model.RoleAnalyst}))
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("analyst status = %d, want 403", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/api/analytics/security", nil)
	req = req.WithContext(ctxutil.WithClaims(req.Context(), &auth.Claims{Role: model.RoleAdmin}))
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("admin status = %d, want 200", rec.Code)
	}
}

func TestRateKey(t *testing.T) {
	s := newMiddlewareServer(t, config.Config{})

	// Anonymous requests key on client IP.
	req := httptest.NewRequest("POST", "/api/auth/login", nil)
	req.RemoteAddr = "203.0.113.9:4711"
	if got := s.rateKey(req); got != "203.0.113.9" {
		t.Errorf("anonymous key = %q, want 203.0.113.9", got)
	}

	// Authenticated requests key on user ID.
	id := uuid.NewString()
	claims := &auth.Claims{Role: model.RoleUser}
	claims.Subject = id
	req = req.WithContext(ctxutil.WithClaims(req.Context(), claims))
	if got := s.rateKey(req); got != id {
		t.Errorf("user key = %q, want %q", got, id)
	}

	// Admins are exempt: the empty key tells the limiter to skip.
	req = httptest.NewRequest("POST", "/api/auth/login", nil)
	req = req.WithContext(ctxutil.WithClaims(req.Context(), &auth.Claims{Role: model.RoleAdmin}))
	if got := s.rateKey(req); got != "" {
		t.Errorf("admin key = %q, want empty", got)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "198.51.100.7:9999"
	req.Header.Set("X-Forwarded-For", "203.0.113.1, 10.0.0.1")

	// Without a trusted proxy the forwarded header is attacker-controlled
	// and ignored.
	if got := clientIP(req, false); got != "198.51.100.7" {
		t.Errorf("untrusted = %q, want 198.51.100.7", got)
	}

	// Behind a trusted proxy the first hop wins.
	if got := clientIP(req, true); got != "203.0.113.1" {
		t.Errorf("trusted = %q, want 203.0.113.1", got)
	}

	// TrustProxy with no header falls back to RemoteAddr.
	req.Header.Del("X-Forwarded-For")
	if got := clientIP(req, true); got != "198.51.100.7" {
		t.Errorf("no header = %q, want 198.51.100.7", got)
	}
}

func TestDecodeJSONStrictness(t *testing.T) {
	type payload struct {
		Query string `json:"query"`
	}

	// Unknown fields are rejected so typos fail loudly instead of being
	// silently dropped.
	req := httptest.NewRequest("POST", "/api/rag-chat", strings.NewReader(`{"query":"x","quary":"y"}`))
	var p payload
	if err := decodeJSON(req, &p); err == nil {
		t.Error("unknown field accepted")
	}

	// A second JSON document after the first is rejected.
	req = httptest.NewRequest("POST", "/api/rag-chat", strings.NewReader(`{"query":"x"}{"query":"y"}`))
	if err := decodeJSON(req, &p); err == nil {
		t.Error("trailing document accepted")
	}

	req = httptest.NewRequest("POST", "/api/rag-chat", strings.NewReader(`{"query":"hello"}`))
	if err := decodeJSON(req, &p); err != nil {
		t.Errorf("valid body rejected: %v", err)
	}
	if p.Query != "hello" {
		t.Errorf("decoded query = %q", p.Query)
	}
}

func TestHandleDecodeErrorStatuses(t *testing.T) {
	s := newMiddlewareServer(t, config.Config{MaxRequestBodyBytes: 64})

	handler := s.maxBodyMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Query string `json:"query"`
		}
		if err := decodeJSON(r, &body); err != nil {
			handleDecodeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	// Empty body reads as 400, not 500.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/api/rag-chat", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty body status = %d, want 400", rec.Code)
	}
	if e := decodeAPIError(t, rec); e.Message != "request body is required" {
		t.Errorf("empty body message = %q", e.Message)
	}

	// A body past the configured cap maps to 413 through MaxBytesReader.
	big := `{"query":"` + strings.Repeat("a", 128) + `"}`
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/api/rag-chat", strings.NewReader(big)))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized body status = %d, want 413", rec.Code)
	}

	// Plain malformed JSON is a 400.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/api/rag-chat", strings.NewReader(`{"query":`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", rec.Code)
	}
}

func TestStatusWriterCapturesImplicit200(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec}
	if _, err := sw.Write([]byte("ok")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if sw.status != http.StatusOK {
		t.Errorf("implicit status = %d, want 200", sw.status)
	}

	rec = httptest.NewRecorder()
	sw = &statusWriter{ResponseWriter: rec}
	sw.WriteHeader(http.StatusTeapot)
	if sw.status != http.StatusTeapot {
		t.Errorf("explicit status = %d, want 418", sw.status)
	}
}
