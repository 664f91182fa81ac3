package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kotae/internal/ctxutil"
	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/telemetry"
)

// authSkipPaths are reachable without a bearer token. Everything else under
// the mux requires a valid access token.
var authSkipPaths = map[string]bool{
	"/health":                   true,
	"/api/health":               true,
	"/metrics":                  true,
	"/openapi.yaml":             true,
	"/api/auth/login":           true,
	"/api/auth/refresh":         true,
	"/api/auth/register":        true,
	"/api/auth/forgot-password": true,
	"/api/auth/reset-password":  true,
	"/api/auth/verify-email":    true,
}

// forceChangePath is the only authenticated route a token flagged
// password_change_required may reach.
const forceChangePath = "/api/auth/force-change-password"

// statusWriter captures the response status and size for access logging.
// Flush and Unwrap pass through so SSE streaming and ResponseController
// deadlines keep working behind the wrapper.
type statusWriter struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.status = http.StatusOK
		w.wroteHeader = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// requestIDMiddleware assigns every request an ID, reusing a sane inbound
// X-Request-ID so IDs correlate across proxies. The ID is echoed back and
// stored in the context for logs, errors, and audit rows.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if !validRequestID(id) {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctxutil.WithRequestID(r.Context(), id)))
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, c := range id {
		if c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}

// securityHeadersMiddleware sets the standard hardening headers. The API
// serves no HTML, so the CSP can deny everything.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'")
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware allows cross-origin calls from the configured origins.
// With no origins configured the API is same-origin only and the middleware
// is a no-op.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	if len(s.cfg.CORSAllowedOrigins) == 0 {
		return next
	}
	allowed := make(map[string]bool, len(s.cfg.CORSAllowedOrigins))
	wildcard := false
	for _, o := range s.cfg.CORSAllowedOrigins {
		if o == "*" {
			wildcard = true
		}
		allowed[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (wildcard || allowed[origin]) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Vary", "Origin")
			if r.Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
				h.Set("Access-Control-Max-Age", "300")
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

var (
	httpMetricsOnce sync.Once
	requestCounter  metric.Int64Counter
	requestDuration metric.Float64Histogram
)

// tracingMiddleware opens a span per request and records the request count
// and duration instruments. Instruments are created lazily so tests without
// a meter provider stay cheap.
func (s *Server) tracingMiddleware(next http.Handler) http.Handler {
	tracer := telemetry.Tracer("kotae/server")
	httpMetricsOnce.Do(func() {
		meter := telemetry.Meter("kotae/server")
		requestCounter, _ = meter.Int64Counter("kotae.http.request_count")
		requestDuration, _ = meter.Float64Histogram("kotae.http.duration",
			metric.WithUnit("ms"))
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			oteltrace.WithSpanKind(oteltrace.SpanKindServer))
		defer span.End()

		sw := &statusWriter{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(sw, r.WithContext(ctx))
		elapsed := time.Since(start)

		attrs := []attribute.KeyValue{
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path),
			attribute.Int("http.status_code", sw.status),
		}
		span.SetAttributes(attrs...)
		if requestCounter != nil {
			requestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
		}
		if requestDuration != nil {
			requestDuration.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(attrs...))
		}
	})
}

// loggingMiddleware writes one access log line per request. 4xx log at warn,
// 5xx at error, so scanning for trouble needs no status parsing.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(sw, r)
		elapsed := time.Since(start)

		level := slog.LevelInfo
		switch {
		case sw.status >= 500:
			level = slog.LevelError
		case sw.status >= 400:
			level = slog.LevelWarn
		}

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"bytes", sw.bytes,
			"duration_ms", elapsed.Milliseconds(),
			"ip", clientIP(r, s.cfg.TrustProxy),
			"request_id", ctxutil.RequestIDFromContext(r.Context()),
		}
		if userID := ctxutil.UserIDFromContext(r.Context()); userID != "" {
			attrs = append(attrs, "user_id", userID)
		}
		s.logger.Log(r.Context(), level, "http request", attrs...)
	})
}

// recoveryMiddleware turns panics into 500 responses instead of dropped
// connections, logging the stack for the postmortem.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					"panic", rec,
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", ctxutil.RequestIDFromContext(r.Context()),
					"stack", string(debug.Stack()),
				)
				if sw, ok := w.(*statusWriter); !ok || !sw.wroteHeader {
					writeInternalError(w, r)
				}
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// maxBodyMiddleware caps request body size. Oversized bodies surface as
// http.MaxBytesError from the JSON decoder and map to 413.
func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	limit := s.cfg.MaxRequestBodyBytes
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && limit > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware validates the bearer token on every route not in the skip
// set and stores the claims in the context. Tokens flagged
// password_change_required are confined to the force-change endpoint.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authSkipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "missing authorization header")
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "authorization header must be a bearer token")
			return
		}

		claims, err := s.jwt.ValidateToken(strings.TrimSpace(parts[1]))
		if err != nil {
			s.h.recordSecurityEvent(model.SecurityEvent{
				Kind:      model.SecurityTokenRejected,
				RemoteIP:  clientIP(r, s.cfg.TrustProxy),
				RequestID: ctxutil.RequestIDFromContext(r.Context()),
				Detail:    "access token rejected",
			})
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid or expired token")
			return
		}

		if claims.PasswordChangeRequired && r.URL.Path != forceChangePath {
			writeError(w, r, http.StatusForbidden, model.ErrCodePasswordChangeRequired,
				"password change required before accessing this resource")
			return
		}

		next.ServeHTTP(w, r.WithContext(ctxutil.WithClaims(r.Context(), claims)))
	})
}

// requirePermission guards a route with a named permission. Admins pass
// outright; everyone else is checked against the cached role-permission
// union, so a revoked grant takes effect within the cache TTL.
func (s *Server) requirePermission(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ctxutil.ClaimsFromContext(r.Context())
			if claims == nil {
				writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "authentication required")
				return
			}
			if claims.IsAdmin() {
				next.ServeHTTP(w, r)
				return
			}
			ok, err := s.checker.Has(r.Context(), claims.UserID(), perm)
			if err != nil {
				s.logger.Error("permission check failed", "error", err, "permission", perm)
				writeInternalError(w, r)
				return
			}
			if !ok {
				s.h.recordSecurityEvent(model.SecurityEvent{
					Kind:      model.SecurityPermissionDeny,
					Email:     claims.Email,
					UserID:    claims.UserID(),
					RemoteIP:  clientIP(r, s.cfg.TrustProxy),
					RequestID: ctxutil.RequestIDFromContext(r.Context()),
					Detail:    perm,
				})
				writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden,
					fmt.Sprintf("missing permission: %s", perm))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireAdmin guards routes reserved for the admin role.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := ctxutil.ClaimsFromContext(r.Context())
		if claims == nil {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "authentication required")
			return
		}
		if !claims.IsAdmin() {
			s.h.recordSecurityEvent(model.SecurityEvent{
				Kind:      model.SecurityPermissionDeny,
				Email:     claims.Email,
				UserID:    claims.UserID(),
				RemoteIP:  clientIP(r, s.cfg.TrustProxy),
				RequestID: ctxutil.RequestIDFromContext(r.Context()),
				Detail:    "admin role required",
			})
			writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateKey keys rate limiting by authenticated user, falling back to client
// IP for anonymous requests. Admins return the empty key, which the limiter
// middleware treats as exempt.
func (s *Server) rateKey(r *http.Request) string {
	if claims := ctxutil.ClaimsFromContext(r.Context()); claims != nil {
		if claims.IsAdmin() {
			return ""
		}
		return claims.UserID()
	}
	return clientIP(r, s.cfg.TrustProxy)
}

// onRateLimited records a security event for a rejected request.
func (s *Server) onRateLimited(r *http.Request, key string) {
	claims := ctxutil.ClaimsFromContext(r.Context())
	ev := model.SecurityEvent{
		Kind:      model.SecurityRateLimited,
		RemoteIP:  clientIP(r, s.cfg.TrustProxy),
		RequestID: ctxutil.RequestIDFromContext(r.Context()),
		Detail:    r.URL.Path,
	}
	if claims != nil {
		ev.Email = claims.Email
		ev.UserID = claims.UserID()
	}
	s.h.recordSecurityEvent(ev)
}

// clientIP extracts the caller address. Behind a trusted proxy the first
// X-Forwarded-For hop wins; otherwise only RemoteAddr is believed.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, model.APIError{
		Message:   message,
		ErrorCode: code,
		RequestID: ctxutil.RequestIDFromContext(r.Context()),
	})
}

func writeValidationError(w http.ResponseWriter, r *http.Request, message string) {
	writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeValidation, message)
}

func writeInternalError(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "internal server error")
}

// decodeJSON strictly decodes a request body into dst. Unknown fields are
// rejected so client typos fail loudly instead of silently defaulting.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	// A second document in the body is a malformed request.
	if dec.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

// handleDecodeError maps JSON decode failures onto the error envelope.
func handleDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeBadRequest,
			fmt.Sprintf("request body exceeds %d bytes", maxBytes.Limit))
		return
	}
	if errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "request body is required")
		return
	}
	writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "malformed JSON: "+err.Error())
}
