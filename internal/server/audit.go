package server

import (
	"context"
	"net/http"
	"time"

	"github.com/ashita-ai/kotae/internal/ctxutil"
	"github.com/ashita-ai/kotae/internal/model"
)

// auditWriteTimeout bounds the detached audit insert; hookTimeout bounds a
// single search hook invocation.
const (
	auditWriteTimeout = 5 * time.Second
	hookTimeout       = 5 * time.Second
)

// auditMiddleware records mutating requests (POST, PUT, DELETE) in the
// audit_logs table after the handler completes. Applied per-route to the
// account and document mutation endpoints; answer-producing endpoints are
// covered by search events instead.
func (s *Server) auditMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodDelete:
		default:
			return
		}

		entry := model.AuditEntry{
			RequestID: ctxutil.RequestIDFromContext(r.Context()),
			UserID:    ctxutil.UserIDFromContext(r.Context()),
			Method:    r.Method,
			Path:      r.URL.Path,
			Status:    sw.status,
			RemoteIP:  clientIP(r, s.cfg.TrustProxy),
			UserAgent: r.UserAgent(),
		}
		s.h.recordAuditBestEffort(entry)
	})
}

// recordAuditBestEffort writes an audit row outside the request context so a
// slow insert never delays the response. Three attempts with a short
// backoff; after that the row is logged and dropped.
func (h *Handlers) recordAuditBestEffort(entry model.AuditEntry) {
	if h.db == nil {
		return
	}
	go func() {
		writeCtx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
		defer cancel()

		var lastErr error
		for attempt := 1; attempt <= 3; attempt++ {
			if err := h.db.InsertAuditEntry(writeCtx, entry); err == nil {
				return
			} else {
				lastErr = err
			}
			select {
			case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
			case <-writeCtx.Done():
				h.logger.Error("audit write context expired", "error", lastErr, "path", entry.Path)
				return
			}
		}
		h.logger.Error("audit write failed after retries", "error", lastErr, "path", entry.Path)
	}()
}

// recordSecurityEvent writes a security log row best-effort on a detached
// context. Security events are observability, not control flow; a failed
// insert is logged and forgotten.
func (h *Handlers) recordSecurityEvent(ev model.SecurityEvent) {
	if h.db == nil {
		return
	}
	go func() {
		writeCtx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
		defer cancel()
		if err := h.db.InsertSecurityEvent(writeCtx, ev); err != nil {
			h.logger.Error("security event write failed", "error", err, "kind", string(ev.Kind))
		}
	}()
}
