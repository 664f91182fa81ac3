package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/kotae/internal/model"
)

// InsertAuditEntry appends one row to the request audit trail. The table is
// append-only; there is no update or delete path.
func (db *DB) InsertAuditEntry(ctx context.Context, e model.AuditEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO audit_logs (id, request_id, user_id, method, path, status, remote_ip, user_agent, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())`,
		e.ID, e.RequestID, nullIfEmpty(e.UserID), e.Method, e.Path, e.Status,
		nullIfEmpty(e.RemoteIP), nullIfEmpty(e.UserAgent),
	)
	if err != nil {
		return fmt.Errorf("storage: insert audit entry: %w", err)
	}
	return nil
}

// InsertSecurityEvent appends one row to the security log.
func (db *DB) InsertSecurityEvent(ctx context.Context, e model.SecurityEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO security_events (id, kind, email, user_id, remote_ip, request_id, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		e.ID, string(e.Kind), nullIfEmpty(e.Email), nullIfEmpty(e.UserID),
		nullIfEmpty(e.RemoteIP), nullIfEmpty(e.RequestID), nullIfEmpty(e.Detail),
	)
	if err != nil {
		return fmt.Errorf("storage: insert security event: %w", err)
	}
	return nil
}

// ListSecurityEvents returns the newest security events, capped at 500.
func (db *DB) ListSecurityEvents(ctx context.Context, limit int) ([]model.SecurityEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, kind, COALESCE(email, ''), COALESCE(user_id, ''), COALESCE(remote_ip, ''),
		 COALESCE(request_id, ''), COALESCE(detail, ''), created_at
		 FROM security_events ORDER BY created_at DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list security events: %w", err)
	}
	defer rows.Close()

	var events []model.SecurityEvent
	for rows.Next() {
		var e model.SecurityEvent
		var kind string
		if err := rows.Scan(&e.ID, &kind, &e.Email, &e.UserID, &e.RemoteIP, &e.RequestID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan security event: %w", err)
		}
		e.Kind = model.SecurityEventKind(kind)
		events = append(events, e)
	}
	return events, rows.Err()
}
