package model

import (
	"time"

	"github.com/google/uuid"
)

// SearchMethod records which pipeline produced an answer.
type SearchMethod string

const (
	MethodRAG        SearchMethod = "rag"
	MethodHybrid     SearchMethod = "hybrid"
	MethodWeb        SearchMethod = "web"
	MethodFusion     SearchMethod = "fusion"
	MethodCorrection SearchMethod = "correction"
	MethodDirect     SearchMethod = "direct"
)

// SearchEvent is one analytics record, emitted once per answered query.
// Events are fire-and-forget: they go through the in-memory buffer and may be
// dropped under pressure, never blocking the request path.
type SearchEvent struct {
	ID              uuid.UUID     `json:"id"`
	RequestID       string        `json:"request_id"`
	UserID          string        `json:"user_id,omitempty"`
	Query           string        `json:"query"`
	Category        QueryCategory `json:"category"`
	Strategy        Strategy      `json:"strategy"`
	Method          SearchMethod  `json:"method"`
	Model           string        `json:"model,omitempty"`
	Backend         string        `json:"backend,omitempty"`
	RAGConfidence   float64       `json:"rag_confidence"`
	FinalConfidence float64       `json:"final_confidence"`
	ChunkCount      int           `json:"chunk_count"`
	WebCount        int           `json:"web_count"`
	FusedCount      int           `json:"fused_count"`
	TokensOut       int           `json:"tokens_out"`
	TokensPerSec    float64       `json:"tokens_per_sec,omitempty"`
	LatencyMS       int64         `json:"latency_ms"`
	Streamed        bool          `json:"streamed"`
	ErrorCode       string        `json:"error_code,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// MethodBucket is one row of the analytics summary grouped by search method.
type MethodBucket struct {
	Method        SearchMethod `json:"method"`
	Count         int64        `json:"count"`
	AvgConfidence float64      `json:"avg_confidence"`
	AvgLatencyMS  float64      `json:"avg_latency_ms"`
}

// CategoryBucket is one row of the analytics summary grouped by category.
type CategoryBucket struct {
	Category      QueryCategory `json:"category"`
	Count         int64         `json:"count"`
	AvgConfidence float64       `json:"avg_confidence"`
	AvgLatencyMS  float64       `json:"avg_latency_ms"`
}

// AnalyticsSummary aggregates search events over a window.
type AnalyticsSummary struct {
	TotalSearches   int64            `json:"total_searches"`
	AvgConfidence   float64          `json:"avg_confidence"`
	AvgLatencyMS    float64          `json:"avg_latency_ms"`
	ByMethod        []MethodBucket   `json:"by_method"`
	ByCategory      []CategoryBucket `json:"by_category"`
	WindowStart     time.Time        `json:"window_start"`
	WindowEnd       time.Time        `json:"window_end"`
	EventsDropped   int64            `json:"events_dropped"`
	BufferDepth     int              `json:"buffer_depth"`
	WebCacheHitRate float64          `json:"web_cache_hit_rate"`
}

// AnalyticsSummaryResponse is the response for GET /api/analytics/summary.
type AnalyticsSummaryResponse struct {
	Success bool             `json:"success"`
	Summary AnalyticsSummary `json:"summary"`
}

// RecentEventsResponse is the response for GET /api/analytics/recent.
type RecentEventsResponse struct {
	Success bool          `json:"success"`
	Events  []SearchEvent `json:"events"`
	Count   int           `json:"count"`
}

// AuditEntry is one row of the request audit trail for mutating endpoints.
type AuditEntry struct {
	ID        uuid.UUID `json:"id"`
	RequestID string    `json:"request_id"`
	UserID    string    `json:"user_id,omitempty"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Status    int       `json:"status"`
	RemoteIP  string    `json:"remote_ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SecurityEventKind is the category of a recorded security event.
type SecurityEventKind string

const (
	SecurityLoginFailed     SecurityEventKind = "login_failed"
	SecurityLoginSucceeded  SecurityEventKind = "login_succeeded"
	SecurityAccountLocked   SecurityEventKind = "account_locked"
	SecurityPasswordChanged SecurityEventKind = "password_changed"
	SecurityPasswordReset   SecurityEventKind = "password_reset"
	SecurityTokenRejected   SecurityEventKind = "token_rejected"
	SecurityRateLimited     SecurityEventKind = "rate_limited"
	SecurityPermissionDeny  SecurityEventKind = "permission_denied"
)

// SecurityEvent is one row of the security log. Email is stored even for
// unknown accounts so lockout probing is visible to operators.
type SecurityEvent struct {
	ID        uuid.UUID         `json:"id"`
	Kind      SecurityEventKind `json:"kind"`
	Email     string            `json:"email,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	RemoteIP  string            `json:"remote_ip,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Detail    string            `json:"detail,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// SecurityEventsResponse is the response for GET /api/analytics/security.
type SecurityEventsResponse struct {
	Success bool            `json:"success"`
	Events  []SecurityEvent `json:"events"`
	Count   int             `json:"count"`
}
