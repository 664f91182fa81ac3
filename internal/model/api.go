package model

import (
	"fmt"
	"strings"
	"time"
)

// Field length limits for caller-supplied text. These bound the embedding
// pipeline input and keep Postgres TEXT columns free of oversized garbage.
const (
	MaxQueryLen    = 8 * 1024
	MaxEmailLen    = 254
	MaxPasswordLen = 256
	MaxNameLen     = 120
)

// APIError is the error envelope returned by every non-streaming endpoint.
type APIError struct {
	Success   bool   `json:"success"` // always false
	Message   string `json:"message"`
	ErrorCode string `json:"error_code"`
	Details   any    `json:"details,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// StatusResponse is the envelope for mutation endpoints that return no data.
type StatusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Error codes for the error envelope.
const (
	ErrCodeBadRequest             = "BAD_REQUEST"
	ErrCodeUnauthorized           = "UNAUTHORIZED"
	ErrCodeForbidden              = "FORBIDDEN"
	ErrCodePasswordChangeRequired = "PASSWORD_CHANGE_REQUIRED"
	ErrCodeAccountLocked          = "ACCOUNT_LOCKED"
	ErrCodeAccountDisabled        = "ACCOUNT_DISABLED"
	ErrCodeInvalidCredentials     = "invalid_credentials"
	ErrCodeNotFound               = "NOT_FOUND"
	ErrCodeValidation             = "VALIDATION_ERROR"
	ErrCodeRateLimited            = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal               = "INTERNAL_ERROR"
	ErrCodeBackendUnavailable     = "BackendUnavailable"
)

// LoginRequest is the request body for POST /api/auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is the response for POST /api/auth/login.
type LoginResponse struct {
	Success      bool        `json:"success"`
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	TokenType    string      `json:"token_type"` // "bearer"
	ExpiresIn    int         `json:"expires_in"` // seconds until access token expiry
	User         UserProfile `json:"user"`
}

// RefreshRequest is the request body for POST /api/auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// MeResponse is the response for GET /api/auth/me.
type MeResponse struct {
	Success bool        `json:"success"`
	User    UserProfile `json:"user"`
}

// RefreshResponse is the response for POST /api/auth/refresh.
type RefreshResponse struct {
	Success     bool   `json:"success"`
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// RegisterRequest is the request body for POST /api/auth/register.
type RegisterRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// ChangePasswordRequest is the request body for POST /api/auth/change-password.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// ForceChangePasswordRequest is the request body for POST /api/auth/force-change-password.
// No current password: the account is flagged password_change_required and the
// caller already proved possession of the temporary credential at login.
type ForceChangePasswordRequest struct {
	NewPassword string `json:"new_password"`
}

// ForgotPasswordRequest is the request body for POST /api/auth/forgot-password.
type ForgotPasswordRequest struct {
	Email string `json:"email"`
}

// ResetPasswordRequest is the request body for POST /api/auth/reset-password.
type ResetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

// VerifyEmailRequest is the request body for POST /api/auth/verify-email.
type VerifyEmailRequest struct {
	Token string `json:"token"`
}

// ChatRequest is the request body for POST /api/rag-chat (streaming) and the
// three hybrid-search variants.
type ChatRequest struct {
	Query               string   `json:"query"`
	MaxContextChunks    *int     `json:"max_context_chunks,omitempty"`
	EnableWebSearch     *bool    `json:"enable_web_search,omitempty"`
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty"`
}

// Validate checks the request against field limits and ranges.
func (r ChatRequest) Validate() error {
	if strings.TrimSpace(r.Query) == "" {
		return fmt.Errorf("query is required")
	}
	if len(r.Query) > MaxQueryLen {
		return fmt.Errorf("query exceeds maximum length of %d bytes", MaxQueryLen)
	}
	if r.MaxContextChunks != nil && (*r.MaxContextChunks < 0 || *r.MaxContextChunks > 50) {
		return fmt.Errorf("max_context_chunks must be between 0 and 50")
	}
	if r.ConfidenceThreshold != nil && (*r.ConfidenceThreshold < 0 || *r.ConfidenceThreshold > 1) {
		return fmt.Errorf("confidence_threshold must be between 0 and 1")
	}
	return nil
}

// ContextItem is one fused context entry in a search response.
type ContextItem struct {
	Label      string  `json:"label"` // "[DOC 1]", "[WEB 2]"
	Source     string  `json:"source"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
	Page       *int    `json:"page,omitempty"`
	Section    string  `json:"section,omitempty"`
	IsWeb      bool    `json:"is_web"`
	URL        string  `json:"url,omitempty"`
	DocumentID string  `json:"document_id,omitempty"`
}

// SearchResponse is the response for the non-streaming search endpoints.
type SearchResponse struct {
	Success          bool           `json:"success"`
	Answer           string         `json:"answer"`
	SearchMethod     string         `json:"search_method"`
	ConfidenceScore  float64        `json:"confidence_score"`
	RAGConfidence    float64        `json:"rag_confidence"`
	ContextUsed      []ContextItem  `json:"context_used"`
	ContextRetrieved bool           `json:"context_retrieved"`
	Classification   Classification `json:"classification"`
	Model            string         `json:"model"`
	Backend          string         `json:"backend"`
	LatencyMS        int64          `json:"latency_ms"`
	MessageID        string         `json:"message_id"`
}

// ClassifyResponse is the response for POST /api/classify-query.
type ClassifyResponse struct {
	Success        bool           `json:"success"`
	Classification Classification `json:"classification"`
}

// RouteResponse is the response for POST /api/intelligent-route.
type RouteResponse struct {
	Success         bool           `json:"success"`
	SelectedBackend string         `json:"selected_backend"`
	SelectedURL     string         `json:"selected_url"`
	SelectedModel   string         `json:"selected_model"`
	Specialization  string         `json:"specialization"`
	Classification  Classification `json:"classification"`
}

// SSE frame type discriminators.
const (
	FrameSources = "sources"
	FrameToken   = "token"
	FrameDone    = "done"
	FrameError   = "error"
)

// SourcesFrame is the first frame of a streaming chat response.
type SourcesFrame struct {
	Type       string   `json:"type"` // "sources"
	Sources    []string `json:"sources"`
	Confidence float64  `json:"confidence"`
	Method     string   `json:"method"`
}

// TokenFrame carries one generated token.
type TokenFrame struct {
	Type  string `json:"type"` // "token"
	Token string `json:"token"`
}

// DoneFrame terminates a successful stream.
type DoneFrame struct {
	Type      string `json:"type"` // "done"
	MessageID string `json:"messageId"`
}

// ErrorFrame terminates a failed stream.
type ErrorFrame struct {
	Type    string `json:"type"` // "error"
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BackendStatus is the health snapshot of one backend instance.
type BackendStatus struct {
	Name           string    `json:"name"`
	URL            string    `json:"url"`
	Specialization string    `json:"specialization"`
	Healthy        bool      `json:"healthy"`
	InFlight       int       `json:"in_flight"`
	LastRTTMillis  int64     `json:"last_rtt_ms"`
	LastProbeAt    time.Time `json:"last_probe_at"`
}

// BackendHealthResponse is the response for GET /api/ollama-health.
type BackendHealthResponse struct {
	Status           string          `json:"status"` // "healthy", "degraded", "unhealthy"
	HealthyInstances int             `json:"healthy_instances"`
	TotalInstances   int             `json:"total_instances"`
	Instances        []BackendStatus `json:"instances"`
}

// DocumentListRequest is the request body for POST /api/documents/list.
// GET /api/documents accepts the same fields as query parameters.
type DocumentListRequest struct {
	Page           int    `json:"page"`
	PageSize       int    `json:"page_size"`
	Product        string `json:"product,omitempty"`
	Version        string `json:"version,omitempty"`
	Classification string `json:"classification,omitempty"`
	PrivacyLevel   string `json:"privacy_level,omitempty"`
	Search         string `json:"search,omitempty"`
}

// DocumentListResponse is a page of documents.
type DocumentListResponse struct {
	Success   bool       `json:"success"`
	Documents []Document `json:"documents"`
	Total     int        `json:"total"`
	Page      int        `json:"page"`
	PageSize  int        `json:"page_size"`
}

// ChunkSummary is the per-chunk metadata returned with document detail.
type ChunkSummary struct {
	ID           string `json:"id"`
	Ordinal      int    `json:"ordinal"`
	Page         *int   `json:"page,omitempty"`
	SectionTitle string `json:"section_title,omitempty"`
	Kind         string `json:"kind"`
	TokenCount   int    `json:"token_count"`
}

// DocumentDetailResponse is the response for GET /api/documents/{id}.
type DocumentDetailResponse struct {
	Success    bool           `json:"success"`
	Document   Document       `json:"document"`
	ChunkCount int            `json:"chunk_count"`
	Chunks     []ChunkSummary `json:"chunks"`
}

// HealthResponse is the response for GET /health and GET /api/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  int64  `json:"uptime_seconds"`
}

// HealthDetailsResponse is the authenticated extended health response.
type HealthDetailsResponse struct {
	Status          string                `json:"status"` // "healthy", "degraded", "unhealthy"
	Version         string                `json:"version"`
	Postgres        string                `json:"postgres"`
	Backends        BackendHealthResponse `json:"backends"`
	BufferDepth     int                   `json:"buffer_depth"`
	BufferStatus    string                `json:"buffer_status"` // "ok", "high", "critical"
	EventsDropped   int64                 `json:"events_dropped"`
	WebCacheEnabled bool                  `json:"web_cache_enabled"`
	Uptime          int64                 `json:"uptime_seconds"`
}
