package kotae

import (
	"time"

	"github.com/google/uuid"
)

// QueryCategory is the classifier's label for a query.
type QueryCategory string

const (
	CategoryTechnical     QueryCategory = "technical"
	CategoryCode          QueryCategory = "code"
	CategoryMath          QueryCategory = "math"
	CategoryCreative      QueryCategory = "creative"
	CategoryFactual       QueryCategory = "factual"
	CategoryChat          QueryCategory = "chat"
	CategoryCurrentEvents QueryCategory = "current_events"
	CategoryComparison    QueryCategory = "comparison"
)

// Strategy is the retrieval strategy the classifier suggests for a query.
type Strategy string

const (
	StrategyRAGFirst Strategy = "rag_first"
	StrategyWebFirst Strategy = "web_first"
	StrategyBalanced Strategy = "balanced"
)

// SearchMethod names how an answer's context was assembled.
type SearchMethod string

const (
	MethodRAG        SearchMethod = "rag"
	MethodHybrid     SearchMethod = "hybrid"
	MethodWeb        SearchMethod = "web"
	MethodFusion     SearchMethod = "fusion"
	MethodCorrection SearchMethod = "correction"
	MethodDirect     SearchMethod = "direct"
)

// PrivacyLevel is a document's visibility scope.
type PrivacyLevel string

const (
	PrivacyPublic  PrivacyLevel = "public"
	PrivacyPrivate PrivacyLevel = "private"
)

// UserProfile is the public projection of a user account.
type UserProfile struct {
	ID                     string     `json:"id"`
	Email                  string     `json:"email"`
	FirstName              string     `json:"first_name,omitempty"`
	LastName               string     `json:"last_name,omitempty"`
	Roles                  []string   `json:"roles"`
	Permissions            []string   `json:"permissions,omitempty"`
	EmailVerified          bool       `json:"email_verified"`
	PasswordChangeRequired bool       `json:"password_change_required"`
	LastLoginAt            *time.Time `json:"last_login_at,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
}

// Classification is the classifier's full verdict on a query.
type Classification struct {
	Category            QueryCategory `json:"category"`
	Confidence          float64       `json:"confidence"`
	Strategy            Strategy      `json:"suggested_strategy"`
	ConfidenceThreshold float64       `json:"confidence_threshold"`
	Complexity          string        `json:"complexity"`
	ChunkTarget         int           `json:"chunk_target"`
	PreferWeb           bool          `json:"prefer_web"`
	MatchedSignals      []string      `json:"matched_signals,omitempty"`
}

// ChatRequest is the input for the search and streaming chat methods.
// Optional fields left nil take the server's per-category defaults.
type ChatRequest struct {
	Query               string   `json:"query"`
	MaxContextChunks    *int     `json:"max_context_chunks,omitempty"`
	EnableWebSearch     *bool    `json:"enable_web_search,omitempty"`
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty"`
}

// ContextItem is one fused context entry in a search response.
type ContextItem struct {
	Label      string  `json:"label"`
	Source     string  `json:"source"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
	Page       *int    `json:"page,omitempty"`
	Section    string  `json:"section,omitempty"`
	IsWeb      bool    `json:"is_web"`
	URL        string  `json:"url,omitempty"`
	DocumentID string  `json:"document_id,omitempty"`
}

// SearchResponse is the answer from the non-streaming search endpoints.
type SearchResponse struct {
	Answer           string         `json:"answer"`
	SearchMethod     SearchMethod   `json:"search_method"`
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

// RouteResponse is the backend-selection verdict for a query.
type RouteResponse struct {
	SelectedBackend string         `json:"selected_backend"`
	SelectedURL     string         `json:"selected_url"`
	SelectedModel   string         `json:"selected_model"`
	Specialization  string         `json:"specialization"`
	Classification  Classification `json:"classification"`
}

// Document mirrors the server's catalog entry for API consumers.
type Document struct {
	ID             string       `json:"id"`
	Filename       string       `json:"filename"`
	Title          string       `json:"title,omitempty"`
	Product        string       `json:"product,omitempty"`
	Version        string       `json:"version,omitempty"`
	Classification string       `json:"classification,omitempty"`
	PrivacyLevel   PrivacyLevel `json:"privacy_level"`
	ContentHash    string       `json:"content_hash,omitempty"`
	PageCount      int          `json:"page_count,omitempty"`
	ChunkCount     int          `json:"chunk_count,omitempty"`
	SizeBytes      int64        `json:"size_bytes,omitempty"`
	IngestedAt     time.Time    `json:"ingested_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
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

// DocumentList is one page of the document catalog.
type DocumentList struct {
	Documents []Document `json:"documents"`
	Total     int        `json:"total"`
	Page      int        `json:"page"`
	PageSize  int        `json:"page_size"`
}

// DocumentDetail is a document with its chunk summaries.
type DocumentDetail struct {
	Document   Document       `json:"document"`
	ChunkCount int            `json:"chunk_count"`
	Chunks     []ChunkSummary `json:"chunks"`
}

// DocumentListOptions are optional filters for ListDocuments.
type DocumentListOptions struct {
	Page           int
	PageSize       int
	Product        string
	Version        string
	Classification string
	PrivacyLevel   PrivacyLevel
	Search         string
}

// SearchEvent is one recorded search from the analytics trail.
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

// AnalyticsSummary aggregates search activity over a time window.
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

// SecurityEvent is one row of the authentication security log (admin only).
type SecurityEvent struct {
	ID        uuid.UUID `json:"id"`
	Kind      string    `json:"kind"`
	Email     string    `json:"email,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	RemoteIP  string    `json:"remote_ip,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// BackendStatus is the health snapshot of one model backend instance.
type BackendStatus struct {
	Name           string    `json:"name"`
	URL            string    `json:"url"`
	Specialization string    `json:"specialization"`
	Healthy        bool      `json:"healthy"`
	InFlight       int       `json:"in_flight"`
	LastRTTMillis  int64     `json:"last_rtt_ms"`
	LastProbeAt    time.Time `json:"last_probe_at"`
}

// BackendHealth is the pool-level health of the model backends.
type BackendHealth struct {
	Status           string          `json:"status"`
	HealthyInstances int             `json:"healthy_instances"`
	TotalInstances   int             `json:"total_instances"`
	Instances        []BackendStatus `json:"instances"`
}

// Health is the server's liveness snapshot.
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  int64  `json:"uptime_seconds"`
}

// Stream frame type discriminators for StreamChat.
const (
	FrameSources = "sources"
	FrameToken   = "token"
	FrameDone    = "done"
	FrameError   = "error"
)

// StreamFrame is one decoded SSE frame from the streaming chat endpoint.
// Type selects which of the remaining fields are populated.
type StreamFrame struct {
	Type string `json:"type"`

	// FrameSources fields.
	Sources    []string `json:"sources,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
	Method     string   `json:"method,omitempty"`

	// FrameToken field.
	Token string `json:"token,omitempty"`

	// FrameDone field.
	MessageID string `json:"messageId,omitempty"`

	// FrameError fields.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// --- Wire envelopes ---
//
// Every response carries a "success" flag alongside its payload; the SDK
// surfaces failures as *Error instead, so these stay private.

type meResponse struct {
	User UserProfile `json:"user"`
}

type classifyResponse struct {
	Classification Classification `json:"classification"`
}

type documentListResponse struct {
	Documents []Document `json:"documents"`
	Total     int        `json:"total"`
	Page      int        `json:"page"`
	PageSize  int        `json:"page_size"`
}

type documentDetailResponse struct {
	Document   Document       `json:"document"`
	ChunkCount int            `json:"chunk_count"`
	Chunks     []ChunkSummary `json:"chunks"`
}

type analyticsSummaryResponse struct {
	Summary AnalyticsSummary `json:"summary"`
}

type recentEventsResponse struct {
	Events []SearchEvent `json:"events"`
	Count  int           `json:"count"`
}

type securityEventsResponse struct {
	Events []SecurityEvent `json:"events"`
	Count  int             `json:"count"`
}
