package kotae

import (
	"time"

	"github.com/google/uuid"
)

// SearchHit is one result from a Searcher: a chunk ID and its raw similarity
// score. Scores are cosine similarities in [0,1], higher meaning closer.
type SearchHit struct {
	ChunkID uuid.UUID
	Score   float32
}

// WebResult is one live result returned by a WebFetcher. Relevance is the
// fetcher's own ranking signal in [0,1]; the retriever blends it with recency
// and position before fusing.
type WebResult struct {
	Title     string
	URL       string
	Snippet   string
	Source    string
	Relevance float64
}

// SearchEvent is the public record of one answered search or chat request.
// It is a curated view of the internal analytics event for use in extension
// interfaces. No internal package imports; safe to use from outside the module.
type SearchEvent struct {
	ID        uuid.UUID
	RequestID string
	UserID    string
	Query     string
	// Category is the classifier verdict: technical, code, math, creative,
	// factual, chat, current_events, or comparison.
	Category string
	// Strategy is the routing decision: rag_first, web_first, or balanced.
	Strategy string
	// Method names the endpoint that produced the event.
	Method          string
	Model           string
	Backend         string
	RAGConfidence   float64
	FinalConfidence float64
	ChunkCount      int
	WebCount        int
	FusedCount      int
	TokensOut       int
	TokensPerSec    float64
	LatencyMS       int64
	Streamed        bool
	ErrorCode       string
	CreatedAt       time.Time
}
