package kotae

import (
	"context"
	"net/http"
)

// EmbeddingProvider generates vector embeddings from text.
// When provided via WithEmbeddingProvider, replaces the pool-backed Ollama
// provider. Uses []float32 (not pgvector.Vector) to avoid forcing the pgvector
// dependency on external consumers; App.New() wraps it in an adapter for
// internal use.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Searcher is a vector search index over document chunks.
// When provided via WithSearcher, replaces the Qdrant index for retrieval.
// Returns chunk IDs + scores; the caller hydrates full chunks from Postgres,
// which is also where privacy filtering is re-checked.
type Searcher interface {
	Search(ctx context.Context, embedding []float32, privacyLevels []string, limit int) ([]SearchHit, error)
	Healthy(ctx context.Context) error
}

// WebFetcher retrieves live web results for a query.
// When provided via WithWebFetcher, replaces the DuckDuckGo client behind the
// web search cache. Implementations should treat maxResults as a hard cap.
type WebFetcher interface {
	Fetch(ctx context.Context, query string, maxResults int) ([]WebResult, error)
}

// EventHook receives async notifications after each answered search or chat
// request. Multiple hooks may be registered via multiple WithEventHook calls.
// Hook methods run in goroutines; they must not block indefinitely.
// Failures are logged but do not fail the originating request.
type EventHook interface {
	OnSearchCompleted(ctx context.Context, event SearchEvent) error
}

// RouteRegistrar registers additional routes on the shared HTTP mux.
// Extra routes share the mux, middleware chain, and OTEL instrumentation with
// the built-in routes. The function is called once during New() after all
// built-in routes are registered.
type RouteRegistrar func(mux *http.ServeMux)

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including
// /health. Use for custom logging, license checks, or cross-cutting headers.
// Multiple middlewares are applied in registration order (first-registered =
// outermost).
type Middleware func(http.Handler) http.Handler
