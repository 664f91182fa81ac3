// Package search provides an optional external ANN index for chunk
// embeddings, replicated from Postgres via a transactional outbox.
//
// Postgres remains the source of truth: the index returns chunk IDs and raw
// similarity scores, and the caller hydrates content from Postgres. When no
// index is configured (or it is unhealthy) retrieval falls back to pgvector.
package search

import (
	"context"

	"github.com/google/uuid"
)

// Result holds a chunk ID and its raw similarity score from the search index.
type Result struct {
	ChunkID uuid.UUID
	Score   float32
}

// Searcher is the interface for vector search indexes.
// Implementations must be safe for concurrent use.
type Searcher interface {
	// Search returns chunk IDs matching the query vector, restricted to the
	// given privacy levels. Returns IDs + raw similarity scores; the caller
	// hydrates from Postgres.
	Search(ctx context.Context, embedding []float32, privacyLevels []string, limit int) ([]Result, error)

	// Healthy returns nil if the search index is reachable, or an error
	// describing the problem.
	Healthy(ctx context.Context) error
}
