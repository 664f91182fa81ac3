package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kotae/internal/model"
)

const candidateColumns = `c.id, c.document_id, c.ordinal, c.content, c.kind, c.page,
	 c.section_title, c.token_count, c.created_at, d.file_name, d.product, d.version`

// expandPrivacy widens an empty scope to every level. Unrestricted callers
// pass nil, and ANY(NULL) would match nothing.
func expandPrivacy(levels []string) []string {
	if len(levels) > 0 {
		return levels
	}
	return []string{string(model.PrivacyPublic), string(model.PrivacyPrivate)}
}

// SearchCandidates runs the vector and keyword retrieval legs in parallel over
// the same candidate pool size and merges them by chunk ID. Scores are raw:
// cosine similarity for the vector leg, ts_rank for the keyword leg. The
// caller normalizes and blends them.
func (db *DB) SearchCandidates(ctx context.Context, embedding pgvector.Vector, keywordQuery string, pool int, privacyLevels []string) ([]model.RetrievedChunk, error) {
	if pool <= 0 {
		pool = 30
	}
	privacyLevels = expandPrivacy(privacyLevels)

	var vectorHits, keywordHits []model.RetrievedChunk
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		vectorHits, err = db.vectorSearch(gctx, embedding, pool, privacyLevels)
		return err
	})
	g.Go(func() error {
		var err error
		keywordHits, err = db.keywordSearch(gctx, keywordQuery, pool, privacyLevels)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Merge on chunk ID. A chunk found by only one leg keeps a zero score on
	// the other, which min-max normalization then treats as the floor.
	merged := make(map[string]*model.RetrievedChunk, len(vectorHits)+len(keywordHits))
	order := make([]string, 0, len(vectorHits)+len(keywordHits))
	for i := range vectorHits {
		h := vectorHits[i]
		merged[h.ID] = &h
		order = append(order, h.ID)
	}
	for i := range keywordHits {
		h := keywordHits[i]
		if existing, ok := merged[h.ID]; ok {
			existing.KeywordScore = h.KeywordScore
			continue
		}
		merged[h.ID] = &h
		order = append(order, h.ID)
	}

	out := make([]model.RetrievedChunk, 0, len(order))
	for _, id := range order {
		out = append(out, *merged[id])
	}
	return out, nil
}

// KeywordCandidates runs only the lexical leg. The retriever calls this when
// the vector leg is served by the external index instead of pgvector.
func (db *DB) KeywordCandidates(ctx context.Context, query string, pool int, privacyLevels []string) ([]model.RetrievedChunk, error) {
	if pool <= 0 {
		pool = 30
	}
	return db.keywordSearch(ctx, query, pool, expandPrivacy(privacyLevels))
}

func (db *DB) vectorSearch(ctx context.Context, embedding pgvector.Vector, limit int, privacyLevels []string) ([]model.RetrievedChunk, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+candidateColumns+`,
		 1 - (c.embedding <=> $1) AS vector_score
		 FROM document_chunks c
		 JOIN documents d ON d.id = c.document_id
		 WHERE c.embedding IS NOT NULL AND c.privacy_level = ANY($2)
		 ORDER BY c.embedding <=> $1
		 LIMIT $3`,
		embedding, privacyLevels, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: vector search: %w", err)
	}
	defer rows.Close()
	return scanCandidates(rows, true)
}

func (db *DB) keywordSearch(ctx context.Context, query string, limit int, privacyLevels []string) ([]model.RetrievedChunk, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+candidateColumns+`,
		 ts_rank(to_tsvector('english', c.content), plainto_tsquery('english', $1)) AS keyword_score
		 FROM document_chunks c
		 JOIN documents d ON d.id = c.document_id
		 WHERE to_tsvector('english', c.content) @@ plainto_tsquery('english', $1)
		   AND c.privacy_level = ANY($2)
		 ORDER BY keyword_score DESC
		 LIMIT $3`,
		query, privacyLevels, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: keyword search: %w", err)
	}
	defer rows.Close()
	return scanCandidates(rows, false)
}

func scanCandidates(rows pgx.Rows, vectorLeg bool) ([]model.RetrievedChunk, error) {
	var out []model.RetrievedChunk
	for rows.Next() {
		var c model.RetrievedChunk
		var kind string
		var section, product, version *string
		var score float64
		if err := rows.Scan(
			&c.ID, &c.DocumentID, &c.Ordinal, &c.Content, &kind, &c.Page,
			&section, &c.TokenCount, &c.CreatedAt, &c.Filename, &product, &version,
			&score,
		); err != nil {
			return nil, fmt.Errorf("storage: scan candidate: %w", err)
		}
		c.Kind = model.ChunkKind(kind)
		if section != nil {
			c.SectionTitle = *section
		}
		if product != nil {
			c.Product = *product
		}
		if version != nil {
			c.DocVersion = *version
		}
		if vectorLeg {
			c.VectorScore = score
		} else {
			c.KeywordScore = score
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ChunksByIDs hydrates chunk rows for hits coming from the external vector
// index. Privacy filtering already happened in the index, but the levels are
// applied again here so a stale index entry can never leak a restricted
// chunk. The returned order is driver order; callers re-rank by their own
// scores.
func (db *DB) ChunksByIDs(ctx context.Context, ids []string, privacyLevels []string) ([]model.RetrievedChunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+candidateColumns+`,
		 0::float8 AS vector_score
		 FROM document_chunks c
		 JOIN documents d ON d.id = c.document_id
		 WHERE c.id = ANY($1) AND c.privacy_level = ANY($2)`,
		ids, expandPrivacy(privacyLevels),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: chunks by ids: %w", err)
	}
	defer rows.Close()
	return scanCandidates(rows, true)
}

// GetChunks returns the full chunks of a document ordered by ordinal,
// including content. Embeddings stay in the database.
func (db *DB) GetChunks(ctx context.Context, documentID string) ([]model.Chunk, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, document_id, ordinal, content, kind, page, section_title, token_count, created_at
		 FROM document_chunks WHERE document_id = $1 ORDER BY ordinal`, documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get chunks: %w", err)
	}
	defer rows.Close()

	var out []model.Chunk
	for rows.Next() {
		var c model.Chunk
		var kind string
		var section *string
		if err := rows.Scan(
			&c.ID, &c.DocumentID, &c.Ordinal, &c.Content, &kind, &c.Page,
			&section, &c.TokenCount, &c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan chunk: %w", err)
		}
		c.Kind = model.ChunkKind(kind)
		if section != nil {
			c.SectionTitle = *section
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
