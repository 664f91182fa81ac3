package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kotae/internal/model"
)

// DocumentFilter narrows document catalog listings. Zero values mean "any".
type DocumentFilter struct {
	Product        string
	Version        string
	Classification string
	PrivacyLevels  []string // allowed privacy levels; empty means unrestricted
	Search         string   // substring match on filename and title
}

// ListDocuments returns a page of the document catalog plus the total count.
func (db *DB) ListDocuments(ctx context.Context, f DocumentFilter, limit, offset int) ([]model.Document, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}

	where, args := buildDocumentWhereClause(f, 1)

	var total int
	if err := db.pool.QueryRow(ctx, "SELECT COUNT(*) FROM documents"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count documents: %w", err)
	}

	query := fmt.Sprintf(
		`SELECT id, file_name, COALESCE(title, ''), COALESCE(product, ''),
		 COALESCE(version, ''), COALESCE(classification, ''), privacy_level,
		 file_hash, page_count, chunk_count, size_bytes, ingested_at, updated_at
		 FROM documents%s ORDER BY ingested_at DESC LIMIT %d OFFSET %d`,
		where, limit, offset,
	)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list documents: %w", err)
	}
	defer rows.Close()

	docs, err := scanDocuments(rows)
	return docs, total, err
}

// GetDocument retrieves one catalog row by ID.
func (db *DB) GetDocument(ctx context.Context, id string) (model.Document, error) {
	var d model.Document
	var privacy string
	err := db.pool.QueryRow(ctx,
		`SELECT id, file_name, COALESCE(title, ''), COALESCE(product, ''),
		 COALESCE(version, ''), COALESCE(classification, ''), privacy_level,
		 file_hash, page_count, chunk_count, size_bytes, ingested_at, updated_at
		 FROM documents WHERE id = $1`, id,
	).Scan(
		&d.ID, &d.Filename, &d.Title, &d.Product, &d.Version, &d.Classification, &privacy,
		&d.ContentHash, &d.PageCount, &d.ChunkCount, &d.SizeBytes, &d.IngestedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Document{}, ErrNotFound
		}
		return model.Document{}, fmt.Errorf("storage: get document: %w", err)
	}
	d.PrivacyLevel = model.PrivacyLevel(privacy)
	return d, nil
}

// DeleteDocument removes a catalog row. Chunks go with it via the FK cascade,
// and deleted chunk IDs land in the outbox through the trigger so any ANN
// mirror converges. Returns ErrNotFound when no row matched.
func (db *DB) DeleteDocument(ctx context.Context, id string) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetChunkSummaries returns per-chunk metadata for a document, without content
// or embeddings, ordered by ordinal.
func (db *DB) GetChunkSummaries(ctx context.Context, documentID string) ([]model.ChunkSummary, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, ordinal, page, section_title, kind, token_count
		 FROM document_chunks WHERE document_id = $1 ORDER BY ordinal`, documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get chunk summaries: %w", err)
	}
	defer rows.Close()

	var out []model.ChunkSummary
	for rows.Next() {
		var c model.ChunkSummary
		var section *string
		if err := rows.Scan(&c.ID, &c.Ordinal, &c.Page, &section, &c.Kind, &c.TokenCount); err != nil {
			return nil, fmt.Errorf("storage: scan chunk summary: %w", err)
		}
		if section != nil {
			c.SectionTitle = *section
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetDocumentText assembles the full extracted text of a document from its
// chunks in ordinal order. Binary originals are not stored; the download
// endpoint serves this reconstruction.
func (db *DB) GetDocumentText(ctx context.Context, documentID string) (string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT content FROM document_chunks WHERE document_id = $1 ORDER BY ordinal`, documentID,
	)
	if err != nil {
		return "", fmt.Errorf("storage: get document text: %w", err)
	}
	defer rows.Close()

	var b strings.Builder
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return "", fmt.Errorf("storage: scan chunk content: %w", err)
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(content)
	}
	return b.String(), rows.Err()
}

func buildDocumentWhereClause(f DocumentFilter, startArgIdx int) (string, []any) {
	var conditions []string
	var args []any
	idx := startArgIdx

	if f.Product != "" {
		conditions = append(conditions, fmt.Sprintf("product = $%d", idx))
		args = append(args, f.Product)
		idx++
	}
	if f.Version != "" {
		conditions = append(conditions, fmt.Sprintf("version = $%d", idx))
		args = append(args, f.Version)
		idx++
	}
	if f.Classification != "" {
		conditions = append(conditions, fmt.Sprintf("classification = $%d", idx))
		args = append(args, f.Classification)
		idx++
	}
	if len(f.PrivacyLevels) > 0 {
		conditions = append(conditions, fmt.Sprintf("privacy_level = ANY($%d)", idx))
		args = append(args, f.PrivacyLevels)
		idx++
	}
	if f.Search != "" {
		conditions = append(conditions, fmt.Sprintf("(file_name ILIKE $%d OR title ILIKE $%d)", idx, idx))
		args = append(args, "%"+f.Search+"%")
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func scanDocuments(rows pgx.Rows) ([]model.Document, error) {
	var docs []model.Document
	for rows.Next() {
		var d model.Document
		var privacy string
		if err := rows.Scan(
			&d.ID, &d.Filename, &d.Title, &d.Product, &d.Version, &d.Classification, &privacy,
			&d.ContentHash, &d.PageCount, &d.ChunkCount, &d.SizeBytes, &d.IngestedAt, &d.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan document: %w", err)
		}
		d.PrivacyLevel = model.PrivacyLevel(privacy)
		docs = append(docs, d)
	}
	return docs, rows.Err()
}
