package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kotae/internal/model"
)

// MatchAcronyms returns glossary entries whose acronym appears as a token in
// the query, highest confidence first.
func (db *DB) MatchAcronyms(ctx context.Context, queryTokens []string, limit int) ([]model.Acronym, error) {
	if len(queryTokens) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 3
	}
	upper := make([]string, 0, len(queryTokens))
	for _, t := range queryTokens {
		upper = append(upper, strings.ToUpper(t))
	}

	rows, err := db.pool.Query(ctx,
		`SELECT acronym, definition, sources, confidence, verified
		 FROM acronyms WHERE UPPER(acronym) = ANY($1)
		 ORDER BY confidence DESC, acronym
		 LIMIT $2`, upper, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: match acronyms: %w", err)
	}
	defer rows.Close()

	var out []model.Acronym
	for rows.Next() {
		var a model.Acronym
		if err := rows.Scan(&a.Acronym, &a.Definition, &a.Sources, &a.Confidence, &a.Verified); err != nil {
			return nil, fmt.Errorf("storage: scan acronym: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MatchSynonyms returns synonym rows whose term appears in the query tokens,
// highest confidence first.
func (db *DB) MatchSynonyms(ctx context.Context, queryTokens []string, limit int) ([]model.Synonym, error) {
	if len(queryTokens) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}
	lower := make([]string, 0, len(queryTokens))
	for _, t := range queryTokens {
		lower = append(lower, strings.ToLower(t))
	}

	rows, err := db.pool.Query(ctx,
		`SELECT term, synonym, kind, confidence
		 FROM synonyms WHERE LOWER(term) = ANY($1)
		 ORDER BY confidence DESC, term, synonym
		 LIMIT $2`, lower, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: match synonyms: %w", err)
	}
	defer rows.Close()

	var out []model.Synonym
	for rows.Next() {
		var s model.Synonym
		var kind *string
		if err := rows.Scan(&s.Term, &s.Synonym, &kind, &s.Confidence); err != nil {
			return nil, fmt.Errorf("storage: scan synonym: %w", err)
		}
		if kind != nil {
			s.Kind = *kind
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpsertAcronym merges on the acronym: definition is replaced, sources are
// unioned, and confidence keeps the maximum.
func (db *DB) UpsertAcronym(ctx context.Context, a model.Acronym) error {
	if a.Sources == nil {
		a.Sources = []string{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO acronyms (acronym, definition, sources, confidence, verified)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (acronym) DO UPDATE SET
		   definition = EXCLUDED.definition,
		   sources = (SELECT ARRAY(SELECT DISTINCT unnest(acronyms.sources || EXCLUDED.sources))),
		   confidence = GREATEST(acronyms.confidence, EXCLUDED.confidence),
		   verified = acronyms.verified OR EXCLUDED.verified`,
		a.Acronym, a.Definition, a.Sources, a.Confidence, a.Verified,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert acronym: %w", err)
	}
	return nil
}

// UpsertSynonym merges on (term, synonym, kind), keeping the higher confidence.
func (db *DB) UpsertSynonym(ctx context.Context, s model.Synonym) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO synonyms (term, synonym, kind, confidence)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (term, synonym, kind) DO UPDATE SET
		   confidence = GREATEST(synonyms.confidence, EXCLUDED.confidence)`,
		s.Term, s.Synonym, s.Kind, s.Confidence,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert synonym: %w", err)
	}
	return nil
}

// FindCorrection looks up an operator-curated answer by query fingerprint.
func (db *DB) FindCorrection(ctx context.Context, fingerprint string) (model.Correction, error) {
	var c model.Correction
	var createdBy *string
	err := db.pool.QueryRow(ctx,
		`SELECT id, question_fingerprint, corrected_answer, created_by, created_at
		 FROM corrections WHERE question_fingerprint = $1`, fingerprint,
	).Scan(&c.ID, &c.QuestionFingerprint, &c.Answer, &createdBy, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Correction{}, ErrNotFound
		}
		return model.Correction{}, fmt.Errorf("storage: find correction: %w", err)
	}
	if createdBy != nil {
		c.CreatedBy = *createdBy
	}
	return c, nil
}

// UpsertCorrection stores a curated answer keyed by query fingerprint.
func (db *DB) UpsertCorrection(ctx context.Context, fingerprint, answer, createdBy string) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO corrections (question_fingerprint, corrected_answer, created_by, created_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (question_fingerprint) DO UPDATE SET
		   corrected_answer = EXCLUDED.corrected_answer,
		   created_by = EXCLUDED.created_by,
		   created_at = now()`,
		fingerprint, answer, nullIfEmpty(createdBy),
	)
	if err != nil {
		return fmt.Errorf("storage: upsert correction: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
