package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kotae/internal/model"
)

// WebCacheLookup reads a cached result set by query hash. Expired rows are
// deleted on read and reported as ErrNotFound. A hit increments hit_count.
func (db *DB) WebCacheLookup(ctx context.Context, queryHash string) ([]model.WebResult, error) {
	var resultsJSON []byte
	var expiresAt time.Time
	err := db.pool.QueryRow(ctx,
		`SELECT results_json, expires_at FROM web_search_cache WHERE query_hash = $1`,
		queryHash,
	).Scan(&resultsJSON, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: web cache lookup: %w", err)
	}

	if !expiresAt.After(time.Now().UTC()) {
		// Lazy purge. A concurrent reader may have deleted it already; both
		// outcomes are a miss.
		_, _ = db.pool.Exec(ctx, `DELETE FROM web_search_cache WHERE query_hash = $1`, queryHash)
		return nil, ErrNotFound
	}

	if _, err := db.pool.Exec(ctx,
		`UPDATE web_search_cache SET hit_count = hit_count + 1 WHERE query_hash = $1`,
		queryHash,
	); err != nil {
		db.logger.Warn("storage: web cache hit count update failed", "error", err)
	}

	var results []model.WebResult
	if err := json.Unmarshal(resultsJSON, &results); err != nil {
		return nil, fmt.Errorf("storage: decode cached web results: %w", err)
	}
	for i := range results {
		results[i].FromCache = true
	}
	return results, nil
}

// WebCacheStore upserts a result set and enforces the row cap by evicting the
// oldest rows by created_at. Failures here must never fail the request; the
// caller logs and continues.
func (db *DB) WebCacheStore(ctx context.Context, queryHash, normalizedQuery string, results []model.WebResult, ttl time.Duration, maxRows int) error {
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("storage: encode web results: %w", err)
	}
	expiresAt := time.Now().UTC().Add(ttl)

	_, err = db.pool.Exec(ctx,
		`INSERT INTO web_search_cache (query_hash, normalized_query, results_json, expires_at, hit_count, created_at)
		 VALUES ($1, $2, $3, $4, 0, now())
		 ON CONFLICT (query_hash) DO UPDATE
		 SET results_json = EXCLUDED.results_json,
		     expires_at = EXCLUDED.expires_at,
		     created_at = now()`,
		queryHash, normalizedQuery, resultsJSON, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("storage: web cache store: %w", err)
	}

	// Evict oldest-first down to the cap: keep the maxRows newest rows.
	// Concurrent stores race each other here and can deadlock on overlapping
	// victim sets, so the delete retries on transient conflicts.
	if maxRows > 0 {
		err := withConflictRetry(ctx, 2, 10*time.Millisecond, func() error {
			_, err := db.pool.Exec(ctx,
				`DELETE FROM web_search_cache WHERE query_hash IN (
				   SELECT query_hash FROM web_search_cache
				   ORDER BY created_at DESC
				   OFFSET $1
				 )`, maxRows,
			)
			return err
		})
		if err != nil {
			return fmt.Errorf("storage: web cache evict: %w", err)
		}
	}
	return nil
}

// WebCachePurgeExpired deletes every expired row and returns how many went.
func (db *DB) WebCachePurgeExpired(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM web_search_cache WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("storage: web cache purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

// WebCacheStats returns row count and cumulative hit count.
func (db *DB) WebCacheStats(ctx context.Context) (rows int64, hits int64, err error) {
	err = db.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(hit_count), 0) FROM web_search_cache`,
	).Scan(&rows, &hits)
	if err != nil {
		return 0, 0, fmt.Errorf("storage: web cache stats: %w", err)
	}
	return rows, hits, nil
}
