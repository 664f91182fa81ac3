package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kotae/internal/model"
)

var searchEventColumns = []string{
	"id", "request_id", "user_id", "query", "category", "strategy", "method",
	"model", "backend", "rag_confidence", "final_confidence", "chunk_count",
	"web_count", "fused_count", "tokens_out", "tokens_per_sec", "latency_ms",
	"streamed", "error_code", "created_at",
}

// InsertSearchEvents inserts analytics events using the COPY protocol. The
// buffer flusher is the only caller; it batches so per-row latency is not a
// concern, but a hung Postgres must not wedge the flush loop, hence the
// dedicated timeout.
func (db *DB) InsertSearchEvents(ctx context.Context, events []model.SearchEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	rows := make([][]any, len(events))
	for i, e := range events {
		var userID *string
		if e.UserID != "" {
			userID = &e.UserID
		}
		var errorCode *string
		if e.ErrorCode != "" {
			errorCode = &e.ErrorCode
		}
		rows[i] = []any{
			e.ID,
			e.RequestID,
			userID,
			e.Query,
			string(e.Category),
			string(e.Strategy),
			string(e.Method),
			e.Model,
			e.Backend,
			e.RAGConfidence,
			e.FinalConfidence,
			e.ChunkCount,
			e.WebCount,
			e.FusedCount,
			e.TokensOut,
			e.TokensPerSec,
			e.LatencyMS,
			e.Streamed,
			errorCode,
			e.CreatedAt,
		}
	}

	copyCtx, copyCancel := context.WithTimeout(ctx, 30*time.Second)
	defer copyCancel()
	copyCount, err := db.pool.CopyFrom(
		copyCtx,
		pgx.Identifier{"search_events"},
		searchEventColumns,
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: copy search events: %w", err)
	}
	return copyCount, nil
}

// SummarizeSearchEvents aggregates events since the window start: totals,
// averages, and per-method and per-category buckets.
func (db *DB) SummarizeSearchEvents(ctx context.Context, since time.Time) (model.AnalyticsSummary, error) {
	s := model.AnalyticsSummary{
		WindowStart: since.UTC(),
		WindowEnd:   time.Now().UTC(),
	}

	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(AVG(final_confidence), 0), COALESCE(AVG(latency_ms), 0)
		 FROM search_events WHERE created_at >= $1`, since,
	).Scan(&s.TotalSearches, &s.AvgConfidence, &s.AvgLatencyMS)
	if err != nil {
		return model.AnalyticsSummary{}, fmt.Errorf("storage: summarize search events: %w", err)
	}

	methodRows, err := db.pool.Query(ctx,
		`SELECT method, COUNT(*), COALESCE(AVG(final_confidence), 0), COALESCE(AVG(latency_ms), 0)
		 FROM search_events WHERE created_at >= $1
		 GROUP BY method ORDER BY COUNT(*) DESC`, since,
	)
	if err != nil {
		return model.AnalyticsSummary{}, fmt.Errorf("storage: summarize by method: %w", err)
	}
	defer methodRows.Close()
	for methodRows.Next() {
		var b model.MethodBucket
		var method string
		if err := methodRows.Scan(&method, &b.Count, &b.AvgConfidence, &b.AvgLatencyMS); err != nil {
			return model.AnalyticsSummary{}, fmt.Errorf("storage: scan method bucket: %w", err)
		}
		b.Method = model.SearchMethod(method)
		s.ByMethod = append(s.ByMethod, b)
	}
	if err := methodRows.Err(); err != nil {
		return model.AnalyticsSummary{}, fmt.Errorf("storage: method buckets: %w", err)
	}

	categoryRows, err := db.pool.Query(ctx,
		`SELECT category, COUNT(*), COALESCE(AVG(final_confidence), 0), COALESCE(AVG(latency_ms), 0)
		 FROM search_events WHERE created_at >= $1
		 GROUP BY category ORDER BY COUNT(*) DESC`, since,
	)
	if err != nil {
		return model.AnalyticsSummary{}, fmt.Errorf("storage: summarize by category: %w", err)
	}
	defer categoryRows.Close()
	for categoryRows.Next() {
		var b model.CategoryBucket
		var category string
		if err := categoryRows.Scan(&category, &b.Count, &b.AvgConfidence, &b.AvgLatencyMS); err != nil {
			return model.AnalyticsSummary{}, fmt.Errorf("storage: scan category bucket: %w", err)
		}
		b.Category = model.QueryCategory(category)
		s.ByCategory = append(s.ByCategory, b)
	}
	if err := categoryRows.Err(); err != nil {
		return model.AnalyticsSummary{}, fmt.Errorf("storage: category buckets: %w", err)
	}

	return s, nil
}

// RecentSearchEvents returns the newest events, capped at 500.
func (db *DB) RecentSearchEvents(ctx context.Context, limit int) ([]model.SearchEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, request_id, COALESCE(user_id, ''), query, category, strategy, method,
		 model, backend, rag_confidence, final_confidence, chunk_count, web_count,
		 fused_count, tokens_out, tokens_per_sec, latency_ms, streamed,
		 COALESCE(error_code, ''), created_at
		 FROM search_events ORDER BY created_at DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: recent search events: %w", err)
	}
	defer rows.Close()

	var events []model.SearchEvent
	for rows.Next() {
		var e model.SearchEvent
		var category, strategy, method string
		if err := rows.Scan(
			&e.ID, &e.RequestID, &e.UserID, &e.Query, &category, &strategy, &method,
			&e.Model, &e.Backend, &e.RAGConfidence, &e.FinalConfidence, &e.ChunkCount,
			&e.WebCount, &e.FusedCount, &e.TokensOut, &e.TokensPerSec, &e.LatencyMS,
			&e.Streamed, &e.ErrorCode, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan search event: %w", err)
		}
		e.Category = model.QueryCategory(category)
		e.Strategy = model.Strategy(strategy)
		e.Method = model.SearchMethod(method)
		events = append(events, e)
	}
	return events, rows.Err()
}
