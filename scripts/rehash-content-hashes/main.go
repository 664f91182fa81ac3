// Command rehash-content-hashes is a one-time maintenance script that
// recomputes content_hash for every document chunk. Run it after a change to
// the canonical normalization in internal/fingerprint, which would otherwise
// make the ingestion pipeline see every existing chunk as modified and
// re-embed the whole corpus.
//
// Usage:
//
//	DATABASE_URL=postgres://... go run ./scripts/rehash-content-hashes
//
// The script reads every chunk's content, recomputes the hash with the
// current algorithm, and updates the rows where the stored hash differs.
// Only content_hash is touched, so the outbox trigger (which watches content
// and embedding) stays quiet and no Qdrant mirroring is queued.
//
// Safe to run multiple times. Once all hashes match it reports 0 updates.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/kotae/internal/fingerprint"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer pool.Close()

	rows, err := pool.Query(ctx,
		`SELECT id, content, content_hash
		 FROM document_chunks
		 ORDER BY created_at ASC`)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	type staleRow struct {
		id       uuid.UUID
		expected string
	}

	var stale []staleRow
	var total int
	for rows.Next() {
		var (
			id         uuid.UUID
			content    string
			storedHash string
		)
		if err := rows.Scan(&id, &content, &storedHash); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		total++
		expected := fingerprint.ContentKey(content)
		if storedHash != expected {
			stale = append(stale, staleRow{id, expected})
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows: %w", err)
	}

	fmt.Printf("scanned %d chunks, %d have stale hashes\n", total, len(stale))

	if len(stale) == 0 {
		fmt.Println("nothing to do")
		return nil
	}

	updated := 0
	for _, r := range stale {
		tag, err := pool.Exec(ctx,
			`UPDATE document_chunks SET content_hash = $1 WHERE id = $2`,
			r.expected, r.id)
		if err != nil {
			log.Printf("update %s: %v", r.id, err)
			continue
		}
		if tag.RowsAffected() > 0 {
			updated++
		}
	}

	fmt.Printf("updated %d/%d stale hashes\n", updated, len(stale))
	return nil
}
