package storage

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

// migrationLockID serializes migration runs across replicas. The value is
// "kotae" read as a big-endian integer.
const migrationLockID int64 = 0x6b6f746165

// RunMigrations applies every .sql file in migrationsFS that is not yet
// recorded in schema_migrations, in lexical filename order. The whole batch
// runs in a single transaction under an advisory lock: either the schema
// reaches the new version or it stays where it was, and concurrent replicas
// queue instead of racing. Forward-only; set KOTAE_SKIP_EMBEDDED_MIGRATIONS
// when the schema is managed externally.
func (db *DB) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	files, err := listMigrationFiles(migrationsFS)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin migration transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Transaction-scoped lock: released automatically on commit or rollback,
	// so a crashed runner cannot leave it behind.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockID); err != nil {
		return fmt.Errorf("storage: acquire migration lock: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := tx.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("storage: load applied versions: %w", err)
	}
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("storage: scan applied version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("storage: load applied versions: %w", err)
	}

	var ran int
	for _, name := range files {
		if applied[name] {
			continue
		}
		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("storage: read migration %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("storage: apply migration %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1)`, name,
		); err != nil {
			return fmt.Errorf("storage: record migration %s: %w", name, err)
		}
		db.logger.Info("applied migration", "file", name)
		ran++
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit migrations: %w", err)
	}
	if ran == 0 {
		db.logger.Debug("schema up to date", "versions", len(applied))
	}
	return nil
}

// listMigrationFiles returns the .sql files at the root of migrationsFS in
// lexical order. Filenames carry the ordering (001_initial.sql, 002_seed.sql).
func listMigrationFiles(migrationsFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return nil, fmt.Errorf("storage: read migrations dir: %w", err)
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	return files, nil
}
