// Package migrations carries the database schema as embedded SQL, applied at
// boot by storage.RunMigrations. Files are named NNN_description.sql and run
// in lexical order.
package migrations

import "embed"

// FS holds every .sql file in this directory.
//
//go:embed *.sql
var FS embed.FS
