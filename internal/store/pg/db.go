// Package pg provides Postgres-backed implementations of the Channel State
// Store, Tool Cache, and Activation Store (§4.4–§4.6), used in place of the
// in-memory reference implementations when config.DatabaseConfig carries a
// DSN. Adapted from the teacher's internal/store/pg package: same
// database/sql + pgx/v5 stdlib driver, same in-memory-cache-over-DB shape
// as PGSessionStore, re-targeted at this spec's three stores.
package pg

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// OpenDB opens a connection pool for dsn using the pgx stdlib driver.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("pg: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pg: ping: %w", err)
	}
	return db, nil
}
