// Package database opens the libsql connection and applies schema migrations.
package database

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/tursodatabase/go-libsql"

	"github.com/pricewatch/pricewatch/internal/database/migrations"
)

// New opens a database connection.
//
//   - Local file: DATABASE_URL="file:pricewatch.db"
//   - Embedded replica: set TURSO_URL + TURSO_AUTH_TOKEN to sync the local
//     file with Turso cloud
//   - Local libsql server: DATABASE_URL="http://127.0.0.1:8080" (turso dev)
func New(dsn string) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)

	if url, token := os.Getenv("TURSO_URL"), os.Getenv("TURSO_AUTH_TOKEN"); url != "" && token != "" {
		db, err = openReplica(dsn, url, token)
	} else {
		db, err = sql.Open("libsql", dsn)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// openReplica opens a local file kept in sync with a remote Turso database.
func openReplica(dsn, url, token string) (*sql.DB, error) {
	dbPath := strings.TrimPrefix(dsn, "file:")
	dbPath = strings.Split(dbPath, "?")[0]

	connector, err := libsql.NewEmbeddedReplicaConnector(dbPath, url,
		libsql.WithAuthToken(token),
		libsql.WithReadYourWrites(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Turso connector: %w", err)
	}
	return sql.OpenDB(connector), nil
}

// Migrate runs database migrations.
// Note: user accounts live in an external auth layer; user_id columns hold
// opaque identifiers and carry no FK constraint.
func Migrate(db *sql.DB) error {
	return MigrateWithLogger(db, nil)
}

// MigrateWithLogger runs database migrations with a custom logger.
func MigrateWithLogger(db *sql.DB, logger *slog.Logger) error {
	return migrations.Run(db, logger)
}

// SchemaStatus reports how many migrations are applied and the newest
// version, for boot logging.
func SchemaStatus(db *sql.DB) (count int, latest string, err error) {
	applied, err := migrations.Applied(db)
	if err != nil {
		return 0, "", fmt.Errorf("failed to read schema status: %w", err)
	}
	if len(applied) > 0 {
		latest = applied[len(applied)-1].Version
	}
	return len(applied), latest, nil
}
